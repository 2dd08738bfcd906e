package llm

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/hochfrequenz/engines-builder/internal/domain"
)

// retryingProvider retries transient failures (HTTP 429, 5xx, transport
// errors) with exponential backoff and jitter. Non-transient failures
// surface immediately.
type retryingProvider struct {
	inner       Provider
	maxAttempts int
}

const (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 30 * time.Second
)

func (r *retryingProvider) Name() string { return r.inner.Name() }

func (r *retryingProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		resp, err := r.inner.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !isTransient(err) || attempt == r.maxAttempts {
			break
		}

		delay := backoffDelay(attempt)
		slog.Warn("llm call failed, retrying",
			"provider", r.inner.Name(),
			"attempt", attempt,
			"max_attempts", r.maxAttempts,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return nil, &domain.LLMError{Msg: "cancelled during backoff", Cause: ctx.Err()}
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// backoffDelay picks a random delay in [d/2, 3d/2), where d is
// base*2^(attempt-1) capped at backoffCap; the jittered delay itself may
// exceed the cap by up to half.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase << (attempt - 1)
	if d > backoffCap {
		d = backoffCap
	}
	return time.Duration(rand.Int63n(int64(d)) + int64(d)/2)
}

func isTransient(err error) bool {
	var llmErr *domain.LLMError
	if errors.As(err, &llmErr) {
		return llmErr.Transient
	}
	return false
}
