// Package llm provides the completion capability the pipeline stages use:
// send a prompt, receive text, with per-call timeout, retry, and tracing.
// Two concrete backends exist, one Anthropic-compatible and one
// OpenAI-compatible.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/hochfrequenz/engines-builder/internal/domain"
	"github.com/hochfrequenz/engines-builder/internal/trace"
)

// TokenUsage tracks tokens consumed by one completion.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Add accumulates another usage into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

func (u TokenUsage) String() string {
	return fmt.Sprintf("prompt=%d completion=%d total=%d",
		u.PromptTokens, u.CompletionTokens, u.TotalTokens)
}

// Metadata identifies the call site for tracing.
type Metadata struct {
	ProblemID string
	Stage     string
	Name      string
}

// Request is one completion request.
type Request struct {
	System      string
	User        string
	Model       string
	MaxTokens   int
	Temperature float64
	Metadata    Metadata
}

// Response is a completed request.
type Response struct {
	Text   string
	Usage  TokenUsage
	SpanID string
}

// Provider is the uniform completion capability.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Name() string
}

// Config configures a concrete backend.
type Config struct {
	Provider   string // "anthropic" or "openai"
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

const defaultMaxRetries = 5

// New creates a provider for cfg, wrapped with retry and tracing.
func New(cfg Config) (Provider, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}

	var backend Provider
	switch cfg.Provider {
	case "", "anthropic":
		if cfg.APIKey == "" {
			return nil, &domain.ConfigError{Msg: "anthropic_api_key is not set"}
		}
		backend = newAnthropic(cfg)
	case "openai":
		if cfg.APIKey == "" {
			return nil, &domain.ConfigError{Msg: "openai_api_key is not set"}
		}
		backend = newOpenAI(cfg)
	default:
		return nil, &domain.ConfigError{Msg: "unsupported llm provider: " + cfg.Provider}
	}

	return &tracedProvider{
		inner: &retryingProvider{inner: backend, maxAttempts: cfg.MaxRetries},
	}, nil
}

// tracedProvider records one trace generation per call, carrying input and
// output lengths and latency but never contents.
type tracedProvider struct {
	inner Provider
}

func (t *tracedProvider) Name() string { return t.inner.Name() }

func (t *tracedProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := t.inner.Complete(ctx, req)

	gen := trace.Generation{
		SpanID:     trace.NewSpanID(),
		ProblemID:  req.Metadata.ProblemID,
		Stage:      req.Metadata.Stage,
		Name:       req.Metadata.Name,
		Model:      req.Model,
		InputChars: len(req.System) + len(req.User),
		Latency:    time.Since(start),
		StartedAt:  start,
	}
	if err != nil {
		gen.Error = err.Error()
	} else {
		gen.PromptTokens = resp.Usage.PromptTokens
		gen.CompletionTokens = resp.Usage.CompletionTokens
		gen.OutputChars = len(resp.Text)
		gen.CostUSD = Cost(req.Model, resp.Usage)
		resp.SpanID = gen.SpanID
	}
	trace.Get().LogGeneration(gen)

	return resp, err
}
