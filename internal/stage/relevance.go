package stage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/engines-builder/internal/domain"
	"github.com/hochfrequenz/engines-builder/internal/jsonx"
	"github.com/hochfrequenz/engines-builder/internal/llm"
	"github.com/hochfrequenz/engines-builder/internal/trajectory"
)

// parseFailedJustification marks decisions whose model response never
// yielded parseable JSON.
const parseFailedJustification = "parse_failed"

// Relevance fans out one completion per candidate file and records the
// model's verdict for each.
type Relevance struct {
	Store    *trajectory.Store
	Provider llm.Provider
	Model    string

	MaxTokens  int
	MaxWorkers int

	// MaxFailureFraction is the fraction of per-file errors at or above
	// which the stage fails; 1.0 means only a total wipeout fails it.
	MaxFailureFraction float64
}

type relevanceVerdict struct {
	Relevant      bool   `json:"relevant"`
	Justification string `json:"justification"`
}

// Run assesses every candidate file. Per-file failures are demoted to
// negative decisions; the output order matches the input order regardless
// of completion order.
func (r *Relevance) Run(ctx context.Context, problem domain.Problem, files []domain.CandidateFile) ([]domain.RelevanceDecision, error) {
	decisions := make([]domain.RelevanceDecision, len(files))
	errored := make([]bool, len(files))

	workers := r.MaxWorkers
	if workers <= 0 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			decision, callErr := r.assessFile(gctx, problem, file)
			decisions[i] = decision
			errored[i] = callErr != nil
			// Per-file failures never abort the stage; cancellation does.
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, &domain.LLMError{Msg: "relevance stage cancelled", Cause: err}
	}

	failures := 0
	for _, e := range errored {
		if e {
			failures++
		}
	}
	if len(files) > 0 && float64(failures) >= r.failureThreshold(len(files)) {
		return nil, &domain.LLMError{
			Msg: fmt.Sprintf("relevance stage failed: %d of %d calls errored", failures, len(files)),
		}
	}

	if err := r.Store.PutJSON(problem.ID, trajectory.RelevanceDecisions, decisions); err != nil {
		return nil, err
	}

	relevant := 0
	for _, d := range decisions {
		if d.Relevant {
			relevant++
		}
	}
	slog.Info("relevance assessment complete",
		"problem_id", problem.ID,
		"files", len(files),
		"relevant", relevant,
		"errors", failures)
	return decisions, nil
}

func (r *Relevance) failureThreshold(n int) float64 {
	fraction := r.MaxFailureFraction
	if fraction <= 0 || fraction > 1 {
		fraction = 1.0
	}
	return fraction * float64(n)
}

// assessFile produces the decision for one file. The returned error marks
// a provider failure for the stage's failure accounting; a decision is
// returned in every case.
func (r *Relevance) assessFile(ctx context.Context, problem domain.Problem, file domain.CandidateFile) (domain.RelevanceDecision, error) {
	content := file.Content
	if content == "" {
		data, err := os.ReadFile(filepath.Join(problem.CodebasePath, filepath.FromSlash(file.Path)))
		if err != nil {
			slog.Warn("reading candidate file failed", "path", file.Path, "error", err)
			return domain.RelevanceDecision{
				Path:          file.Path,
				Relevant:      false,
				Justification: "error: " + err.Error(),
			}, nil
		}
		content = string(data)
	}

	resp, err := r.Provider.Complete(ctx, llm.Request{
		System:    relevanceSystemPrompt,
		User:      relevanceUserPrompt(problem, file.Path, content),
		Model:     r.Model,
		MaxTokens: r.MaxTokens,
		Metadata: llm.Metadata{
			ProblemID: problem.ID,
			Stage:     "relevance",
			Name:      "relevance_" + file.Path,
		},
	})
	if err != nil {
		slog.Warn("relevance call failed", "path", file.Path, "error", err)
		return domain.RelevanceDecision{
			Path:          file.Path,
			Relevant:      false,
			Justification: "error: " + err.Error(),
		}, err
	}

	var verdict relevanceVerdict
	if jsonx.ExtractObject(resp.Text, &verdict) == nil {
		return domain.RelevanceDecision{
			Path:          file.Path,
			Relevant:      verdict.Relevant,
			Justification: verdict.Justification,
			RawResponse:   resp.Text,
		}, nil
	}

	// One corrective retry asking for bare JSON.
	retryResp, retryErr := r.Provider.Complete(ctx, llm.Request{
		System:    relevanceSystemPrompt,
		User:      relevanceUserPrompt(problem, file.Path, content) + "\n\n" + relevanceRetryPrompt,
		Model:     r.Model,
		MaxTokens: r.MaxTokens,
		Metadata: llm.Metadata{
			ProblemID: problem.ID,
			Stage:     "relevance",
			Name:      "relevance_retry_" + file.Path,
		},
	})
	if retryErr == nil {
		if jsonx.ExtractObject(retryResp.Text, &verdict) == nil {
			return domain.RelevanceDecision{
				Path:          file.Path,
				Relevant:      verdict.Relevant,
				Justification: verdict.Justification,
				RawResponse:   retryResp.Text,
			}, nil
		}
		resp = retryResp
	}

	return domain.RelevanceDecision{
		Path:          file.Path,
		Relevant:      false,
		Justification: parseFailedJustification,
		RawResponse:   resp.Text,
	}, nil
}
