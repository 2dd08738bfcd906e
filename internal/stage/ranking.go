package stage

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hochfrequenz/engines-builder/internal/domain"
	"github.com/hochfrequenz/engines-builder/internal/jsonx"
	"github.com/hochfrequenz/engines-builder/internal/llm"
	"github.com/hochfrequenz/engines-builder/internal/tokens"
	"github.com/hochfrequenz/engines-builder/internal/trajectory"
)

// excerptTokenBudget bounds how many estimated tokens of file excerpts
// the ranking prompt may carry in total.
const excerptTokenBudget = 20_000

// excerptMaxLines caps a single file's excerpt.
const excerptMaxLines = 40

// Ranking asks the model to order the relevant files by likely edit
// priority and coerces the answer into a permutation of the relevant set.
type Ranking struct {
	Store    *trajectory.Store
	Provider llm.Provider
	Model    string

	MaxTokens   int
	Temperature float64
}

type rankingEntry struct {
	Path          string
	TokenCount    int
	Justification string
	Excerpt       string
}

// Run produces and persists ranking.json. An empty relevant set yields an
// empty ranking and success without any model call.
func (r *Ranking) Run(ctx context.Context, problem domain.Problem, decisions []domain.RelevanceDecision) (domain.Ranking, error) {
	positives := make([]domain.RelevanceDecision, 0, len(decisions))
	for _, d := range decisions {
		if d.Relevant {
			positives = append(positives, d)
		}
	}

	ranking := domain.Ranking{ProblemID: problem.ID, Paths: []string{}}
	if len(positives) == 0 {
		slog.Info("no relevant files, writing empty ranking", "problem_id", problem.ID)
		return ranking, r.Store.PutJSON(problem.ID, trajectory.Ranking, ranking)
	}

	entries := r.buildEntries(problem, positives)
	userPrompt := rankingUserPrompt(problem, entries)

	// Transcripts are an audit aid, written best effort.
	if err := r.Store.Put(problem.ID, "ranking_prompt.txt", []byte(userPrompt)); err != nil {
		slog.Warn("writing ranking prompt transcript failed", "error", err)
	}

	raw, err := r.complete(ctx, problem, userPrompt, "ranking")
	if err != nil {
		return domain.Ranking{}, err
	}
	if err := r.Store.Put(problem.ID, "ranking_response.txt", []byte(raw)); err != nil {
		slog.Warn("writing ranking response transcript failed", "error", err)
	}

	paths, parseErr := jsonx.ExtractStringArray(raw)
	if parseErr != nil {
		// One corrective retry, then the stage aborts.
		raw, err = r.complete(ctx, problem, userPrompt+"\n\n"+rankingRetryPrompt, "ranking_retry")
		if err != nil {
			return domain.Ranking{}, err
		}
		paths, parseErr = jsonx.ExtractStringArray(raw)
		if parseErr != nil {
			return domain.Ranking{}, &domain.ParseError{Stage: "ranking", Msg: "no JSON array in model response after retry"}
		}
	}

	ranking.Paths = coerceRanking(paths, positives)
	if err := r.Store.PutJSON(problem.ID, trajectory.Ranking, ranking); err != nil {
		return domain.Ranking{}, err
	}

	slog.Info("ranking complete", "problem_id", problem.ID, "files", len(ranking.Paths))
	return ranking, nil
}

func (r *Ranking) complete(ctx context.Context, problem domain.Problem, user, name string) (string, error) {
	resp, err := r.Provider.Complete(ctx, llm.Request{
		System:      rankingSystemPrompt,
		User:        user,
		Model:       r.Model,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
		Metadata: llm.Metadata{
			ProblemID: problem.ID,
			Stage:     "ranking",
			Name:      name,
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// buildEntries attaches short excerpts to the largest files first until
// the excerpt budget is spent. Entry order stays the decision order.
func (r *Ranking) buildEntries(problem domain.Problem, positives []domain.RelevanceDecision) []rankingEntry {
	entries := make([]rankingEntry, len(positives))
	counts := make([]int, len(positives))

	for i, d := range positives {
		count := 0
		if data, err := os.ReadFile(filepath.Join(problem.CodebasePath, filepath.FromSlash(d.Path))); err == nil {
			count = tokens.Estimate(string(data))
		}
		counts[i] = count
		entries[i] = rankingEntry{Path: d.Path, TokenCount: count, Justification: d.Justification}
	}

	// Biggest files get excerpts first; they are the hardest to judge
	// from a summary alone.
	order := make([]int, len(positives))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return counts[order[a]] > counts[order[b]] })

	budget := excerptTokenBudget
	for _, idx := range order {
		if budget <= 0 {
			break
		}
		excerpt := readExcerpt(filepath.Join(problem.CodebasePath, filepath.FromSlash(entries[idx].Path)))
		cost := tokens.Estimate(excerpt)
		if cost == 0 || cost > budget {
			continue
		}
		entries[idx].Excerpt = excerpt
		budget -= cost
	}
	return entries
}

func readExcerpt(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) > excerptMaxLines {
		lines = lines[:excerptMaxLines]
	}
	return strings.Join(lines, "\n")
}

// coerceRanking turns the model's path list into a permutation of the
// positive-decision set: unknown paths are dropped, duplicates collapse
// to the first occurrence, and missing paths are appended in their
// original order.
func coerceRanking(modelPaths []string, positives []domain.RelevanceDecision) []string {
	known := make(map[string]struct{}, len(positives))
	for _, d := range positives {
		known[d.Path] = struct{}{}
	}

	out := make([]string, 0, len(positives))
	seen := make(map[string]struct{}, len(positives))
	for _, p := range modelPaths {
		p = strings.TrimSpace(p)
		if _, ok := known[p]; !ok {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	for _, d := range positives {
		if _, ok := seen[d.Path]; !ok {
			out = append(out, d.Path)
		}
	}
	return out
}
