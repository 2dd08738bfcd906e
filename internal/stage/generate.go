package stage

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hochfrequenz/engines-builder/internal/domain"
	"github.com/hochfrequenz/engines-builder/internal/llm"
	"github.com/hochfrequenz/engines-builder/internal/tokens"
	"github.com/hochfrequenz/engines-builder/internal/trajectory"
)

// promptFileTokenBudget bounds how many estimated tokens of ranked file
// contents the generation prompt may carry.
const promptFileTokenBudget = 60_000

const shebang = "#!/usr/bin/env sh"

// Generation asks the model for a containerfile plus lint and test
// scripts, validates them, and persists all three atomically.
type Generation struct {
	Store    *trajectory.Store
	Provider llm.Provider
	Model    string

	MaxTokens   int
	Temperature float64
}

type rankedContent struct {
	Path    string
	Content string
}

// Run generates and persists all three artifacts from the ranking.
func (g *Generation) Run(ctx context.Context, problem domain.Problem, ranking domain.Ranking) (domain.GeneratedArtifacts, error) {
	files := g.loadRankedContents(problem, ranking)

	sections, err := g.requestSections(ctx, problem, files)
	if err != nil {
		return domain.GeneratedArtifacts{}, err
	}

	artifacts := domain.GeneratedArtifacts{
		ProblemID:     problem.ID,
		Containerfile: sections[sectionDockerfile],
		LintScript:    ensureShebang(sections[sectionLint]),
		TestScript:    ensureShebang(sections[sectionTest]),
	}

	if !hasFromDirective(artifacts.Containerfile) {
		return domain.GeneratedArtifacts{}, &domain.GenerationError{Msg: "containerfile has no FROM directive"}
	}

	if err := g.persist(artifacts); err != nil {
		return domain.GeneratedArtifacts{}, err
	}

	slog.Info("generation complete",
		"problem_id", problem.ID,
		"containerfile_bytes", len(artifacts.Containerfile),
		"lint_bytes", len(artifacts.LintScript),
		"test_bytes", len(artifacts.TestScript))
	return artifacts, nil
}

// RunScripts generates and persists only the lint and test scripts.
func (g *Generation) RunScripts(ctx context.Context, problem domain.Problem, ranking domain.Ranking) (domain.GeneratedArtifacts, error) {
	files := g.loadRankedContents(problem, ranking)
	sections, err := g.requestSections(ctx, problem, files)
	if err != nil {
		return domain.GeneratedArtifacts{}, err
	}

	artifacts := domain.GeneratedArtifacts{
		ProblemID:  problem.ID,
		LintScript: ensureShebang(sections[sectionLint]),
		TestScript: ensureShebang(sections[sectionTest]),
	}
	if err := g.Store.PutArtifact(problem.ID, trajectory.SubtreeScripts, "lint.sh", []byte(artifacts.LintScript), 0o755); err != nil {
		return domain.GeneratedArtifacts{}, err
	}
	if err := g.Store.PutArtifact(problem.ID, trajectory.SubtreeScripts, "test.sh", []byte(artifacts.TestScript), 0o755); err != nil {
		return domain.GeneratedArtifacts{}, err
	}
	return artifacts, nil
}

// RunDockerfile generates and persists only the containerfile.
func (g *Generation) RunDockerfile(ctx context.Context, problem domain.Problem, ranking domain.Ranking) (domain.GeneratedArtifacts, error) {
	files := g.loadRankedContents(problem, ranking)
	sections, err := g.requestSections(ctx, problem, files)
	if err != nil {
		return domain.GeneratedArtifacts{}, err
	}

	artifacts := domain.GeneratedArtifacts{
		ProblemID:     problem.ID,
		Containerfile: sections[sectionDockerfile],
	}
	if !hasFromDirective(artifacts.Containerfile) {
		return domain.GeneratedArtifacts{}, &domain.GenerationError{Msg: "containerfile has no FROM directive"}
	}
	if err := g.Store.PutArtifact(problem.ID, trajectory.SubtreeDockerfiles, "Dockerfile", []byte(artifacts.Containerfile), 0o644); err != nil {
		return domain.GeneratedArtifacts{}, err
	}
	return artifacts, nil
}

// requestSections performs the completion and the single missing-section
// retry the stage is allowed.
func (g *Generation) requestSections(ctx context.Context, problem domain.Problem, files []rankedContent) (map[string]string, error) {
	resp, err := g.Provider.Complete(ctx, llm.Request{
		System:      generationSystemPrompt,
		User:        generationUserPrompt(problem, files),
		Model:       g.Model,
		MaxTokens:   g.MaxTokens,
		Temperature: g.Temperature,
		Metadata: llm.Metadata{
			ProblemID: problem.ID,
			Stage:     "generation",
			Name:      "generation",
		},
	})
	if err != nil {
		return nil, err
	}

	// Transcript for audit, best effort.
	if putErr := g.Store.Put(problem.ID, "generation_response.txt", []byte(resp.Text)); putErr != nil {
		slog.Warn("writing generation transcript failed", "error", putErr)
	}

	sections := parseSections(resp.Text)
	missing := missingSections(sections)
	if len(missing) == 0 {
		return sections, nil
	}

	retryResp, err := g.Provider.Complete(ctx, llm.Request{
		System:      generationSystemPrompt,
		User:        generationUserPrompt(problem, files) + "\n\n" + generationRetryPrompt(missing),
		Model:       g.Model,
		MaxTokens:   g.MaxTokens,
		Temperature: g.Temperature,
		Metadata: llm.Metadata{
			ProblemID: problem.ID,
			Stage:     "generation",
			Name:      "generation_retry",
		},
	})
	if err != nil {
		return nil, err
	}

	// The retry may resend everything; keep first-answer sections that
	// were fine and fill the gaps.
	retrySections := parseSections(retryResp.Text)
	for name, body := range retrySections {
		if sections[name] == "" {
			sections[name] = body
		}
	}
	if missing := missingSections(sections); len(missing) > 0 {
		return nil, &domain.GenerationError{Msg: "response still missing sections after retry: " + strings.Join(missing, ", ")}
	}
	return sections, nil
}

// loadRankedContents reads top-ranked files until the prompt budget is
// spent.
func (g *Generation) loadRankedContents(problem domain.Problem, ranking domain.Ranking) []rankedContent {
	var out []rankedContent
	budget := promptFileTokenBudget

	for _, path := range ranking.Paths {
		if budget <= 0 {
			break
		}
		data, err := os.ReadFile(filepath.Join(problem.CodebasePath, filepath.FromSlash(path)))
		if err != nil {
			slog.Warn("skipping unreadable ranked file", "path", path, "error", err)
			continue
		}
		content := string(data)
		cost := tokens.Estimate(content)
		if cost > budget {
			continue
		}
		budget -= cost
		out = append(out, rankedContent{Path: path, Content: content})
	}
	return out
}

// persist writes all three artifacts with an all-or-nothing discipline:
// a failure rolls back any artifact already renamed into place.
func (g *Generation) persist(a domain.GeneratedArtifacts) error {
	writes := []struct {
		subtree string
		name    string
		data    string
		mode    os.FileMode
	}{
		{trajectory.SubtreeDockerfiles, "Dockerfile", a.Containerfile, 0o644},
		{trajectory.SubtreeScripts, "lint.sh", a.LintScript, 0o755},
		{trajectory.SubtreeScripts, "test.sh", a.TestScript, 0o755},
	}

	var done []string
	for _, w := range writes {
		if err := g.Store.PutArtifact(a.ProblemID, w.subtree, w.name, []byte(w.data), w.mode); err != nil {
			for _, path := range done {
				os.Remove(path)
			}
			return err
		}
		done = append(done, g.Store.SubtreePath(a.ProblemID, w.subtree, w.name))
	}
	return nil
}

// parseSections splits a delimited response into its labeled sections.
func parseSections(text string) map[string]string {
	markers := []string{sectionDockerfile, sectionLint, sectionTest, sectionEnd}
	positions := make(map[string]int)
	for _, m := range markers {
		positions[m] = strings.Index(text, m)
	}

	sections := make(map[string]string)
	order := []string{sectionDockerfile, sectionLint, sectionTest}
	for i, marker := range order {
		start := positions[marker]
		if start < 0 {
			continue
		}
		bodyStart := start + len(marker)
		end := len(text)
		// The section ends at the next present marker.
		later := make([]string, 0, len(order)-i)
		later = append(later, order[i+1:]...)
		later = append(later, sectionEnd)
		for _, name := range later {
			if p := positions[name]; p > start && p < end {
				end = p
			}
		}
		sections[marker] = strings.TrimSpace(text[bodyStart:end])
	}
	return sections
}

func missingSections(sections map[string]string) []string {
	var missing []string
	for _, name := range []string{sectionDockerfile, sectionLint, sectionTest} {
		if sections[name] == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// ensureShebang prefixes a script with the POSIX sh shebang when it lacks
// one.
func ensureShebang(script string) string {
	if script == "" || strings.HasPrefix(script, "#!") {
		return script
	}
	return shebang + "\n" + script
}

// hasFromDirective checks that the containerfile declares a base image on
// a non-comment line.
func hasFromDirective(containerfile string) bool {
	for _, line := range strings.Split(containerfile, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(strings.ToUpper(line), "FROM ") {
			return true
		}
	}
	return false
}
