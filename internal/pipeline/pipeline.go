// Package pipeline drives the analysis stages in order, skipping stages
// whose artifact is already present and parseable so any prefix of the
// pipeline can be resumed.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/hochfrequenz/engines-builder/internal/domain"
	"github.com/hochfrequenz/engines-builder/internal/stage"
	"github.com/hochfrequenz/engines-builder/internal/trace"
	"github.com/hochfrequenz/engines-builder/internal/trajectory"
)

// Stage names accepted by --force.
const (
	StageFileSelection = "file_selection"
	StageRelevance     = "relevance"
	StageRanking       = "ranking"
	StageGeneration    = "generation"
)

// stageOrder is the DAG in execution order.
var stageOrder = []string{StageFileSelection, StageRelevance, StageRanking, StageGeneration}

// Pipeline wires the four analysis stages together.
type Pipeline struct {
	Store      *trajectory.Store
	Selection  *stage.Selection
	Relevance  *stage.Relevance
	Ranking    *stage.Ranking
	Generation *stage.Generation

	// Force names a stage that must rerun even when its artifact exists;
	// every stage downstream of it reruns too.
	Force string
}

// errorRecord is what lands in pipeline_error.json on a hard failure.
type errorRecord struct {
	ProblemID string    `json:"problem_id"`
	Stage     string    `json:"stage"`
	Error     string    `json:"error"`
	At        time.Time `json:"at"`
}

// Run executes file_selection -> relevance -> ranking -> generation.
// A hard stage failure writes pipeline_error.json and returns the error.
func (p *Pipeline) Run(ctx context.Context, problem domain.Problem) error {
	runStage := func(name string, fn func() error) error {
		trace.Get().LogEvent(trace.Event{
			ProblemID: problem.ID,
			Name:      "stage_" + name,
			StartedAt: time.Now(),
		})
		if err := fn(); err != nil {
			p.recordFailure(problem.ID, name, err)
			return err
		}
		return nil
	}

	// Once a stage has run, every stage downstream of it runs too, so no
	// stage is skipped on top of a freshly rewritten predecessor.
	upstreamRan := false

	// file_selection
	var files []domain.CandidateFile
	if p.shouldSkip(problem.ID, StageFileSelection, trajectory.SelectedFiles, &files) {
		slog.Info("skipping file_selection, artifact present", "problem_id", problem.ID)
	} else {
		if err := runStage(StageFileSelection, func() error {
			var err error
			files, err = p.Selection.Run(problem)
			return err
		}); err != nil {
			return err
		}
		upstreamRan = true
	}

	// relevance
	var decisions []domain.RelevanceDecision
	if !upstreamRan && p.shouldSkip(problem.ID, StageRelevance, trajectory.RelevanceDecisions, &decisions) {
		slog.Info("skipping relevance, artifact present", "problem_id", problem.ID)
	} else {
		if err := runStage(StageRelevance, func() error {
			var err error
			decisions, err = p.Relevance.Run(ctx, problem, files)
			return err
		}); err != nil {
			return err
		}
		upstreamRan = true
	}

	// ranking
	var ranking domain.Ranking
	if !upstreamRan && p.shouldSkip(problem.ID, StageRanking, trajectory.Ranking, &ranking) {
		slog.Info("skipping ranking, artifact present", "problem_id", problem.ID)
	} else {
		if err := runStage(StageRanking, func() error {
			var err error
			ranking, err = p.Ranking.Run(ctx, problem, decisions)
			return err
		}); err != nil {
			return err
		}
		upstreamRan = true
	}

	// generation
	if !upstreamRan && p.generationComplete(problem.ID) && !p.forced(StageGeneration) {
		slog.Info("skipping generation, artifacts present", "problem_id", problem.ID)
		return nil
	}
	return runStage(StageGeneration, func() error {
		_, err := p.Generation.Run(ctx, problem, ranking)
		return err
	})
}

// shouldSkip reports whether a stage can be skipped because its artifact
// exists and parses, loading the artifact into out for downstream stages.
func (p *Pipeline) shouldSkip(problemID, stageName, artifact string, out any) bool {
	if p.forced(stageName) {
		return false
	}
	ok, err := p.Store.GetJSON(problemID, artifact, out)
	if err != nil {
		slog.Warn("existing artifact unreadable, rerunning stage",
			"stage", stageName, "artifact", artifact, "error", err)
		return false
	}
	return ok
}

// forced reports whether name or any of its predecessors was forced.
func (p *Pipeline) forced(name string) bool {
	if p.Force == "" {
		return false
	}
	forcing := false
	for _, s := range stageOrder {
		if s == p.Force {
			forcing = true
		}
		if s == name {
			return forcing
		}
	}
	return false
}

func (p *Pipeline) generationComplete(problemID string) bool {
	for _, check := range []struct{ subtree, name string }{
		{trajectory.SubtreeDockerfiles, "Dockerfile"},
		{trajectory.SubtreeScripts, "lint.sh"},
		{trajectory.SubtreeScripts, "test.sh"},
	} {
		if !fileExists(p.Store.SubtreePath(problemID, check.subtree, check.name)) {
			return false
		}
	}
	return true
}

func (p *Pipeline) recordFailure(problemID, stageName string, err error) {
	record := errorRecord{
		ProblemID: problemID,
		Stage:     stageName,
		Error:     err.Error(),
		At:        time.Now().UTC(),
	}
	if putErr := p.Store.PutJSON(problemID, trajectory.PipelineError, record); putErr != nil {
		slog.Error("writing pipeline_error.json failed", "error", putErr)
	}
	slog.Error("pipeline stage failed", "stage", stageName, "error", err)
}
