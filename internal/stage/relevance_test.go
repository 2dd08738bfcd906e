package stage

import (
	"context"
	"testing"

	"github.com/hochfrequenz/engines-builder/internal/domain"
	"github.com/hochfrequenz/engines-builder/internal/llm"
	"github.com/hochfrequenz/engines-builder/internal/trajectory"
)

func relevanceFixture(t *testing.T, provider llm.Provider) (*Relevance, *trajectory.Store, domain.Problem) {
	t.Helper()
	store := trajectory.New(t.TempDir())
	rel := &Relevance{
		Store:              store,
		Provider:           provider,
		Model:              "test-model",
		MaxTokens:          1024,
		MaxWorkers:         4,
		MaxFailureFraction: 1.0,
	}

	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a.py": "def main(): pass",
		"b.py": "HELPER = 1",
		"c.py": "unused = None",
	})
	problem := domain.Problem{ID: "p1", ProblemStatement: "find entry point", CodebasePath: root}
	return rel, store, problem
}

func candidates(paths ...string) []domain.CandidateFile {
	out := make([]domain.CandidateFile, len(paths))
	for i, p := range paths {
		out[i] = domain.CandidateFile{Path: p, TokenCount: 10}
	}
	return out
}

func TestRelevance_Decisions(t *testing.T) {
	provider := &llm.Scripted{
		Rules: []llm.Rule{
			{Match: "a.py", Response: `{"relevant": true, "justification": "entry point"}`},
			{Match: "b.py", Response: `{"relevant": false, "justification": "constants only"}`},
			{Match: "c.py", Response: `prose first {"relevant": true, "justification": "dead code"}`},
		},
	}
	rel, store, problem := relevanceFixture(t, provider)

	decisions, err := rel.Run(context.Background(), problem, candidates("a.py", "b.py", "c.py"))
	if err != nil {
		t.Fatal(err)
	}
	if len(decisions) != 3 {
		t.Fatalf("len = %d, want 3", len(decisions))
	}
	// Output order matches input order regardless of completion order.
	if decisions[0].Path != "a.py" || decisions[1].Path != "b.py" || decisions[2].Path != "c.py" {
		t.Errorf("order = %v", decisions)
	}
	if !decisions[0].Relevant || decisions[1].Relevant || !decisions[2].Relevant {
		t.Errorf("verdicts = %+v", decisions)
	}
	if decisions[0].Justification != "entry point" {
		t.Errorf("justification = %q", decisions[0].Justification)
	}

	var persisted []domain.RelevanceDecision
	ok, err := store.GetJSON(problem.ID, trajectory.RelevanceDecisions, &persisted)
	if err != nil || !ok {
		t.Fatalf("artifact missing: ok=%v err=%v", ok, err)
	}
	if len(persisted) != 3 {
		t.Errorf("persisted %d decisions, want 3", len(persisted))
	}
}

func TestRelevance_ParseFailureDemoted(t *testing.T) {
	// One file yields non-JSON twice; its decision is demoted and the
	// stage still succeeds.
	provider := &llm.Scripted{
		Rules: []llm.Rule{
			{Match: "a.py", Response: `{"relevant": true, "justification": "entry point"}`},
			{Match: "b.py", Response: "I am unable to provide structured output."},
			{Match: "c.py", Response: `{"relevant": false, "justification": "unrelated"}`},
		},
	}
	rel, _, problem := relevanceFixture(t, provider)

	decisions, err := rel.Run(context.Background(), problem, candidates("a.py", "b.py", "c.py"))
	if err != nil {
		t.Fatal(err)
	}

	bad := decisions[1]
	if bad.Relevant {
		t.Error("parse-failed decision must be negative")
	}
	if bad.Justification != "parse_failed" {
		t.Errorf("justification = %q, want parse_failed", bad.Justification)
	}
	if bad.RawResponse == "" {
		t.Error("raw response must be preserved for audit")
	}
	// The corrective retry means b.py was asked twice: 3 + 1 calls.
	if got := provider.CallCount(); got != 4 {
		t.Errorf("CallCount = %d, want 4", got)
	}
}

func TestRelevance_PartialErrorsTolerated(t *testing.T) {
	provider := &llm.Scripted{
		Rules: []llm.Rule{
			{Match: "a.py", Err: &domain.LLMError{Msg: "boom"}},
			{Match: "b.py", Response: `{"relevant": true, "justification": "fine"}`},
			{Match: "c.py", Response: `{"relevant": false, "justification": "fine"}`},
		},
	}
	rel, _, problem := relevanceFixture(t, provider)

	decisions, err := rel.Run(context.Background(), problem, candidates("a.py", "b.py", "c.py"))
	if err != nil {
		t.Fatal(err)
	}
	if decisions[0].Relevant {
		t.Error("errored file must get a negative decision")
	}
	if decisions[0].Justification == "" || decisions[0].Justification == "parse_failed" {
		t.Errorf("error decision justification = %q, want error tag", decisions[0].Justification)
	}
}

func TestRelevance_TotalFailureAborts(t *testing.T) {
	provider := &llm.Scripted{
		Rules: []llm.Rule{{Match: ".py", Err: &domain.LLMError{Msg: "down"}}},
	}
	rel, _, problem := relevanceFixture(t, provider)

	_, err := rel.Run(context.Background(), problem, candidates("a.py", "b.py", "c.py"))
	if err == nil {
		t.Fatal("expected stage failure when all calls error")
	}
	if domain.ExitCode(err) != domain.ExitLLM {
		t.Errorf("ExitCode = %d, want %d", domain.ExitCode(err), domain.ExitLLM)
	}
}

func TestRelevance_FailureFraction(t *testing.T) {
	provider := &llm.Scripted{
		Rules: []llm.Rule{
			{Match: "a.py", Err: &domain.LLMError{Msg: "down"}},
			{Match: "b.py", Err: &domain.LLMError{Msg: "down"}},
			{Match: "c.py", Response: `{"relevant": true, "justification": "ok"}`},
		},
	}
	rel, _, problem := relevanceFixture(t, provider)
	rel.MaxFailureFraction = 0.5

	_, err := rel.Run(context.Background(), problem, candidates("a.py", "b.py", "c.py"))
	if err == nil {
		t.Fatal("expected stage failure at 2/3 errors with threshold 0.5")
	}
}

func TestRelevance_EmptyInput(t *testing.T) {
	provider := &llm.Scripted{Fallback: "unused"}
	rel, store, problem := relevanceFixture(t, provider)

	decisions, err := rel.Run(context.Background(), problem, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(decisions) != 0 {
		t.Errorf("decisions = %v, want empty", decisions)
	}
	if !store.Exists(problem.ID, trajectory.RelevanceDecisions) {
		t.Error("artifact should be written even for empty input")
	}
	if provider.CallCount() != 0 {
		t.Errorf("CallCount = %d, want 0", provider.CallCount())
	}
}
