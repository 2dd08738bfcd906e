package trace

import (
	"testing"
	"time"
)

func TestLedger_LogAndStats(t *testing.T) {
	ledger, err := NewLedger(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer ledger.Close()

	ledger.LogGeneration(Generation{
		SpanID:           "span-1",
		ProblemID:        "p1",
		Stage:            "relevance",
		Model:            "claude-sonnet-4-20250514",
		PromptTokens:     100,
		CompletionTokens: 20,
		Latency:          250 * time.Millisecond,
		CostUSD:          0.001,
		StartedAt:        time.Now(),
	})
	ledger.LogGeneration(Generation{
		SpanID:           "span-2",
		ProblemID:        "p1",
		Stage:            "ranking",
		PromptTokens:     50,
		CompletionTokens: 10,
		CostUSD:          0.0005,
		StartedAt:        time.Now(),
	})

	stats, err := ledger.Stats("p1", "")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Calls != 2 {
		t.Errorf("Calls = %d, want 2", stats.Calls)
	}
	if stats.PromptTokens != 150 {
		t.Errorf("PromptTokens = %d, want 150", stats.PromptTokens)
	}

	relOnly, err := ledger.Stats("p1", "relevance")
	if err != nil {
		t.Fatal(err)
	}
	if relOnly.Calls != 1 {
		t.Errorf("relevance Calls = %d, want 1", relOnly.Calls)
	}
}

func TestLedger_ListGenerations(t *testing.T) {
	ledger, err := NewLedger(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer ledger.Close()

	base := time.Now()
	ledger.LogGeneration(Generation{SpanID: "a", ProblemID: "p1", Stage: "relevance", StartedAt: base})
	ledger.LogGeneration(Generation{SpanID: "b", ProblemID: "p1", Stage: "ranking", StartedAt: base.Add(time.Second)})
	ledger.LogGeneration(Generation{SpanID: "c", ProblemID: "other", Stage: "relevance", StartedAt: base})

	gens, err := ledger.ListGenerations("p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(gens) != 2 {
		t.Fatalf("len = %d, want 2", len(gens))
	}
	if gens[0].SpanID != "a" || gens[1].SpanID != "b" {
		t.Errorf("order = %s, %s; want a, b", gens[0].SpanID, gens[1].SpanID)
	}
}

func TestMultiSink(t *testing.T) {
	l1, _ := NewLedger(":memory:")
	l2, _ := NewLedger(":memory:")
	defer l1.Close()
	defer l2.Close()

	multi := MultiSink{l1, l2}
	multi.LogGeneration(Generation{SpanID: "x", ProblemID: "p", Stage: "s", StartedAt: time.Now()})

	for i, l := range []*Ledger{l1, l2} {
		stats, err := l.Stats("p", "")
		if err != nil {
			t.Fatal(err)
		}
		if stats.Calls != 1 {
			t.Errorf("sink %d Calls = %d, want 1", i, stats.Calls)
		}
	}
}

func TestGlobalSinkDefaultsToNop(t *testing.T) {
	Init(nil)
	// Must not panic and must not block.
	Get().LogGeneration(Generation{})
	if err := Flush(); err != nil {
		t.Errorf("nop Flush = %v, want nil", err)
	}
}
