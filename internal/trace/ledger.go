package trace

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS generations (
	span_id            TEXT PRIMARY KEY,
	trace_id           TEXT,
	problem_id         TEXT NOT NULL,
	stage              TEXT NOT NULL,
	name               TEXT,
	model              TEXT,
	prompt_tokens      INTEGER,
	completion_tokens  INTEGER,
	input_chars        INTEGER,
	output_chars       INTEGER,
	latency_ms         INTEGER,
	cost_usd           REAL,
	error              TEXT,
	started_at         TIMESTAMP
);

CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	trace_id   TEXT,
	problem_id TEXT NOT NULL,
	name       TEXT NOT NULL,
	detail     TEXT,
	started_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_generations_problem ON generations(problem_id, stage);
`

// Ledger is a SQLite-backed local record of every LLM call and pipeline
// event, kept alongside the trajectory tree for post-hoc inspection.
type Ledger struct {
	db *sql.DB
	mu sync.Mutex
}

// NewLedger opens (creating if needed) the ledger database at dbPath.
func NewLedger(dbPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running ledger migrations: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) LogGeneration(g Generation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(`
		INSERT OR REPLACE INTO generations
		(span_id, trace_id, problem_id, stage, name, model, prompt_tokens, completion_tokens, input_chars, output_chars, latency_ms, cost_usd, error, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		g.SpanID, g.TraceID, g.ProblemID, g.Stage, g.Name, g.Model,
		g.PromptTokens, g.CompletionTokens, g.InputChars, g.OutputChars,
		g.Latency.Milliseconds(), g.CostUSD, g.Error, g.StartedAt,
	)
	if err != nil {
		// Tracing is best effort and never fails the pipeline.
		slog.Debug("ledger insert failed", "error", err)
	}
}

func (l *Ledger) LogEvent(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.db.Exec(`
		INSERT INTO events (trace_id, problem_id, name, detail, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.TraceID, e.ProblemID, e.Name, e.Detail, e.StartedAt)
}

func (l *Ledger) Flush() error { return nil }

func (l *Ledger) Close() error { return l.db.Close() }

// GenerationStats summarizes ledger rows for one problem.
type GenerationStats struct {
	Calls            int
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// Stats aggregates calls, token usage, and cost for a problem, optionally
// filtered by stage.
func (l *Ledger) Stats(problemID, stage string) (GenerationStats, error) {
	query := `SELECT COUNT(*), COALESCE(SUM(prompt_tokens),0), COALESCE(SUM(completion_tokens),0), COALESCE(SUM(cost_usd),0)
		FROM generations WHERE problem_id = ?`
	args := []any{problemID}
	if stage != "" {
		query += " AND stage = ?"
		args = append(args, stage)
	}

	var s GenerationStats
	row := l.db.QueryRow(query, args...)
	if err := row.Scan(&s.Calls, &s.PromptTokens, &s.CompletionTokens, &s.CostUSD); err != nil {
		return GenerationStats{}, err
	}
	return s, nil
}

// ListGenerations returns the recorded generations for a problem in call
// order.
func (l *Ledger) ListGenerations(problemID string) ([]Generation, error) {
	rows, err := l.db.Query(`
		SELECT span_id, trace_id, problem_id, stage, name, model, prompt_tokens, completion_tokens, input_chars, output_chars, latency_ms, cost_usd, error, started_at
		FROM generations WHERE problem_id = ? ORDER BY started_at
	`, problemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Generation
	for rows.Next() {
		var g Generation
		var latencyMS int64
		if err := rows.Scan(&g.SpanID, &g.TraceID, &g.ProblemID, &g.Stage, &g.Name, &g.Model,
			&g.PromptTokens, &g.CompletionTokens, &g.InputChars, &g.OutputChars,
			&latencyMS, &g.CostUSD, &g.Error, &g.StartedAt); err != nil {
			return nil, err
		}
		g.Latency = time.Duration(latencyMS) * time.Millisecond
		out = append(out, g)
	}
	return out, rows.Err()
}
