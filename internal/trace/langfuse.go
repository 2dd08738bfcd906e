package trace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LangfuseConfig configures the hosted trace sink.
type LangfuseConfig struct {
	Enabled   bool   `json:"enabled" toml:"enabled"`
	Host      string `json:"host" toml:"host"`
	ProjectID string `json:"project_id" toml:"project_id"`
	SecretKey string `json:"secret_key" toml:"secret_key"`
	PublicKey string `json:"public_key" toml:"public_key"`
	TraceID   string `json:"trace_id" toml:"trace_id"`
}

// Langfuse buffers trace records and ships them to the Langfuse batch
// ingestion endpoint on Flush. Logging never blocks on the network.
type Langfuse struct {
	cfg    LangfuseConfig
	client *http.Client

	mu      sync.Mutex
	pending []ingestionEvent
}

type ingestionEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	Body      map[string]any `json:"body"`
}

// NewLangfuse creates the sink. The caller should have verified
// cfg.Enabled.
func NewLangfuse(cfg LangfuseConfig) *Langfuse {
	return &Langfuse{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (l *Langfuse) LogGeneration(g Generation) {
	usage := map[string]any{
		"input":  g.PromptTokens,
		"output": g.CompletionTokens,
	}
	body := map[string]any{
		"id":        g.SpanID,
		"traceId":   l.traceID(g.TraceID, g.ProblemID),
		"name":      g.Name,
		"model":     g.Model,
		"usage":     usage,
		"startTime": g.StartedAt.UTC().Format(time.RFC3339Nano),
		"endTime":   g.StartedAt.Add(g.Latency).UTC().Format(time.RFC3339Nano),
		"metadata": map[string]any{
			"problem_id":   g.ProblemID,
			"stage":        g.Stage,
			"input_chars":  g.InputChars,
			"output_chars": g.OutputChars,
			"cost_usd":     g.CostUSD,
			"error":        g.Error,
		},
	}
	l.enqueue("generation-create", body)
}

func (l *Langfuse) LogEvent(e Event) {
	body := map[string]any{
		"id":        uuid.NewString(),
		"traceId":   l.traceID(e.TraceID, e.ProblemID),
		"name":      e.Name,
		"startTime": e.StartedAt.UTC().Format(time.RFC3339Nano),
		"metadata":  map[string]any{"detail": e.Detail, "problem_id": e.ProblemID},
	}
	l.enqueue("event-create", body)
}

func (l *Langfuse) traceID(explicit, problemID string) string {
	if explicit != "" {
		return explicit
	}
	if l.cfg.TraceID != "" {
		return l.cfg.TraceID
	}
	return problemID
}

func (l *Langfuse) enqueue(eventType string, body map[string]any) {
	ev := ingestionEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Body:      body,
	}
	l.mu.Lock()
	l.pending = append(l.pending, ev)
	l.mu.Unlock()
}

// Flush posts all buffered events in one batch. Failures are logged and
// the batch is dropped; tracing never fails the pipeline.
func (l *Langfuse) Flush() error {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	payload, err := json.Marshal(map[string]any{"batch": batch})
	if err != nil {
		return err
	}

	url := l.cfg.Host + "/api/public/ingestion"
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.SetBasicAuth(l.cfg.PublicKey, l.cfg.SecretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		slog.Warn("langfuse flush failed", "error", err, "events", len(batch))
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		slog.Warn("langfuse rejected batch", "status", resp.StatusCode, "events", len(batch))
		return fmt.Errorf("langfuse returned %d", resp.StatusCode)
	}
	return nil
}

func (l *Langfuse) Close() error {
	return l.Flush()
}
