// Package trace is the observability sink for LLM calls and container
// runs. It is initialized once at process start; stages obtain it
// ambiently via Get. When disabled it is a no-op and adds no latency.
package trace

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Generation records one LLM call. Only input/output lengths are carried,
// never contents.
type Generation struct {
	SpanID           string
	TraceID          string
	ProblemID        string
	Stage            string
	Name             string
	Model            string
	PromptTokens     int
	CompletionTokens int
	InputChars       int
	OutputChars      int
	Latency          time.Duration
	CostUSD          float64
	Error            string
	StartedAt        time.Time
}

// Event records a non-LLM pipeline event (container run, stage start).
type Event struct {
	TraceID   string
	ProblemID string
	Name      string
	Detail    string
	StartedAt time.Time
}

// Sink receives trace records. Implementations must be safe for
// concurrent use and must not block the caller.
type Sink interface {
	LogGeneration(g Generation)
	LogEvent(e Event)
	Flush() error
	Close() error
}

var (
	mu     sync.RWMutex
	global Sink = NopSink{}
)

// Init installs the global sink. Call once at process start.
func Init(s Sink) {
	mu.Lock()
	defer mu.Unlock()
	if s == nil {
		s = NopSink{}
	}
	global = s
}

// Get returns the global sink.
func Get() Sink {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// Flush flushes the global sink. Called before process exit.
func Flush() error {
	return Get().Flush()
}

// NewSpanID returns a fresh span identifier.
func NewSpanID() string {
	return uuid.NewString()
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) LogGeneration(Generation) {}
func (NopSink) LogEvent(Event)           {}
func (NopSink) Flush() error             { return nil }
func (NopSink) Close() error             { return nil }

// MultiSink fans records out to several sinks.
type MultiSink []Sink

func (m MultiSink) LogGeneration(g Generation) {
	for _, s := range m {
		s.LogGeneration(g)
	}
}

func (m MultiSink) LogEvent(e Event) {
	for _, s := range m {
		s.LogEvent(e)
	}
}

func (m MultiSink) Flush() error {
	var first error
	for _, s := range m {
		if err := s.Flush(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiSink) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
