package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hochfrequenz/engines-builder/internal/domain"
)

func TestAnthropic_Complete(t *testing.T) {
	var gotBody anthropicRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s, want /v1/messages", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("x-api-key = %q, want test-key", got)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"type": "text", "text": "hello back"}},
			"usage":   map[string]int{"input_tokens": 12, "output_tokens": 3},
		})
	}))
	defer server.Close()

	c := newAnthropic(Config{APIKey: "test-key", BaseURL: server.URL, Timeout: 5 * time.Second})
	resp, err := c.Complete(context.Background(), Request{
		System: "be brief", User: "hello", Model: "claude-sonnet-4-20250514", MaxTokens: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "hello back" {
		t.Errorf("Text = %q, want %q", resp.Text, "hello back")
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d, want 15", resp.Usage.TotalTokens)
	}
	if gotBody.System != "be brief" {
		t.Errorf("system = %q, want %q", gotBody.System, "be brief")
	}
}

func TestOpenAI_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s, want /v1/chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q, want Bearer test-key", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": "response text"}}},
			"usage":   map[string]int{"prompt_tokens": 8, "completion_tokens": 2, "total_tokens": 10},
		})
	}))
	defer server.Close()

	c := newOpenAI(Config{APIKey: "test-key", BaseURL: server.URL, Timeout: 5 * time.Second})
	resp, err := c.Complete(context.Background(), Request{User: "hi", Model: "gpt-4o"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "response text" {
		t.Errorf("Text = %q, want %q", resp.Text, "response text")
	}
}

func TestHTTPErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{429, true},
		{500, true},
		{503, true},
		{400, false},
		{401, false},
		{404, false},
	}
	for _, tt := range tests {
		err := httpError("anthropic", tt.status, []byte("oops"))
		var llmErr *domain.LLMError
		if !asLLMError(err, &llmErr) {
			t.Fatalf("status %d: not an LLMError", tt.status)
		}
		if llmErr.Transient != tt.transient {
			t.Errorf("status %d: Transient = %v, want %v", tt.status, llmErr.Transient, tt.transient)
		}
	}
}

func asLLMError(err error, target **domain.LLMError) bool {
	e, ok := err.(*domain.LLMError)
	if ok {
		*target = e
	}
	return ok
}

func TestRetrying_RecoversAfterTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"type": "text", "text": "ok"}},
		})
	}))
	defer server.Close()

	p := &retryingProvider{
		inner:       newAnthropic(Config{APIKey: "k", BaseURL: server.URL, Timeout: 5 * time.Second}),
		maxAttempts: 5,
	}
	resp, err := p.Complete(context.Background(), Request{User: "x", Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "ok" {
		t.Errorf("Text = %q, want ok", resp.Text)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server saw %d calls, want 3", got)
	}
}

func TestRetrying_FailsFastOnAuthError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	p := &retryingProvider{
		inner:       newAnthropic(Config{APIKey: "bad", BaseURL: server.URL, Timeout: 5 * time.Second}),
		maxAttempts: 5,
	}
	_, err := p.Complete(context.Background(), Request{User: "x", Model: "m"})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server saw %d calls, want 1 (no retry on 401)", got)
	}
}

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(Config{Provider: "anthropic"})
	if err == nil {
		t.Fatal("expected error for missing key")
	}
	if domain.ExitCode(err) != domain.ExitConfig {
		t.Errorf("ExitCode = %d, want %d", domain.ExitCode(err), domain.ExitConfig)
	}
}

func TestNew_RejectsUnknownProvider(t *testing.T) {
	if _, err := New(Config{Provider: "cohere", APIKey: "k"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestCost(t *testing.T) {
	usage := TokenUsage{PromptTokens: 1000, CompletionTokens: 1000}

	if got := Cost("claude-sonnet-4-20250514", usage); got != 0.003+0.015 {
		t.Errorf("sonnet cost = %v, want 0.018", got)
	}
	// Longest prefix must win.
	mini := Cost("gpt-4o-mini", usage)
	full := Cost("gpt-4o", usage)
	if mini >= full {
		t.Errorf("gpt-4o-mini cost %v should be below gpt-4o cost %v", mini, full)
	}
}

func TestScripted(t *testing.T) {
	s := &Scripted{
		Rules: []Rule{
			{Match: "a.py", Response: `{"relevant": true, "justification": "entry point"}`},
		},
		Fallback: "nothing",
	}

	resp, err := s.Complete(context.Background(), Request{User: "is a.py relevant?"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != `{"relevant": true, "justification": "entry point"}` {
		t.Errorf("unexpected response: %q", resp.Text)
	}

	resp, _ = s.Complete(context.Background(), Request{User: "something else"})
	if resp.Text != "nothing" {
		t.Errorf("fallback = %q, want nothing", resp.Text)
	}
	if s.CallCount() != 2 {
		t.Errorf("CallCount = %d, want 2", s.CallCount())
	}
}
