package llm

import (
	"context"
	"strings"
	"sync"

	"github.com/hochfrequenz/engines-builder/internal/domain"
)

// Rule pairs a prompt substring with the canned response (or error) a
// Scripted provider returns when the substring matches.
type Rule struct {
	Match    string
	Response string
	Err      error
}

// Scripted is a test provider driven by substring-matching rules. Rules
// are checked in order against the concatenated system+user prompt; the
// first match wins. With no match, Fallback is returned.
type Scripted struct {
	Rules    []Rule
	Fallback string

	mu    sync.Mutex
	calls []Request
}

var _ Provider = (*Scripted)(nil)

func (s *Scripted) Name() string { return "scripted" }

func (s *Scripted) Complete(_ context.Context, req Request) (*Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()

	prompt := req.System + "\n" + req.User
	for _, rule := range s.Rules {
		if strings.Contains(prompt, rule.Match) {
			if rule.Err != nil {
				return nil, rule.Err
			}
			return s.respond(rule.Response), nil
		}
	}
	if s.Fallback == "" {
		return nil, &domain.LLMError{Msg: "scripted provider has no matching rule"}
	}
	return s.respond(s.Fallback), nil
}

func (s *Scripted) respond(text string) *Response {
	return &Response{
		Text: text,
		Usage: TokenUsage{
			PromptTokens:     10,
			CompletionTokens: len(text) / 4,
			TotalTokens:      10 + len(text)/4,
		},
	}
}

// CallCount returns how many completions have been requested.
func (s *Scripted) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Calls returns a copy of the recorded requests in arrival order.
func (s *Scripted) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}
