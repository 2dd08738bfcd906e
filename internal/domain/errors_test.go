package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"config", &ConfigError{Msg: "missing key"}, ExitConfig},
		{"io", &IOError{Msg: "rename failed"}, ExitPipeline},
		{"llm", &LLMError{Msg: "rate limited"}, ExitLLM},
		{"container", &ContainerError{Op: "build", Msg: "boom"}, ExitContainer},
		{"parse", &ParseError{Stage: "ranking", Msg: "no array"}, ExitPipeline},
		{"generation", &GenerationError{Msg: "missing section"}, ExitPipeline},
		{"plain", errors.New("anything"), ExitPipeline},
		{"wrapped config", fmt.Errorf("outer: %w", &ConfigError{Msg: "inner"}), ExitConfig},
		{"wrapped llm", fmt.Errorf("outer: %w", &LLMError{Msg: "inner"}), ExitLLM},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorsUnwrap(t *testing.T) {
	cause := errors.New("root cause")

	for _, err := range []error{
		&ConfigError{Msg: "m", Cause: cause},
		&IOError{Msg: "m", Cause: cause},
		&LLMError{Msg: "m", Cause: cause},
		&ContainerError{Op: "run", Msg: "m", Cause: cause},
	} {
		if !errors.Is(err, cause) {
			t.Errorf("%T does not unwrap its cause", err)
		}
	}
}
