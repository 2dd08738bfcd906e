package main

import "testing"

func TestSubcommandsRegistered(t *testing.T) {
	want := []string{
		"pipeline", "file-selection", "relevance", "ranking",
		"generate-scripts", "dockerfile", "build-image",
		"run-lint", "run-test", "run-all",
	}

	registered := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		registered[cmd.Name()] = true
	}

	for _, name := range want {
		if !registered[name] {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestGlobalFlagsRegistered(t *testing.T) {
	for _, flag := range []string{"config", "codebase", "problem-id", "problem-statement"} {
		if rootCmd.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("persistent flag %q not registered", flag)
		}
	}
}
