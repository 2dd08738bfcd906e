package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/engines-builder/internal/domain"
	"github.com/hochfrequenz/engines-builder/internal/trace"
)

var (
	configPath       string
	codebasePath     string
	problemID        string
	problemStatement string

	rootCmd = &cobra.Command{
		Use:   "engines",
		Short: "Engines Builder - LLM-driven build environment generator",
		Long: `Engines Builder analyzes a source repository against a problem statement
and produces a reproducible build/test environment: a ranked list of
relevant files, a Dockerfile, and lint/test scripts, which it can then
build and execute in containers.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&codebasePath, "codebase", "b", "", "codebase root path (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&problemID, "problem-id", "p", "", "problem id (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&problemStatement, "problem-statement", "s", "", "problem statement (overrides config)")
}

func setupLogger() {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(os.Getenv("ENGINES_LOG_LEVEL"))) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(os.Getenv("ENGINES_LOG_FORMAT"), "json") {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
		return
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
}

func main() {
	// A local .env may carry API keys; absence is fine.
	_ = godotenv.Load()
	setupLogger()

	err := rootCmd.Execute()

	// Traces are flushed before exit, success or not.
	if flushErr := trace.Flush(); flushErr != nil {
		slog.Warn("trace flush failed", "error", flushErr)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(domain.ExitCode(err))
	}
}
