// Package config loads application configuration from a JSON (or TOML)
// file, applies environment overrides, and derives per-stage LLM settings.
package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/hochfrequenz/engines-builder/internal/domain"
	"github.com/hochfrequenz/engines-builder/internal/llm"
	"github.com/hochfrequenz/engines-builder/internal/trace"
)

// Config holds all application configuration.
type Config struct {
	AnthropicAPIKey string `json:"anthropic_api_key" toml:"anthropic_api_key"`
	OpenAIAPIKey    string `json:"openai_api_key" toml:"openai_api_key"`

	// Model is the global default; stages may override it.
	Model      string `json:"model" toml:"model"`
	OutputPath string `json:"output_path" toml:"output_path"`

	Codebase      CodebaseConfig      `json:"codebase" toml:"codebase"`
	Relevance     RelevanceConfig     `json:"relevance" toml:"relevance"`
	Ranking       RankingConfig       `json:"ranking" toml:"ranking"`
	Dockerfile    GenerationConfig    `json:"dockerfile" toml:"dockerfile"`
	Scripts       GenerationConfig    `json:"scripts" toml:"scripts"`
	Container     ContainerConfig     `json:"container" toml:"container"`
	Observability ObservabilityConfig `json:"observability" toml:"observability"`
}

// CodebaseConfig identifies the analyzed repository and problem.
type CodebaseConfig struct {
	Path              string   `json:"path" toml:"path"`
	ProblemID         string   `json:"problem_id" toml:"problem_id"`
	ProblemStatement  string   `json:"problem_statement" toml:"problem_statement"`
	IncludeExtensions []string `json:"include_extensions" toml:"include_extensions"`
	ExclusionsPath    string   `json:"exclusions_path" toml:"exclusions_path"`
}

// StageLLM holds the LLM settings every stage shares.
type StageLLM struct {
	Model      string  `json:"model" toml:"model"`
	Provider   string  `json:"provider" toml:"provider"`
	MaxTokens  int     `json:"max_tokens" toml:"max_tokens"`
	Timeout    float64 `json:"timeout" toml:"timeout"`
	MaxRetries int     `json:"max_retries" toml:"max_retries"`
}

// TimeoutDuration returns the per-call timeout.
func (s StageLLM) TimeoutDuration() time.Duration {
	return time.Duration(s.Timeout * float64(time.Second))
}

// RelevanceConfig configures the relevance fan-out stage.
type RelevanceConfig struct {
	StageLLM
	MaxWorkers    int `json:"max_workers" toml:"max_workers"`
	MaxFileTokens int `json:"max_file_tokens" toml:"max_file_tokens"`

	// MaxFailureFraction is the fraction of per-file errors at or above
	// which the stage fails. 1.0 means the stage fails only when every call
	// errored.
	MaxFailureFraction float64 `json:"max_failure_fraction" toml:"max_failure_fraction"`
}

// RankingConfig configures the ranking stage.
type RankingConfig struct {
	StageLLM
	Temperature float64 `json:"temperature" toml:"temperature"`
}

// GenerationConfig configures the containerfile/scripts generation stage.
type GenerationConfig struct {
	StageLLM
	Temperature float64 `json:"temperature" toml:"temperature"`
}

// ContainerConfig configures image builds and script runs.
type ContainerConfig struct {
	Binary       string `json:"binary" toml:"binary"`
	Timeout      int    `json:"timeout" toml:"timeout"`
	BuildTimeout int    `json:"build_timeout" toml:"build_timeout"`
	Parallel     bool   `json:"parallel" toml:"parallel"`
	Remove       bool   `json:"remove" toml:"remove"`
}

// ObservabilityConfig configures the trace sinks.
type ObservabilityConfig struct {
	Langfuse   trace.LangfuseConfig `json:"langfuse" toml:"langfuse"`
	LedgerPath string               `json:"ledger_path" toml:"ledger_path"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Model:      "claude-sonnet-4-20250514",
		OutputPath: ".engines",
		Codebase: CodebaseConfig{
			Path:           ".",
			ExclusionsPath: "exclusions.json",
		},
		Relevance: RelevanceConfig{
			StageLLM:           StageLLM{MaxTokens: 4096, Timeout: 1800, MaxRetries: 5},
			MaxWorkers:         8,
			MaxFileTokens:      100_000,
			MaxFailureFraction: 1.0,
		},
		Ranking: RankingConfig{
			StageLLM: StageLLM{MaxTokens: 4096, Timeout: 600, MaxRetries: 5},
		},
		Dockerfile: GenerationConfig{
			StageLLM: StageLLM{MaxTokens: 4096, Timeout: 600, MaxRetries: 5},
		},
		Scripts: GenerationConfig{
			StageLLM: StageLLM{MaxTokens: 4096, Timeout: 600, MaxRetries: 5},
		},
		Container: ContainerConfig{
			Binary:       "docker",
			Timeout:      300,
			BuildTimeout: 1800,
			Remove:       true,
		},
		Observability: ObservabilityConfig{
			Langfuse: trace.LangfuseConfig{
				Host:      "https://us.cloud.langfuse.com",
				ProjectID: "engines-builder",
			},
		},
	}
}

// Load reads configuration from path. When path is empty, the search
// order is $HOME/.engines.config.json, then ./config.json. The file
// format is chosen by extension: TOML for .toml, JSON otherwise.
func Load(path string) (*Config, error) {
	if path != "" {
		return loadFile(path)
	}

	if home, err := os.UserHomeDir(); err == nil {
		homePath := filepath.Join(home, ".engines.config.json")
		if _, err := os.Stat(homePath); err == nil {
			return loadFile(homePath)
		}
	}
	if _, err := os.Stat("config.json"); err == nil {
		return loadFile("config.json")
	}

	return nil, &domain.ConfigError{Msg: "no config file found: expected ~/.engines.config.json, ./config.json, or a path via -c"}
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.ConfigError{Msg: "reading " + path, Cause: err}
	}

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, &domain.ConfigError{Msg: "parsing " + path, Cause: err}
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, &domain.ConfigError{Msg: "parsing " + path, Cause: err}
		}
		warnUnknownKeys(path, data)
	}

	cfg.ApplyEnv()
	slog.Info("loaded configuration", "path", path)
	return cfg, nil
}

// knownKeys are the recognized top-level config keys.
var knownKeys = map[string]struct{}{
	"anthropic_api_key": {}, "openai_api_key": {}, "model": {},
	"output_path": {}, "codebase": {}, "relevance": {}, "ranking": {},
	"dockerfile": {}, "scripts": {}, "container": {}, "observability": {},
}

func warnUnknownKeys(path string, data []byte) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}
	for key := range raw {
		if _, ok := knownKeys[key]; !ok {
			slog.Warn("ignoring unknown config key", "key", key, "file", path)
		}
	}
}

// ApplyEnv overrides credentials and observability endpoints from the
// environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.AnthropicAPIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.OpenAIAPIKey = v
	}
	if v := os.Getenv("LANGFUSE_HOST"); v != "" {
		c.Observability.Langfuse.Host = v
	}
	if v := os.Getenv("LANGFUSE_SECRET_KEY"); v != "" {
		c.Observability.Langfuse.SecretKey = v
	}
	if v := os.Getenv("LANGFUSE_PUBLIC_KEY"); v != "" {
		c.Observability.Langfuse.PublicKey = v
	}
}

// Problem builds the immutable problem record from the codebase section.
func (c *Config) Problem() (domain.Problem, error) {
	if c.Codebase.ProblemID == "" {
		return domain.Problem{}, &domain.ConfigError{Msg: "codebase.problem_id is required"}
	}
	if strings.ContainsAny(c.Codebase.ProblemID, "/\\") {
		return domain.Problem{}, &domain.ConfigError{Msg: "codebase.problem_id must be filesystem-safe"}
	}
	if c.Codebase.ProblemStatement == "" {
		return domain.Problem{}, &domain.ConfigError{Msg: "codebase.problem_statement is required"}
	}
	return domain.Problem{
		ID:                c.Codebase.ProblemID,
		ProblemStatement:  c.Codebase.ProblemStatement,
		CodebasePath:      c.Codebase.Path,
		IncludeExtensions: c.Codebase.IncludeExtensions,
		ExclusionsPath:    c.Codebase.ExclusionsPath,
	}, nil
}

// ModelFor returns the effective model for a stage, falling back to the
// global default.
func (c *Config) ModelFor(stageModel string) string {
	if stageModel != "" {
		return stageModel
	}
	return c.Model
}

// LLMConfigFor builds the provider configuration for a stage.
func (c *Config) LLMConfigFor(stage StageLLM) llm.Config {
	provider := stage.Provider
	if provider == "" {
		provider = "anthropic"
	}
	apiKey := c.AnthropicAPIKey
	if provider == "openai" {
		apiKey = c.OpenAIAPIKey
	}
	return llm.Config{
		Provider:   provider,
		APIKey:     apiKey,
		Timeout:    stage.TimeoutDuration(),
		MaxRetries: stage.MaxRetries,
	}
}

// LedgerPath returns the trace ledger location, defaulting to
// <output_path>/trace.db.
func (c *Config) LedgerPath() string {
	if c.Observability.LedgerPath != "" {
		return c.Observability.LedgerPath
	}
	return filepath.Join(c.OutputPath, "trace.db")
}
