package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/engines-builder/internal/config"
	"github.com/hochfrequenz/engines-builder/internal/container"
	"github.com/hochfrequenz/engines-builder/internal/domain"
	"github.com/hochfrequenz/engines-builder/internal/exclusion"
	"github.com/hochfrequenz/engines-builder/internal/llm"
	"github.com/hochfrequenz/engines-builder/internal/observer"
	"github.com/hochfrequenz/engines-builder/internal/pipeline"
	"github.com/hochfrequenz/engines-builder/internal/stage"
	"github.com/hochfrequenz/engines-builder/internal/trace"
	"github.com/hochfrequenz/engines-builder/internal/trajectory"
)

var (
	forceStage  string
	watchMode   bool
	imageTag    string
	runParallel bool
)

func init() {
	pipelineCmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Run file-selection, relevance, ranking, and generation",
		RunE:  runPipeline,
	}
	pipelineCmd.Flags().StringVar(&forceStage, "force", "", "rerun the named stage and everything downstream")
	pipelineCmd.Flags().BoolVar(&watchMode, "watch", false, "watch the codebase and rerun on changes")
	rootCmd.AddCommand(pipelineCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "file-selection",
		Short: "Walk the codebase and emit the candidate file list",
		RunE:  runFileSelection,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "relevance",
		Short: "Assess per-file relevance to the problem statement",
		RunE:  runRelevance,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "ranking",
		Short: "Rank relevant files by likely edit priority",
		RunE:  runRanking,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "generate-scripts",
		Short: "Generate the lint and test scripts",
		RunE:  runGenerateScripts,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "dockerfile",
		Short: "Generate the Dockerfile",
		RunE:  runDockerfile,
	})

	buildCmd := &cobra.Command{
		Use:   "build-image",
		Short: "Build the container image from the generated Dockerfile",
		RunE:  runBuildImage,
	}
	buildCmd.Flags().StringVar(&imageTag, "tag", "", "image tag")
	buildCmd.MarkFlagRequired("tag")
	rootCmd.AddCommand(buildCmd)

	lintCmd := &cobra.Command{
		Use:   "run-lint",
		Short: "Run the lint script in a container",
		RunE:  runLint,
	}
	lintCmd.Flags().StringVar(&imageTag, "tag", "", "image tag")
	lintCmd.MarkFlagRequired("tag")
	rootCmd.AddCommand(lintCmd)

	testCmd := &cobra.Command{
		Use:   "run-test",
		Short: "Run the test script in a container",
		RunE:  runTest,
	}
	testCmd.Flags().StringVar(&imageTag, "tag", "", "image tag")
	testCmd.MarkFlagRequired("tag")
	rootCmd.AddCommand(testCmd)

	runAllCmd := &cobra.Command{
		Use:   "run-all",
		Short: "Run lint and test, sequentially or in parallel",
		RunE:  runAll,
	}
	runAllCmd.Flags().StringVar(&imageTag, "tag", "", "image tag")
	runAllCmd.Flags().BoolVar(&runParallel, "parallel", false, "run lint and test concurrently")
	runAllCmd.MarkFlagRequired("tag")
	rootCmd.AddCommand(runAllCmd)
}

// env bundles everything a command needs.
type env struct {
	cfg     *config.Config
	problem domain.Problem
	store   *trajectory.Store
}

// loadEnv loads the config, applies flag overrides, validates the
// problem, and initializes the trace sinks.
func loadEnv() (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if codebasePath != "" {
		cfg.Codebase.Path = codebasePath
	}
	if problemID != "" {
		cfg.Codebase.ProblemID = problemID
	}
	if problemStatement != "" {
		cfg.Codebase.ProblemStatement = problemStatement
	}

	problem, err := cfg.Problem()
	if err != nil {
		return nil, err
	}

	initTrace(cfg)
	return &env{
		cfg:     cfg,
		problem: problem,
		store:   trajectory.New(cfg.OutputPath),
	}, nil
}

// initTrace wires up the global sink: the local SQLite ledger plus
// Langfuse when enabled.
func initTrace(cfg *config.Config) {
	var sinks trace.MultiSink

	if err := os.MkdirAll(cfg.OutputPath, 0o755); err == nil {
		if ledger, err := trace.NewLedger(cfg.LedgerPath()); err == nil {
			sinks = append(sinks, ledger)
		} else {
			slog.Warn("trace ledger unavailable", "error", err)
		}
	}
	if cfg.Observability.Langfuse.Enabled {
		sinks = append(sinks, trace.NewLangfuse(cfg.Observability.Langfuse))
	}

	if len(sinks) == 0 {
		trace.Init(trace.NopSink{})
		return
	}
	trace.Init(sinks)
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func (e *env) exclusionEngine() (*exclusion.Engine, error) {
	rules, err := exclusion.Load(e.problem.ExclusionsPath)
	if err != nil {
		return nil, err
	}
	if len(e.problem.IncludeExtensions) > 0 {
		rules.IncludeExtensions = e.problem.IncludeExtensions
	}
	return exclusion.NewEngine(rules), nil
}

func (e *env) selection() (*stage.Selection, error) {
	engine, err := e.exclusionEngine()
	if err != nil {
		return nil, err
	}
	return &stage.Selection{
		Store:         e.store,
		Engine:        engine,
		MaxFileTokens: e.cfg.Relevance.MaxFileTokens,
	}, nil
}

func (e *env) relevance() (*stage.Relevance, error) {
	provider, err := llm.New(e.cfg.LLMConfigFor(e.cfg.Relevance.StageLLM))
	if err != nil {
		return nil, err
	}
	return &stage.Relevance{
		Store:              e.store,
		Provider:           provider,
		Model:              e.cfg.ModelFor(e.cfg.Relevance.Model),
		MaxTokens:          e.cfg.Relevance.MaxTokens,
		MaxWorkers:         e.cfg.Relevance.MaxWorkers,
		MaxFailureFraction: e.cfg.Relevance.MaxFailureFraction,
	}, nil
}

func (e *env) ranking() (*stage.Ranking, error) {
	provider, err := llm.New(e.cfg.LLMConfigFor(e.cfg.Ranking.StageLLM))
	if err != nil {
		return nil, err
	}
	return &stage.Ranking{
		Store:       e.store,
		Provider:    provider,
		Model:       e.cfg.ModelFor(e.cfg.Ranking.Model),
		MaxTokens:   e.cfg.Ranking.MaxTokens,
		Temperature: e.cfg.Ranking.Temperature,
	}, nil
}

// generation uses the scripts stage settings; the dockerfile half may
// carry its own model.
func (e *env) generation(genCfg config.GenerationConfig) (*stage.Generation, error) {
	provider, err := llm.New(e.cfg.LLMConfigFor(genCfg.StageLLM))
	if err != nil {
		return nil, err
	}
	return &stage.Generation{
		Store:       e.store,
		Provider:    provider,
		Model:       e.cfg.ModelFor(genCfg.Model),
		MaxTokens:   genCfg.MaxTokens,
		Temperature: genCfg.Temperature,
	}, nil
}

func (e *env) runner() *container.Runner {
	return &container.Runner{
		Store: e.store,
		Config: container.Config{
			Binary:       e.cfg.Container.Binary,
			RunTimeout:   time.Duration(e.cfg.Container.Timeout) * time.Second,
			BuildTimeout: time.Duration(e.cfg.Container.BuildTimeout) * time.Second,
			Remove:       e.cfg.Container.Remove,
		},
		Problem: e.problem,
	}
}

func (e *env) buildPipeline() (*pipeline.Pipeline, error) {
	selection, err := e.selection()
	if err != nil {
		return nil, err
	}
	relevance, err := e.relevance()
	if err != nil {
		return nil, err
	}
	ranking, err := e.ranking()
	if err != nil {
		return nil, err
	}
	generation, err := e.generation(e.cfg.Scripts)
	if err != nil {
		return nil, err
	}
	return &pipeline.Pipeline{
		Store:      e.store,
		Selection:  selection,
		Relevance:  relevance,
		Ranking:    ranking,
		Generation: generation,
		Force:      forceStage,
	}, nil
}

func runPipeline(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	p, err := e.buildPipeline()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := p.Run(ctx, e.problem); err != nil {
		return err
	}
	fmt.Printf("Pipeline completed for problem: %s\n", e.problem.ID)

	if !watchMode {
		return nil
	}
	return watchAndRerun(ctx, e, p)
}

// watchAndRerun keeps the pipeline fresh: any codebase change invalidates
// the selection stage and reruns everything downstream.
func watchAndRerun(ctx context.Context, e *env, p *pipeline.Pipeline) error {
	engine, err := e.exclusionEngine()
	if err != nil {
		return err
	}

	reruns := make(chan struct{}, 1)
	watcher, err := observer.NewCodeWatcher(e.problem.CodebasePath, engine.ExcludesDir, func(changed []string) {
		slog.Info("codebase changed", "files", len(changed))
		select {
		case reruns <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return &domain.IOError{Msg: "starting codebase watcher", Cause: err}
	}
	defer watcher.Stop()
	watcher.Start(ctx)

	fmt.Println("Watching codebase for changes (ctrl-c to stop)")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reruns:
			p.Force = pipeline.StageFileSelection
			if err := p.Run(ctx, e.problem); err != nil {
				slog.Error("watched rerun failed", "error", err)
				continue
			}
			fmt.Printf("Pipeline refreshed for problem: %s\n", e.problem.ID)
		}
	}
}

func runFileSelection(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	selection, err := e.selection()
	if err != nil {
		return err
	}
	files, err := selection.Run(e.problem)
	if err != nil {
		return err
	}
	fmt.Printf("Selected %d files\n", len(files))
	return nil
}

func runRelevance(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}

	var files []domain.CandidateFile
	ok, err := e.store.GetJSON(e.problem.ID, trajectory.SelectedFiles, &files)
	if err != nil {
		return err
	}
	if !ok {
		return &domain.IOError{Msg: "selected_files.json not found; run file-selection first"}
	}

	relevance, err := e.relevance()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	decisions, err := relevance.Run(ctx, e.problem, files)
	if err != nil {
		return err
	}
	relevant := 0
	for _, d := range decisions {
		if d.Relevant {
			relevant++
		}
	}
	fmt.Printf("Assessed %d files, %d relevant\n", len(decisions), relevant)
	reportUsage(e, "relevance")
	return nil
}

func runRanking(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}

	var decisions []domain.RelevanceDecision
	ok, err := e.store.GetJSON(e.problem.ID, trajectory.RelevanceDecisions, &decisions)
	if err != nil {
		return err
	}
	if !ok {
		return &domain.IOError{Msg: "relevance_decisions.json not found; run relevance first"}
	}

	ranking, err := e.ranking()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	result, err := ranking.Run(ctx, e.problem, decisions)
	if err != nil {
		return err
	}
	fmt.Printf("Ranked %d files\n", len(result.Paths))
	reportUsage(e, "ranking")
	return nil
}

func loadRanking(e *env) (domain.Ranking, error) {
	var ranking domain.Ranking
	ok, err := e.store.GetJSON(e.problem.ID, trajectory.Ranking, &ranking)
	if err != nil {
		return domain.Ranking{}, err
	}
	if !ok {
		return domain.Ranking{}, &domain.IOError{Msg: "ranking.json not found; run ranking first"}
	}
	return ranking, nil
}

func runGenerateScripts(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	ranking, err := loadRanking(e)
	if err != nil {
		return err
	}
	generation, err := e.generation(e.cfg.Scripts)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if _, err := generation.RunScripts(ctx, e.problem, ranking); err != nil {
		return err
	}
	fmt.Printf("Scripts written to %s\n", e.store.SubtreePath(e.problem.ID, trajectory.SubtreeScripts, ""))
	return nil
}

func runDockerfile(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	ranking, err := loadRanking(e)
	if err != nil {
		return err
	}
	generation, err := e.generation(e.cfg.Dockerfile)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if _, err := generation.RunDockerfile(ctx, e.problem, ranking); err != nil {
		return err
	}
	fmt.Printf("Dockerfile written to %s\n", e.store.SubtreePath(e.problem.ID, trajectory.SubtreeDockerfiles, "Dockerfile"))
	return nil
}

func runBuildImage(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	result, err := e.runner().BuildImage(ctx, imageTag)
	if err != nil {
		return err
	}
	fmt.Printf("Image %s built in %s\n", imageTag, result.Duration.Round(time.Second))
	return nil
}

func runLint(cmd *cobra.Command, args []string) error {
	return runScriptCommand("lint")
}

func runTest(cmd *cobra.Command, args []string) error {
	return runScriptCommand("test")
}

func runScriptCommand(kind string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	runner := e.runner()
	var result *domain.RunResult
	if kind == "lint" {
		result, err = runner.RunLint(ctx, imageTag)
	} else {
		result, err = runner.RunTest(ctx, imageTag)
	}
	if err != nil {
		return err
	}

	fmt.Printf("%s exited %d in %s\n", kind, result.ExitCode, result.Duration.Round(time.Second))
	if result.ExitCode != 0 || result.TimedOut {
		suspect := container.AnalyzeFailure(result.Stdout + "\n" + result.Stderr)
		if suspect.Containerfile {
			slog.Info("failure analysis suggests regenerating the Dockerfile")
		}
		if suspect.Script {
			slog.Info("failure analysis suggests regenerating the " + kind + " script")
		}
		return &domain.ContainerError{Op: kind, Msg: fmt.Sprintf("exited %d", result.ExitCode), TimedOut: result.TimedOut}
	}
	return nil
}

func runAll(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	results, err := e.runner().RunAll(ctx, imageTag, runParallel || e.cfg.Container.Parallel)
	if results != nil {
		if results.Lint != nil {
			fmt.Printf("lint exited %d\n", results.Lint.ExitCode)
		}
		if results.Test != nil {
			fmt.Printf("test exited %d\n", results.Test.ExitCode)
		}
	}
	return err
}

// reportUsage logs aggregate token usage and cost from the trace ledger.
func reportUsage(e *env, stageName string) {
	ledger, err := trace.NewLedger(e.cfg.LedgerPath())
	if err != nil {
		return
	}
	defer ledger.Close()

	stats, err := ledger.Stats(e.problem.ID, stageName)
	if err != nil || stats.Calls == 0 {
		return
	}
	slog.Info("llm usage",
		"stage", stageName,
		"calls", stats.Calls,
		"prompt_tokens", stats.PromptTokens,
		"completion_tokens", stats.CompletionTokens,
		"cost_usd", fmt.Sprintf("%.4f", stats.CostUSD))
}
