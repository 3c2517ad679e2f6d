// forge is the evaluation-driven prompt optimization CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"promptforge/internal/agent"
	"promptforge/internal/config"
	"promptforge/internal/critic"
	"promptforge/internal/optimizer"
	"promptforge/internal/oracle"
	"promptforge/internal/registry"
	"promptforge/internal/store"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "forge - evaluation-driven prompt optimization",
	Long: `forge closes the loop between agent output quality and prompt text.

It scores agent responses against weighted criteria, mines the low scores
for recurring failure patterns, generates candidate prompt rewrites, and
regression-tests them. Nothing ships without explicit human approval:
hypotheses pass Gate 1, tested variants pass Gate 2, and only then does a
new prompt version activate.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// app bundles the wired components behind one Close.
type app struct {
	cfg       *config.Config
	store     *store.Store
	criteria  *critic.CriterionStore
	evaluator *critic.Evaluator
	registry  *registry.Registry
	pipeline  *optimizer.Pipeline
}

// newApp wires the full loop from configuration. Commands that run
// without an API key degrade to heuristic scoring; variant generation
// and test execution require the oracle.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	st, err := store.New(cfg.Store.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	var o oracle.Oracle
	if key := cfg.APIKey(); key != "" {
		gem, err := oracle.NewGemini(ctx, key, cfg.Oracle.Model)
		if err != nil {
			st.Close()
			return nil, err
		}
		o = oracle.NewRetrying(gem, cfg.Oracle.MaxRetries, cfg.Oracle.Timeout, logger)
	} else {
		logger.Warn("no oracle API key found, scoring falls back to heuristics",
			zap.String("env", cfg.Oracle.APIKeyEnv))
	}

	criteria := critic.NewCriterionStore(cfg.Critic.CriteriaPath)
	scorer := critic.NewScorer(o, logger)
	evaluator := critic.NewEvaluator(criteria, scorer, o, st, cfg.Oracle.Concurrency, logger)
	reg := registry.New(st, cfg.Store.PromptsDir, logger)

	analyzer := optimizer.NewAnalyzer(st, st, o, optimizer.AnalyzerConfig{
		Threshold:   cfg.Analyzer.Threshold,
		MinSamples:  cfg.Analyzer.MinSamples,
		QueryLimit:  cfg.Analyzer.QueryLimit,
		SampleLimit: cfg.Analyzer.SampleLimit,
	}, logger)
	generator := optimizer.NewGenerator(o, reg, optimizer.GeneratorConfig{
		NumVariants:     cfg.Generator.NumVariants,
		MinEditDistance: cfg.Generator.MinEditDistance,
	}, logger)

	suites, err := optimizer.LoadSuite(cfg.Runner.TestSuitePath)
	if err != nil {
		logger.Debug("regression suite not loaded", zap.Error(err))
		suites = nil
	}

	executor := agent.NewOracleExecutor(o, reg)
	runner := optimizer.NewRunner(executor, evaluator, st, cfg.Oracle.Concurrency, cfg.Gates.ReviewTTL, logger)
	pipeline := optimizer.NewPipeline(analyzer, generator, runner, reg, st, st, suites, cfg.Gates.ReviewTTL, logger)

	return &app{
		cfg:       cfg,
		store:     st,
		criteria:  criteria,
		evaluator: evaluator,
		registry:  reg,
		pipeline:  pipeline,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		logger.Warn("failed to close store", zap.Error(err))
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/forge.yaml", "path to config file")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
