package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/papapumpkin/magnetar/internal/backpressure"
	"github.com/papapumpkin/magnetar/internal/config"
	"github.com/papapumpkin/magnetar/internal/runner"
	"github.com/papapumpkin/magnetar/internal/telemetry"
	"github.com/papapumpkin/magnetar/internal/toolchain"
	"github.com/papapumpkin/magnetar/internal/transition"
	"github.com/papapumpkin/magnetar/internal/verifier"
	"github.com/papapumpkin/magnetar/internal/workcell"
	"github.com/papapumpkin/magnetar/internal/workgraph"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run orchestration cycles until the graph is idle",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().Bool("once", false, "run a single cycle and exit")
	runCmd.Flags().Bool("watch", false, "keep running, watching the graph for new work")
	runCmd.Flags().String("issue", "", "restrict to one issue and its transitive blockers")
	runCmd.Flags().String("toolchain", "", "force every dispatch onto the named toolchain")
	runCmd.Flags().Int("max-workcells", 0, "override max concurrent workcells")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	applyRunFlags(cmd, &cfg)

	logger, err := buildLogger(cfg.Verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	orch, closers, err := buildOrchestrator(cmd, &cfg, sugar)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			c()
		}
	}()

	ctx, cancel := setupSignalContext(sugar, orch)
	defer cancel()

	if once, _ := cmd.Flags().GetBool("once"); once {
		_, err := orch.RunCycle(ctx)
		return err
	}
	watch, _ := cmd.Flags().GetBool("watch")
	return orch.RunUntilIdle(ctx, watch)
}

// applyRunFlags applies CLI flag values to the loaded config.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("toolchain"); v != "" {
		cfg.Toolchain = v
	}
	if v, _ := cmd.Flags().GetInt("max-workcells"); v > 0 {
		cfg.MaxConcurrentWorkcells = v
	}
	if v, _ := rootCmd.PersistentFlags().GetBool("verbose"); v {
		cfg.Verbose = true
	}
}

// buildLogger returns a production logger, or a debug-level development
// logger in verbose mode.
func buildLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// buildOrchestrator validates dependencies and wires the orchestrator's
// collaborators. The returned closers release the stateful ones.
func buildOrchestrator(cmd *cobra.Command, cfg *config.Config, sugar *zap.SugaredLogger) (*runner.Orchestrator, []func(), error) {
	var closers []func()

	graph := &workgraph.CLIClient{BinPath: cfg.GraphBin, DBPath: cfg.GraphDB, Verbose: cfg.Verbose}
	if err := graph.Validate(); err != nil {
		return nil, closers, err
	}

	tcFile, err := toolchain.LoadFile(cfg.ToolchainsFile)
	if err != nil {
		return nil, closers, err
	}
	registry, err := tcFile.BuildRegistry(cfg.Verbose)
	if err != nil {
		return nil, closers, err
	}
	if len(registry.AvailableNames()) == 0 {
		return nil, closers, fmt.Errorf("no toolchain from %s is available", cfg.ToolchainsFile)
	}

	for _, dir := range []string{cfg.WorkcellRoot, filepath.Dir(cfg.TransitionDB), filepath.Dir(cfg.TelemetryPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, closers, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	transitions, err := transition.NewSQLiteStore(cmd.Context(), cfg.TransitionDB)
	if err != nil {
		return nil, closers, err
	}
	closers = append(closers, func() { transitions.Close() })

	emitter, err := telemetry.NewEmitter(cfg.TelemetryPath)
	if err != nil {
		return nil, closers, err
	}
	closers = append(closers, func() { emitter.Close() })

	issue, _ := cmd.Flags().GetString("issue")

	orch := runner.New(runner.Config{
		MaxConcurrentWorkcells: cfg.MaxConcurrentWorkcells,
		SpeculateParallelism:   cfg.SpeculateParallelism,
		DispatchTimeout:        cfg.DispatchTimeout(),
		PollInterval:           cfg.PollInterval(),
		DispatchesPerMinute:    cfg.DispatchesPerMinute,
		ToolchainOverride:      cfg.Toolchain,
		TargetIssue:            issue,
		WatchPath:              cfg.GraphDB,
	}, runner.Deps{
		Graph:       graph,
		Cells:       &workcell.LocalManager{Root: cfg.WorkcellRoot, ArchiveDir: cfg.ArchiveDir, Logger: sugar},
		Toolchains:  registry,
		Verifier:    verifier.New(cfg.Confirm, sugar),
		Transitions: transitions,
		Telemetry:   emitter,
		Patcher:     &workcell.GitMerger{RepoDir: cfg.RepoDir},
		Probe:       &backpressure.Probe{Config: backpressure.Config(cfg.Backpressure)},
		Logger:      sugar,
	})
	return orch, closers, nil
}

// setupSignalContext returns a context canceled on SIGINT or SIGTERM. The
// first signal asks the orchestrator to stop after the current cycle; a
// second one cancels outright.
func setupSignalContext(sugar *zap.SugaredLogger, orch *runner.Orchestrator) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		sugar.Infow("shutdown requested, finishing current cycle")
		orch.Stop()
		<-sigCh
		sugar.Warnw("second signal, canceling in-flight dispatches")
		cancel()
	}()
	return ctx, cancel
}
