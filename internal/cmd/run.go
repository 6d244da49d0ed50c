package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/harness/internal/config"
	"github.com/Iron-Ham/harness/internal/logging"
	"github.com/Iron-Ham/harness/internal/orchestrator"
)

// timeRounding keeps durations in summaries readable.
const timeRounding = time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestration loop until the work set completes",
	Long: `Run coding sessions against the project's work-item list until every
item passes (or is skipped after exhausting retries), the session cap is
reached, or the global timeout expires.

In greenfield mode an initializer session creates the work-item list
first. In backlog mode the harness can idle and wait for new items.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("mode", "", "work source mode: greenfield, backlog, or enhancement")
	runCmd.Flags().String("project-dir", "", "project directory (default: current directory)")
	runCmd.Flags().Int("max-sessions", 0, "stop after this many coding sessions (0 = unlimited)")
	runCmd.Flags().Int("timeout", 0, "global timeout in minutes (0 = unlimited)")
	runCmd.Flags().Bool("wait-for-work", false, "idle when the backlog drains instead of exiting")

	_ = viper.BindPFlag("session.mode", runCmd.Flags().Lookup("mode"))
	_ = viper.BindPFlag("paths.project_dir", runCmd.Flags().Lookup("project-dir"))
	_ = viper.BindPFlag("session.max_sessions", runCmd.Flags().Lookup("max-sessions"))
	_ = viper.BindPFlag("session.timeout_minutes", runCmd.Flags().Lookup("timeout"))
	_ = viper.BindPFlag("session.wait_for_work", runCmd.Flags().Lookup("wait-for-work"))

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer logger.Close()

	orch, err := orchestrator.New(orchestrator.Options{
		Config: cfg,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	// An interrupt cancels the run context; the orchestrator terminates
	// any in-flight session gracefully before returning.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcome, runErr := orch.Run(ctx)
	printRunSummary(orch, outcome)

	switch outcome.Status {
	case orchestrator.StatusCompleted:
		return nil
	case orchestrator.StatusTimedOut:
		return fmt.Errorf("run timed out: %s", outcome.Reason)
	default:
		if runErr != nil {
			return runErr
		}
		return fmt.Errorf("run failed: %s", outcome.Reason)
	}
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return logging.NopLogger(), nil
	}
	baseDir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	stateDir := cfg.Paths.ResolveStateDir(baseDir)
	return logging.NewLoggerWithRotation(stateDir, cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
}

func printRunSummary(orch *orchestrator.Orchestrator, outcome *orchestrator.RunOutcome) {
	fmt.Println()
	fmt.Println(render(styleTitle, "RUN SUMMARY"))

	var status string
	switch outcome.Status {
	case orchestrator.StatusCompleted:
		status = render(styleSuccess, "completed")
	case orchestrator.StatusTimedOut:
		status = render(styleWarning, "timed out")
	default:
		status = render(styleFailure, "failed")
	}
	fmt.Printf("%s %s\n", render(styleLabel, "Status:"), status)
	if outcome.Reason != "" {
		fmt.Printf("%s %s\n", render(styleLabel, "Reason:"), outcome.Reason)
	}
	fmt.Printf("%s %d\n", render(styleLabel, "Sessions:"), outcome.Iterations)
	fmt.Printf("%s %s\n", render(styleLabel, "Duration:"), outcome.Duration.Round(timeRounding).String())

	p := orch.Progress()
	if p.Total > 0 {
		fmt.Printf("%s %d/%d passing, %d skipped, %d remaining\n",
			render(styleLabel, "Work items:"), p.Passing, p.Total, p.Skipped, p.Remaining)
	}

	cs := orch.CheckpointStats()
	if cs.Total > 0 {
		fmt.Printf("%s %d (%d verified, %.0f%% success)\n",
			render(styleLabel, "Checkpoints:"), cs.Total, cs.Passed, cs.SuccessRate*100)
	}
}
