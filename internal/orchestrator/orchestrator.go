// Package orchestrator drives the top-level run: setup, an optional
// initializer session, repeated coding sessions with verification and
// checkpointing, and a final validation pass. It is the only component
// that invokes the external session executor.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Iron-Ham/harness/internal/backlog"
	"github.com/Iron-Ham/harness/internal/checkpoint"
	"github.com/Iron-Ham/harness/internal/config"
	"github.com/Iron-Ham/harness/internal/depgraph"
	"github.com/Iron-Ham/harness/internal/errors"
	"github.com/Iron-Ham/harness/internal/executor"
	"github.com/Iron-Ham/harness/internal/logging"
	"github.com/Iron-Ham/harness/internal/pattern"
	"github.com/Iron-Ham/harness/internal/recovery"
	"github.com/Iron-Ham/harness/internal/retry"
	"github.com/Iron-Ham/harness/internal/stall"
	"github.com/Iron-Ham/harness/internal/storage"
	"github.com/Iron-Ham/harness/internal/telemetry"
)

// State is the orchestrator's position in the run state machine.
type State string

const (
	StateSetup        State = "setup"
	StateInitializing State = "initializing"
	StateCoding       State = "coding"
	StateValidating   State = "validating"
	StateDone         State = "done"
	StateTimedOut     State = "timed_out"
	StateFailed       State = "failed"
)

// Status is the user-visible run outcome.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusTimedOut  Status = "timed_out"
	StatusFailed    Status = "failed"
)

// RunOutcome is what a run reports back: a terminal status plus a
// human-readable reason chain, never a raw stack trace.
type RunOutcome struct {
	Status     Status
	Reason     string
	Iterations int
	Duration   time.Duration
}

// Options wires an Orchestrator. Config and Logger are required; the
// rest default to production implementations and exist for tests.
type Options struct {
	Config *config.Config
	Logger *logging.Logger

	// Executor overrides the agent boundary. Defaults to a CLIExecutor
	// built from Config.Executor.
	Executor executor.Executor
	// GitExecutor overrides how git commands run.
	GitExecutor checkpoint.CommandExecutor
	// Clock overrides the time source.
	Clock func() time.Time
}

// Orchestrator owns one run against one project directory.
type Orchestrator struct {
	cfg    *config.Config
	logger *logging.Logger

	projectDir string
	stateDir   string
	sessionID  string

	source      backlog.Source
	exec        executor.Executor
	cliExec     *executor.CLIExecutor
	git         *checkpoint.Git
	gitExecutor checkpoint.CommandExecutor
	checkpoints *checkpoint.Manager
	detector    *stall.Detector
	retries     *retry.Manager
	graph       *depgraph.Graph
	telem       *telemetry.Loop
	recov       *recovery.Engine
	patterns    *pattern.DB
	prompter    *pattern.Prompter

	state State
	now   func() time.Time
}

var _ executor.Observer = (*stall.Detector)(nil)

// New builds an Orchestrator and all its subsystems from configuration.
// Nothing touches the executor until Run.
func New(opts Options) (*Orchestrator, error) {
	cfg := opts.Config
	logger := opts.Logger
	if cfg == nil || logger == nil {
		return nil, errors.NewValidationError("orchestrator requires config and logger")
	}

	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	baseDir, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrap(err, "resolving working directory")
	}
	projectDir := cfg.Paths.ResolveProjectDir(baseDir)
	stateDir := cfg.Paths.ResolveStateDir(baseDir)
	sessionID := "run-" + now().UTC().Format("20060102-150405")

	o := &Orchestrator{
		cfg:         cfg,
		logger:      logger.WithSession(sessionID),
		projectDir:  projectDir,
		stateDir:    stateDir,
		sessionID:   sessionID,
		exec:        opts.Executor,
		gitExecutor: opts.GitExecutor,
		state:       StateSetup,
		now:         now,
	}
	if o.gitExecutor == nil {
		o.gitExecutor = &checkpoint.CLICommandExecutor{}
	}
	o.git = checkpoint.NewGitWithExecutor(projectDir, o.gitExecutor)

	source, err := backlog.NewSource(backlog.Mode(cfg.Session.Mode), projectDir, stateDir, o.logger)
	if err != nil {
		return nil, err
	}
	o.source = source

	o.checkpoints, err = checkpoint.NewManagerWithExecutor(projectDir, stateDir, sessionID, o.logger, o.gitExecutor)
	if err != nil {
		return nil, err
	}

	o.retries, err = retry.NewManager(filepath.Join(stateDir, retry.StateFileName), cfg.Retry.MaxRetries)
	if err != nil {
		return nil, err
	}

	o.graph, err = depgraph.Load(o.graphPath())
	if err != nil {
		return nil, err
	}

	o.detector = stall.NewWithClock(stall.Config{
		ReadLoopThreshold:  cfg.Stall.ReadLoopThreshold,
		ReadOverlapRatio:   cfg.Stall.ReadOverlapRatio,
		InitialSilence:     cfg.Stall.InitialSilence(),
		Silence:            cfg.Stall.Silence(),
		MaxSessionDuration: cfg.Stall.MaxSessionDuration(),
	}, now)

	if cfg.Telemetry.Enabled {
		o.telem, err = telemetry.NewLoop(filepath.Join(stateDir, "telemetry"), telemetry.Config{
			WindowSize: cfg.Telemetry.WindowSize,
			Cooldown:   cfg.Telemetry.TriggerCooldown(),
		}, o.logger)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Recovery.Enabled {
		o.recov, err = recovery.NewEngine(filepath.Join(stateDir, "recovery"), recovery.Config{
			BackoffBase: cfg.Recovery.BackoffBase(),
			BackoffMax:  cfg.Recovery.BackoffMax(),
		}, o.logger)
		if err != nil {
			return nil, err
		}
		o.wireRecoveryHandlers()
	}

	if cfg.Patterns.Enabled {
		o.patterns, err = pattern.Open(
			filepath.Join(stateDir, "intelligence", pattern.StateFileName),
			cfg.Patterns.DecayFactor)
		if err != nil {
			return nil, err
		}
		o.prompter = pattern.NewPrompter(o.patterns, cfg.Patterns.MaxInjected, cfg.Patterns.MinRelevance)
	}

	if o.exec == nil {
		cli := executor.NewCLIExecutor(executor.Config{
			Command:     cfg.Executor.Command,
			Args:        cfg.Executor.Args,
			WorkDir:     projectDir,
			GracePeriod: cfg.Executor.GracePeriod(),
		}, o.logger)
		cli.AddObserver(o.detector)
		cli.SetChangeDetector(o.git.HasUncommittedChanges)
		o.cliExec = cli
		o.exec = cli
	}

	return o, nil
}

// State returns the current run state.
func (o *Orchestrator) State() State { return o.state }

func (o *Orchestrator) graphPath() string {
	return filepath.Join(o.stateDir, "dependencies", depgraph.StateFileName)
}

// Progress returns work-source completion statistics.
func (o *Orchestrator) Progress() backlog.Progress { return o.source.Progress() }

// CheckpointStats returns this run's checkpoint statistics.
func (o *Orchestrator) CheckpointStats() checkpoint.SessionStats { return o.checkpoints.Stats() }

// Run executes the full state machine. The returned outcome is always
// populated; the error mirrors Status == failed for callers that
// propagate errors.
func (o *Orchestrator) Run(ctx context.Context) (*RunOutcome, error) {
	start := o.now()

	lock := storage.NewFileLock(o.stateDir)
	ok, err := lock.TryLock()
	if err != nil {
		return o.fail(start, 0, errors.Wrap(err, "acquiring run lock"))
	}
	if !ok {
		return o.fail(start, 0, errors.Wrap(errors.ErrSessionLocked,
			"another orchestrator is running against this project"))
	}
	defer lock.Unlock()

	if err := o.setup(); err != nil {
		return o.fail(start, 0, err)
	}

	if o.needsInitializer() {
		o.transition(StateInitializing)
		if err := o.runInitializer(ctx); err != nil {
			return o.fail(start, 1, errors.Wrap(errors.ErrInitializationFailed, err.Error()))
		}
	}

	o.transition(StateCoding)
	outcome, err := o.codingLoop(ctx, start)
	if err != nil {
		return o.fail(start, outcome.Iterations, err)
	}
	if outcome.Status != StatusCompleted {
		o.transition(stateFor(outcome.Status))
		return outcome, nil
	}

	o.transition(StateValidating)
	if err := o.validate(); err != nil {
		return o.fail(start, outcome.Iterations, err)
	}

	o.transition(StateDone)
	outcome.Duration = o.now().Sub(start)
	o.logger.Info("run completed",
		"iterations", outcome.Iterations,
		"duration", outcome.Duration.String())
	return outcome, nil
}

// setup prepares the working tree: the project must be (or become) a git
// repository before any session runs.
func (o *Orchestrator) setup() error {
	if err := o.checkpoints.EnsureRepo(); err != nil {
		return err
	}
	o.logger.Info("setup complete",
		"mode", o.cfg.Session.Mode,
		"project_dir", o.projectDir)
	return nil
}

// needsInitializer reports whether an initializer session must create the
// work-item store first. Only greenfield mode starts from nothing.
func (o *Orchestrator) needsInitializer() bool {
	if backlog.Mode(o.cfg.Session.Mode) != backlog.ModeGreenfield {
		return false
	}
	_, err := o.source.IsComplete()
	return errors.Is(err, errors.ErrStoreNotFound)
}

// runInitializer runs the one-time session that scaffolds the project
// and writes the work-item store. Its failure is fatal: there is nothing
// to iterate on without it.
func (o *Orchestrator) runInitializer(ctx context.Context) error {
	o.logger.Info("running initializer session")
	o.record(telemetry.EventSessionStart, 0, map[string]any{"phase": "initializer"})

	res, stallReason, err := o.runSession(ctx, o.initializerPrompt())
	if err != nil {
		return err
	}
	if stallReason != "" {
		return errors.New("initializer session stalled: " + stallReason)
	}
	if res.Status != executor.StatusComplete {
		return errors.New("initializer session ended with status " + string(res.Status))
	}

	// The initializer must yield a non-empty work set.
	if _, err := o.source.IsComplete(); err != nil {
		return errors.Wrap(err, "initializer produced no work-item store")
	}
	if o.source.Progress().Total == 0 {
		return errors.New("initializer produced an empty work-item store")
	}

	if _, err := o.checkpoints.CreateCheckpoint(0, true, "project scaffolding"); err != nil &&
		!errors.IsExpected(err) {
		return err
	}
	o.record(telemetry.EventSessionEnd, 0, map[string]any{
		"phase":            "initializer",
		"duration_seconds": res.Duration.Seconds(),
	})
	return nil
}

// validate is the final pass after the work set reports complete.
func (o *Orchestrator) validate() error {
	complete, err := o.source.IsComplete()
	if err != nil {
		return err
	}
	if !complete {
		return errors.New("final validation found unfinished work items")
	}

	p := o.source.Progress()
	o.logger.Info("final validation passed",
		"total", p.Total, "passing", p.Passing, "skipped", p.Skipped)
	return nil
}

func (o *Orchestrator) transition(next State) {
	o.logger.Debug("state transition", "from", string(o.state), "to", string(next))
	o.state = next
}

func stateFor(s Status) State {
	switch s {
	case StatusTimedOut:
		return StateTimedOut
	case StatusFailed:
		return StateFailed
	default:
		return StateDone
	}
}

// fail finalizes a failed run with a reason chain instead of a bare error.
func (o *Orchestrator) fail(start time.Time, iterations int, err error) (*RunOutcome, error) {
	o.transition(StateFailed)
	o.logger.Error("run failed", "error", err.Error())
	return &RunOutcome{
		Status:     StatusFailed,
		Reason:     err.Error(),
		Iterations: iterations,
		Duration:   o.now().Sub(start),
	}, err
}

// record emits a telemetry event when telemetry is enabled.
func (o *Orchestrator) record(eventType string, iteration int, data map[string]any) {
	if o.telem == nil {
		return
	}
	if _, err := o.telem.Record(eventType, o.sessionID, iteration, data); err != nil {
		o.logger.Warn("telemetry record failed", "error", err.Error())
	}
}

// wireRecoveryHandlers connects recovery strategies that the
// orchestrator can actually execute. The rest stay advisories.
func (o *Orchestrator) wireRecoveryHandlers() {
	o.recov.RegisterHandler(recovery.StrategyCheckpointRollback,
		func(ctx context.Context, f recovery.Failure) (recovery.Result, error) {
			st := o.recov.State()
			cp, err := o.checkpoints.AutoRollbackOnFailure(
				st.ConsecutiveFailures, o.cfg.Session.AutoRollbackThreshold)
			if err != nil {
				return recovery.Result{}, err
			}
			if cp == nil {
				return recovery.Result{Success: true, Notes: "no rollback target, continuing"}, nil
			}
			return recovery.Result{
				Success: true,
				Notes:   fmt.Sprintf("rolled back to %s", cp.CommitRef),
			}, nil
		})

	o.recov.RegisterHandler(recovery.StrategySkipAndContinue,
		func(ctx context.Context, f recovery.Failure) (recovery.Result, error) {
			if f.TaskID == "" {
				return recovery.Result{Success: true, Notes: "no task to skip"}, nil
			}
			if err := o.source.MarkSkipped(f.TaskID); err != nil {
				return recovery.Result{}, err
			}
			return recovery.Result{Success: true, Notes: "skipped " + f.TaskID}, nil
		})
}
