// Package recovery selects and executes escalating corrective strategies
// when sessions fail. Selection is a pure function of the failure class
// and recent failure history; execution goes through a replaceable handler
// registry, and every invocation is appended to a durable action log.
package recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Iron-Ham/harness/internal/errors"
	"github.com/Iron-Ham/harness/internal/logging"
	"github.com/Iron-Ham/harness/internal/storage"
)

// State file names inside the recovery directory.
const (
	ActionsFileName = "actions.json"
	StateFileName   = "state.json"
)

// Backoff defaults. The wait doubles per consecutive failure.
const (
	DefaultBackoffBase = 5 * time.Second
	DefaultBackoffMax  = 60 * time.Second
)

// Strategy is one corrective action the engine can take.
type Strategy string

const (
	StrategyCheckpointRollback Strategy = "checkpoint_rollback"
	StrategyReduceScope        Strategy = "reduce_scope"
	StrategySimplifyTask       Strategy = "simplify_task"
	StrategyRetryWithBackoff   Strategy = "retry_with_backoff"
	StrategySkipAndContinue    Strategy = "skip_and_continue"
	StrategyFallbackModel      Strategy = "fallback_model"
	StrategyReduceContext      Strategy = "reduce_context"
	StrategyBreakIntoSubtasks  Strategy = "break_into_subtasks"
)

// FailureType classifies what went wrong with a session.
type FailureType string

const (
	FailureVerification FailureType = "verification_failure"
	FailureTimeout      FailureType = "timeout"
	FailureStall        FailureType = "stall"
	FailureContextSize  FailureType = "context_size"
	FailureDependency   FailureType = "dependency"
	FailureUnknown      FailureType = "unknown"
)

// Failure describes one session failure handed to the engine.
type Failure struct {
	Type     FailureType `json:"type"`
	TaskID   string      `json:"task_id,omitempty"`
	Message  string      `json:"message,omitempty"`
	Critical bool        `json:"critical,omitempty"`
}

// Result is what a strategy handler reports back.
type Result struct {
	Success bool   `json:"success"`
	Notes   string `json:"notes,omitempty"`
}

// Handler executes one strategy. Handlers are replaceable without
// touching the selector.
type Handler func(ctx context.Context, f Failure) (Result, error)

// Action is one recovery invocation, persisted to the action log.
type Action struct {
	Timestamp           time.Time `json:"timestamp"`
	Failure             Failure   `json:"failure"`
	Strategy            Strategy  `json:"strategy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	RetryCount          int       `json:"retry_count"`
	Success             bool      `json:"success"`
	Notes               string    `json:"notes,omitempty"`
}

// State is the engine's durable failure history.
type State struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	RetryCount          int       `json:"retry_count"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
}

// Stats is a read-only summary of the action log.
type Stats struct {
	TotalActions  int              `json:"total_actions"`
	Succeeded     int              `json:"succeeded"`
	StrategyCount map[Strategy]int `json:"strategy_count"`
}

// -----------------------------------------------------------------------------
// Strategy selection
// -----------------------------------------------------------------------------

// SelectStrategy picks the strategy for a failure given the current
// failure history. It is pure so the escalation ladder is testable in
// isolation from execution.
//
// Verification failures escalate retry → simplify → rollback. Timeouts
// escalate retry → reduce scope. Stalls break the task apart, context
// pressure trims context, and dependency failures either skip (benign)
// or roll back (critical). Anything unclassified escalates retry →
// fallback model → rollback.
func SelectStrategy(f Failure, consecutiveFailures, retryCount int) Strategy {
	switch f.Type {
	case FailureVerification:
		switch {
		case consecutiveFailures <= 1:
			return StrategyRetryWithBackoff
		case consecutiveFailures == 2:
			return StrategySimplifyTask
		default:
			return StrategyCheckpointRollback
		}
	case FailureTimeout:
		if consecutiveFailures <= 1 {
			return StrategyRetryWithBackoff
		}
		return StrategyReduceScope
	case FailureStall:
		return StrategyBreakIntoSubtasks
	case FailureContextSize:
		return StrategyReduceContext
	case FailureDependency:
		if f.Critical {
			return StrategyCheckpointRollback
		}
		return StrategySkipAndContinue
	default:
		switch {
		case consecutiveFailures <= 1:
			return StrategyRetryWithBackoff
		case consecutiveFailures == 2:
			return StrategyFallbackModel
		default:
			return StrategyCheckpointRollback
		}
	}
}

// -----------------------------------------------------------------------------
// Engine
// -----------------------------------------------------------------------------

// Config tunes the engine. Zero values select defaults.
type Config struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Engine tracks failure history, selects strategies, and executes them.
// It is safe for concurrent use, though the orchestrator drives it from
// a single loop.
type Engine struct {
	mu       sync.Mutex
	dir      string
	cfg      Config
	logger   *logging.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	state    State
	actions  []*Action
	handlers map[Strategy]Handler
}

// NewEngine creates an Engine storing state under dir. Prior state and
// the action log are reloaded so escalation survives restarts.
func NewEngine(dir string, cfg Config, logger *logging.Logger) (*Engine, error) {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}

	e := &Engine{
		dir:      dir,
		cfg:      cfg,
		logger:   logger.WithComponent("recovery"),
		now:      time.Now,
		sleep:    sleepContext,
		handlers: make(map[Strategy]Handler),
	}

	if err := storage.LoadJSON(e.statePath(), &e.state); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "loading recovery state")
	}
	if err := storage.LoadJSON(e.actionsPath(), &e.actions); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "loading recovery action log")
	}

	e.handlers[StrategyRetryWithBackoff] = e.backoffHandler
	return e, nil
}

// RegisterHandler installs the handler for a strategy, replacing any
// existing one. Strategies without a handler resolve as advisories.
func (e *Engine) RegisterHandler(s Strategy, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[s] = h
}

// Recover handles one failure: escalates counters, selects a strategy,
// runs its handler, and appends the outcome to the action log. The
// returned Action reports what was attempted; the error is non-nil only
// when the handler itself failed or state could not be persisted.
func (e *Engine) Recover(ctx context.Context, f Failure) (*Action, error) {
	e.mu.Lock()
	e.state.ConsecutiveFailures++
	e.state.RetryCount++
	e.state.LastFailure = e.now().UTC()

	strategy := SelectStrategy(f, e.state.ConsecutiveFailures, e.state.RetryCount)
	action := &Action{
		Timestamp:           e.state.LastFailure,
		Failure:             f,
		Strategy:            strategy,
		ConsecutiveFailures: e.state.ConsecutiveFailures,
		RetryCount:          e.state.RetryCount,
	}
	handler, ok := e.handlers[strategy]
	e.mu.Unlock()

	var handlerErr error
	if ok {
		res, err := handler(ctx, f)
		handlerErr = err
		action.Success = err == nil && res.Success
		action.Notes = res.Notes
		if err != nil {
			action.Notes = err.Error()
		}
	} else {
		// No handler wired: record the selection so the operator (or a
		// later orchestrator revision) can act on it.
		action.Success = true
		action.Notes = "advisory"
		e.logger.Warn("recovery strategy advisory",
			"strategy", string(strategy), "failure_type", string(f.Type), "task_id", f.TaskID)
	}

	e.mu.Lock()
	e.actions = append(e.actions, action)
	saveErr := e.save()
	e.mu.Unlock()

	if handlerErr != nil {
		return action, errors.NewRecoveryError("strategy execution failed", handlerErr).
			WithFailureType(string(f.Type)).
			WithStrategy(string(strategy))
	}
	return action, saveErr
}

// MarkSuccess resets the failure counters after a verified success.
func (e *Engine) MarkSuccess() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.ConsecutiveFailures = 0
	e.state.RetryCount = 0
	return e.save()
}

// State returns a copy of the current failure history.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Actions returns the action log, oldest first.
func (e *Engine) Actions() []*Action {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*Action, len(e.actions))
	copy(out, e.actions)
	return out
}

// Stats summarizes the action log.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{
		TotalActions:  len(e.actions),
		StrategyCount: make(map[Strategy]int),
	}
	for _, a := range e.actions {
		s.StrategyCount[a.Strategy]++
		if a.Success {
			s.Succeeded++
		}
	}
	return s
}

// Backoff returns the wait before the next retry: exponential in the
// consecutive-failure count, capped.
func (e *Engine) Backoff() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backoffLocked()
}

func (e *Engine) backoffLocked() time.Duration {
	d := e.cfg.BackoffBase
	for i := 1; i < e.state.ConsecutiveFailures; i++ {
		d *= 2
		if d >= e.cfg.BackoffMax {
			return e.cfg.BackoffMax
		}
	}
	if d > e.cfg.BackoffMax {
		return e.cfg.BackoffMax
	}
	return d
}

// backoffHandler is the built-in retry_with_backoff handler: a
// context-aware wait, then the orchestrator retries.
func (e *Engine) backoffHandler(ctx context.Context, f Failure) (Result, error) {
	e.mu.Lock()
	d := e.backoffLocked()
	e.mu.Unlock()

	if err := e.sleep(ctx, d); err != nil {
		return Result{}, err
	}
	return Result{Success: true, Notes: fmt.Sprintf("waited %s before retry", d)}, nil
}

// save writes state and action log. The caller must hold the mutex.
func (e *Engine) save() error {
	if err := storage.SaveJSON(e.statePath(), e.state); err != nil {
		return errors.Wrap(err, "saving recovery state")
	}
	if err := storage.SaveJSON(e.actionsPath(), e.actions); err != nil {
		return errors.Wrap(err, "saving recovery action log")
	}
	return nil
}

func (e *Engine) statePath() string {
	return filepath.Join(e.dir, StateFileName)
}

func (e *Engine) actionsPath() string {
	return filepath.Join(e.dir, ActionsFileName)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
