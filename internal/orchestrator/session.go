package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Iron-Ham/harness/internal/backlog"
	"github.com/Iron-Ham/harness/internal/errors"
	"github.com/Iron-Ham/harness/internal/executor"
	"github.com/Iron-Ham/harness/internal/recovery"
	"github.com/Iron-Ham/harness/internal/telemetry"
)

// stallCheckInterval is how often a running session is checked for
// stall heuristics.
const stallCheckInterval = 5 * time.Second

// codingLoop runs coding sessions until the work set completes, the run
// times out, or something fatal happens.
func (o *Orchestrator) codingLoop(ctx context.Context, start time.Time) (*RunOutcome, error) {
	runTimeout := o.cfg.Session.Timeout()
	maxSessions := o.cfg.Session.MaxSessions

	iterations := 0
	for {
		if ctx.Err() != nil {
			return &RunOutcome{Status: StatusFailed, Iterations: iterations},
				errors.Wrap(errors.ErrCanceled, "run interrupted")
		}
		if runTimeout > 0 && o.now().Sub(start) > runTimeout {
			o.logger.Warn("global timeout reached", "timeout", runTimeout.String())
			return &RunOutcome{
				Status:     StatusTimedOut,
				Reason:     "global timeout reached with work remaining",
				Iterations: iterations,
				Duration:   o.now().Sub(start),
			}, nil
		}

		complete, err := o.source.IsComplete()
		if err != nil {
			return &RunOutcome{Status: StatusFailed, Iterations: iterations}, err
		}
		if complete {
			return &RunOutcome{
				Status:     StatusCompleted,
				Reason:     "all work items passing",
				Iterations: iterations,
				Duration:   o.now().Sub(start),
			}, nil
		}

		if maxSessions > 0 && iterations >= maxSessions {
			o.logger.Warn("session cap reached", "max_sessions", maxSessions)
			return &RunOutcome{
				Status:     StatusTimedOut,
				Reason:     "session cap reached with work remaining",
				Iterations: iterations,
				Duration:   o.now().Sub(start),
			}, nil
		}

		item, err := o.nextItem()
		if err != nil {
			if errors.Is(err, errors.ErrNoWorkAvailable) {
				if done, waitErr := o.waitForWork(ctx); waitErr != nil {
					return &RunOutcome{Status: StatusFailed, Iterations: iterations}, waitErr
				} else if !done {
					continue
				}
				return &RunOutcome{Status: StatusFailed, Iterations: iterations},
					errors.Wrap(err, "no runnable work items remain")
			}
			return &RunOutcome{Status: StatusFailed, Iterations: iterations}, err
		}

		iterations++
		if err := o.runIteration(ctx, iterations, item); err != nil {
			return &RunOutcome{Status: StatusFailed, Iterations: iterations}, err
		}
	}
}

// nextItem chooses the next work item: dependency-aware when the graph
// knows about pending items, plain store order otherwise.
func (o *Orchestrator) nextItem() (*backlog.WorkItem, error) {
	if o.graph.Len() > 0 {
		for _, id := range o.graph.ReadyTasks() {
			item, err := o.source.Item(id)
			if err != nil {
				continue
			}
			if !item.Done() {
				return item, nil
			}
		}
		// Ready tasks exhausted; anything the graph doesn't know about
		// still comes from the store.
	}
	return o.source.NextWork()
}

// waitForWork idles until the source may have new work. Returns done=true
// when idle waiting is not available and the loop should give up.
func (o *Orchestrator) waitForWork(ctx context.Context) (done bool, err error) {
	waiter, ok := o.source.(backlog.Waiter)
	if !ok || !o.cfg.Session.WaitForWork {
		return true, nil
	}
	if err := waiter.WaitForWork(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false, errors.Wrap(errors.ErrCanceled, "run interrupted while idle")
		}
		return false, err
	}
	return false, nil
}

// runIteration runs one coding session against one work item and does
// all the bookkeeping around it. Only interruption and broken state are
// fatal; session-level failures feed retry and recovery instead.
func (o *Orchestrator) runIteration(ctx context.Context, iteration int, item *backlog.WorkItem) error {
	log := o.logger.WithIteration(iteration)
	log.Info("starting coding session", "item_id", item.ID, "title", item.Title)
	o.record(telemetry.EventSessionStart, iteration, map[string]any{"item_id": item.ID})

	prompt := o.codingPrompt(item)
	if o.prompter != nil {
		prompt = o.prompter.Augment(prompt)
	}

	res, stallReason, err := o.runSession(ctx, prompt)
	if err != nil {
		return err
	}

	verified := o.verify(item.ID)

	// Commit whatever the session produced, even partial progress from a
	// stalled or failed session; a failed checkpoint is still a record.
	if cp, cpErr := o.checkpoints.CreateCheckpoint(iteration, verified,
		fmt.Sprintf("%s: %s", item.ID, item.Title)); cpErr != nil {
		if !errors.IsExpected(cpErr) {
			return cpErr
		}
	} else if cp != nil {
		log.Info("checkpoint created", "commit", cp.CommitRef, "verified", verified)
	}

	o.record(telemetry.EventSessionEnd, iteration, map[string]any{
		"item_id":          item.ID,
		"duration_seconds": res.Duration.Seconds(),
		"status":           string(res.Status),
	})
	o.record(telemetry.EventVerification, iteration, map[string]any{
		"item_id": item.ID,
		"passed":  verified,
	})
	if detectTokenPressure(res.Output) {
		o.record(telemetry.EventTokenWarning, iteration, map[string]any{"item_id": item.ID})
	}

	if verified {
		return o.handleSuccess(iteration, item)
	}
	return o.handleFailure(ctx, iteration, item, res, stallReason)
}

// runSession executes one session with stall monitoring. A stall cancels
// the executor; the stall reason comes back instead of an error so the
// caller treats it as a session failure, not a run failure.
func (o *Orchestrator) runSession(ctx context.Context, prompt string) (*executor.Result, string, error) {
	o.detector.Start()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stalled := make(chan string, 1)
	if o.cfg.Stall.Enabled {
		go o.monitorStall(sessCtx, cancel, stalled)
	}

	res, err := o.exec.Execute(sessCtx, executor.Request{
		Prompt:  prompt,
		Timeout: o.cfg.Executor.SessionTimeout(),
	})

	var reason string
	select {
	case reason = <-stalled:
	default:
	}

	if err != nil {
		if reason != "" {
			// The monitor canceled the session; that is a stall, already
			// reflected in the result.
			return res, reason, nil
		}
		if ctx.Err() != nil {
			return res, "", errors.Wrap(errors.ErrCanceled, "run interrupted mid-session")
		}
		return nil, "", err
	}
	return res, reason, nil
}

// monitorStall polls the detector while a session runs and cancels the
// session when it trips.
func (o *Orchestrator) monitorStall(ctx context.Context, cancel context.CancelFunc, out chan<- string) {
	ticker := time.NewTicker(stallCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if isStalled, reason := o.detector.Check(); isStalled {
				o.logger.Warn("session stalled, terminating", "reason", reason)
				out <- reason
				cancel()
				return
			}
		}
	}
}

// verify re-reads the work item after the session: the agent reports
// completion by marking the item passing in the store.
func (o *Orchestrator) verify(itemID string) bool {
	item, err := o.source.Item(itemID)
	if err != nil {
		o.logger.Warn("verification read failed", "item_id", itemID, "error", err.Error())
		return false
	}
	return item.Passes
}

// handleSuccess clears failure state for a verified item.
func (o *Orchestrator) handleSuccess(iteration int, item *backlog.WorkItem) error {
	o.logger.WithIteration(iteration).Info("work item verified", "item_id", item.ID)

	if err := o.retries.Reset(item.ID); err != nil {
		return err
	}
	if o.recov != nil {
		if err := o.recov.MarkSuccess(); err != nil {
			return err
		}
	}
	if o.graph.Len() > 0 {
		if err := o.graph.MarkCompleted(item.ID); err == nil {
			if err := o.saveGraph(); err != nil {
				return err
			}
		}
	}
	return nil
}

// handleFailure does the retry, pattern, and recovery bookkeeping for a
// session that did not produce a verified item.
func (o *Orchestrator) handleFailure(ctx context.Context, iteration int, item *backlog.WorkItem, res *executor.Result, stallReason string) error {
	log := o.logger.WithIteration(iteration)
	failureType, message := classifyFailure(res, stallReason)
	log.Warn("session failed",
		"item_id", item.ID,
		"failure_type", string(failureType),
		"reason", message)

	o.record(telemetry.EventError, iteration, map[string]any{
		"item_id": item.ID,
		"type":    string(failureType),
		"message": message,
	})

	if o.patterns != nil {
		if _, err := o.patterns.RecordError(string(failureType), message, ""); err != nil {
			log.Warn("pattern record failed", "error", err.Error())
		}
	}

	if err := o.retries.RecordAttempt(item.ID, errors.New(message)); err != nil {
		if !errors.Is(err, errors.ErrRetriesExhausted) {
			return err
		}
		// Bounded retry: skip the item so the rest of the run can make
		// progress instead of retrying forever.
		log.Warn("retries exhausted, skipping item", "item_id", item.ID)
		if markErr := o.source.MarkSkipped(item.ID); markErr != nil {
			return markErr
		}
		if o.graph.Len() > 0 {
			if gErr := o.graph.MarkCompleted(item.ID); gErr == nil {
				if sErr := o.saveGraph(); sErr != nil {
					return sErr
				}
			}
		}
		return nil
	}

	if o.recov != nil {
		action, err := o.recov.Recover(ctx, recovery.Failure{
			Type:    failureType,
			TaskID:  item.ID,
			Message: message,
		})
		if err != nil {
			// Recovery failures are logged, not fatal: the retry manager
			// still bounds the damage.
			log.Warn("recovery failed", "strategy", string(action.Strategy), "error", err.Error())
		} else {
			o.record(telemetry.EventRecovery, iteration, map[string]any{
				"strategy": string(action.Strategy),
				"notes":    action.Notes,
			})
		}
	}
	return nil
}

func (o *Orchestrator) saveGraph() error {
	return o.graph.Save(o.graphPath())
}

// classifyFailure maps a session result to a recovery failure class.
func classifyFailure(res *executor.Result, stallReason string) (recovery.FailureType, string) {
	switch {
	case stallReason != "":
		return recovery.FailureStall, stallReason
	case res.Status == executor.StatusTimeout:
		return recovery.FailureTimeout, "session timed out"
	case res.Status == executor.StatusError:
		return recovery.FailureUnknown, lastOutputLine(res.Output)
	case detectTokenPressure(res.Output):
		return recovery.FailureContextSize, "context-size pressure reported by agent"
	default:
		return recovery.FailureVerification, "session completed without a verified item"
	}
}

// detectTokenPressure scans session output for context-size warnings.
func detectTokenPressure(output string) bool {
	lower := strings.ToLower(output)
	for _, marker := range []string{
		"token limit",
		"context window",
		"context length",
		"context low",
		"prompt is too long",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// lastOutputLine extracts the final non-empty line as the failure summary.
func lastOutputLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return "session ended with an error and no output"
}
