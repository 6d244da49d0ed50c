// Package telemetry records orchestration events and reacts to trends in
// them. Events are appended to a durable JSONL log; after each event a
// small rule set is evaluated over the recent window, firing deduplicated
// action triggers when a threshold is crossed.
package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Iron-Ham/harness/internal/errors"
	"github.com/Iron-Ham/harness/internal/logging"
	"github.com/Iron-Ham/harness/internal/storage"
)

// State file names inside the telemetry directory.
const (
	EventsFileName   = "events.jsonl"
	TriggersFileName = "triggers.json"
)

// DefaultWindowSize is how many recent events the rules evaluate over.
const DefaultWindowSize = 50

// DefaultTriggerCooldown is the per-condition dedup window.
const DefaultTriggerCooldown = time.Hour

// Event types recorded by the orchestrator.
const (
	EventSessionStart = "session_start"
	EventSessionEnd   = "session_end"
	EventError        = "error"
	EventVerification = "verification"
	EventTokenWarning = "token_warning"
	EventRecovery     = "recovery"
)

// Action types produced by trigger rules.
const (
	ActionReduceComplexity   = "reduce_complexity"
	ActionRollbackCheckpoint = "rollback_checkpoint"
	ActionOptimizePrompts    = "optimize_prompts"
	ActionReduceContext      = "reduce_context"
)

// Event is one recorded orchestration event.
type Event struct {
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id,omitempty"`
	Iteration int            `json:"iteration,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Trigger is a fired rule, persisted for dedup and audit.
type Trigger struct {
	TriggerID    string         `json:"trigger_id"`
	Timestamp    time.Time      `json:"timestamp"`
	Condition    string         `json:"condition"`
	ActionType   string         `json:"action_type"`
	ActionParams map[string]any `json:"action_params,omitempty"`
	Executed     bool           `json:"executed"`
	Success      bool           `json:"success"`
}

// Handler executes a triggered action. Returning an error marks the
// trigger as executed-but-failed.
type Handler func(t *Trigger) error

// Stats is a read-only summary of recorded telemetry.
type Stats struct {
	TotalEvents   int            `json:"total_events"`
	EventCounts   map[string]int `json:"event_counts"`
	TotalTriggers int            `json:"total_triggers"`
}

// Config tunes the loop. Zero values select defaults.
type Config struct {
	WindowSize int
	Cooldown   time.Duration
}

// Loop records events and evaluates trigger rules. It is safe for
// concurrent use.
type Loop struct {
	mu       sync.Mutex
	dir      string
	cfg      Config
	logger   *logging.Logger
	now      func() time.Time
	events   []Event // recent window, most recent last
	triggers []*Trigger
	handlers map[string]Handler
	seq      int
}

// NewLoop creates a Loop storing state under dir. Prior events and
// triggers are reloaded so windows and cooldowns survive restarts.
func NewLoop(dir string, cfg Config, logger *logging.Logger) (*Loop, error) {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultTriggerCooldown
	}

	l := &Loop{
		dir:      dir,
		cfg:      cfg,
		logger:   logger.WithComponent("telemetry"),
		now:      time.Now,
		handlers: make(map[string]Handler),
	}

	events, err := storage.ReadJSONL[Event](l.eventsPath())
	if err != nil {
		return nil, errors.Wrap(err, "loading telemetry events")
	}
	if len(events) > cfg.WindowSize {
		events = events[len(events)-cfg.WindowSize:]
	}
	l.events = events

	if err := storage.LoadJSON(l.triggersPath(), &l.triggers); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "loading telemetry triggers")
	}
	l.seq = len(l.triggers)

	return l, nil
}

// SetClock overrides the time source. This is primarily useful for testing.
func (l *Loop) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// RegisterHandler installs the handler for an action type, replacing any
// existing one. Without a handler, fired triggers are logged as
// advisories.
func (l *Loop) RegisterHandler(actionType string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[actionType] = h
}

// Record appends an event to the durable log and evaluates the trigger
// rules over the recent window. Returns any triggers fired by this event.
func (l *Loop) Record(eventType, sessionID string, iteration int, data map[string]any) ([]*Trigger, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev := Event{
		EventType: eventType,
		Timestamp: l.now().UTC(),
		SessionID: sessionID,
		Iteration: iteration,
		Data:      data,
	}

	if err := storage.AppendJSONL(l.eventsPath(), ev); err != nil {
		return nil, errors.Wrap(err, "appending telemetry event")
	}

	l.events = append(l.events, ev)
	if len(l.events) > l.cfg.WindowSize {
		l.events = l.events[len(l.events)-l.cfg.WindowSize:]
	}

	return l.evaluate()
}

// Triggers returns all fired triggers, oldest first.
func (l *Loop) Triggers() []*Trigger {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*Trigger, len(l.triggers))
	copy(out, l.triggers)
	return out
}

// Stats summarizes the recent window and trigger history.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{
		TotalEvents:   len(l.events),
		EventCounts:   make(map[string]int),
		TotalTriggers: len(l.triggers),
	}
	for _, ev := range l.events {
		s.EventCounts[ev.EventType]++
	}
	return s
}

// -----------------------------------------------------------------------------
// Rules
// -----------------------------------------------------------------------------

// Rule thresholds over the event window.
const (
	errorCountThreshold     = 10
	consecutiveFailureLimit = 3
	slowSessionSeconds      = 300.0
	slowSessionMinSamples   = 5
	tokenWarningThreshold   = 3
)

// evaluate runs every rule and fires deduplicated triggers.
// The caller must hold the mutex.
func (l *Loop) evaluate() ([]*Trigger, error) {
	var fired []*Trigger

	type candidate struct {
		condition string
		action    string
		params    map[string]any
	}
	var candidates []candidate

	if n := l.countEvents(EventError); n > errorCountThreshold {
		candidates = append(candidates, candidate{
			condition: "high_error_rate",
			action:    ActionReduceComplexity,
			params:    map[string]any{"error_count": n},
		})
	}

	if n := l.consecutiveFailedVerifications(); n >= consecutiveFailureLimit {
		candidates = append(candidates, candidate{
			condition: "consecutive_verification_failures",
			action:    ActionRollbackCheckpoint,
			params:    map[string]any{"consecutive_failures": n},
		})
	}

	if avg, samples := l.avgSessionDuration(); samples >= slowSessionMinSamples && avg > slowSessionSeconds {
		candidates = append(candidates, candidate{
			condition: "slow_sessions",
			action:    ActionOptimizePrompts,
			params:    map[string]any{"avg_duration_seconds": avg, "samples": samples},
		})
	}

	if n := l.countEvents(EventTokenWarning); n > tokenWarningThreshold {
		candidates = append(candidates, candidate{
			condition: "token_pressure",
			action:    ActionReduceContext,
			params:    map[string]any{"warning_count": n},
		})
	}

	for _, c := range candidates {
		if l.inCooldown(c.condition) {
			continue
		}
		t := l.fire(c.condition, c.action, c.params)
		fired = append(fired, t)
	}

	if len(fired) > 0 {
		if err := storage.SaveJSON(l.triggersPath(), l.triggers); err != nil {
			return fired, errors.Wrap(err, "saving telemetry triggers")
		}
	}
	return fired, nil
}

// inCooldown reports whether the condition fired within the dedup window.
// The caller must hold the mutex.
func (l *Loop) inCooldown(condition string) bool {
	cutoff := l.now().Add(-l.cfg.Cooldown)
	for i := len(l.triggers) - 1; i >= 0; i-- {
		t := l.triggers[i]
		if t.Condition == condition && t.Timestamp.After(cutoff) {
			return true
		}
	}
	return false
}

// fire creates a trigger and runs its handler if one is registered.
// The caller must hold the mutex.
func (l *Loop) fire(condition, action string, params map[string]any) *Trigger {
	l.seq++
	t := &Trigger{
		TriggerID:    fmt.Sprintf("trigger-%d", l.seq),
		Timestamp:    l.now().UTC(),
		Condition:    condition,
		ActionType:   action,
		ActionParams: params,
	}

	if h, ok := l.handlers[action]; ok {
		t.Executed = true
		if err := h(t); err != nil {
			l.logger.Error("trigger action failed",
				"trigger_id", t.TriggerID, "action", action, "error", err.Error())
		} else {
			t.Success = true
		}
	} else {
		l.logger.Warn("telemetry trigger fired",
			"trigger_id", t.TriggerID, "condition", condition, "action", action)
	}

	l.triggers = append(l.triggers, t)
	return t
}

func (l *Loop) countEvents(eventType string) int {
	n := 0
	for _, ev := range l.events {
		if ev.EventType == eventType {
			n++
		}
	}
	return n
}

// consecutiveFailedVerifications counts the failed-verification streak at
// the tail of the window.
func (l *Loop) consecutiveFailedVerifications() int {
	n := 0
	for i := len(l.events) - 1; i >= 0; i-- {
		ev := l.events[i]
		if ev.EventType != EventVerification {
			continue
		}
		if passed, ok := ev.Data["passed"].(bool); ok && passed {
			break
		}
		n++
	}
	return n
}

// avgSessionDuration averages duration_seconds over session_end events in
// the window.
func (l *Loop) avgSessionDuration() (float64, int) {
	var sum float64
	samples := 0
	for _, ev := range l.events {
		if ev.EventType != EventSessionEnd {
			continue
		}
		if d, ok := toFloat(ev.Data["duration_seconds"]); ok {
			sum += d
			samples++
		}
	}
	if samples == 0 {
		return 0, 0
	}
	return sum / float64(samples), samples
}

// toFloat handles both native numeric types and JSON-decoded float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func (l *Loop) eventsPath() string {
	return filepath.Join(l.dir, EventsFileName)
}

func (l *Loop) triggersPath() string {
	return filepath.Join(l.dir, TriggersFileName)
}
