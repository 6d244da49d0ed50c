package recovery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Iron-Ham/harness/internal/logging"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine(t.TempDir(), cfg, logging.NopLogger())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	// Backoff waits complete instantly in tests.
	e.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return e
}

func TestSelectStrategy(t *testing.T) {
	tests := []struct {
		name        string
		failure     Failure
		consecutive int
		want        Strategy
	}{
		{"first verification failure retries", Failure{Type: FailureVerification}, 1, StrategyRetryWithBackoff},
		{"second verification failure simplifies", Failure{Type: FailureVerification}, 2, StrategySimplifyTask},
		{"third verification failure rolls back", Failure{Type: FailureVerification}, 3, StrategyCheckpointRollback},
		{"fifth verification failure still rolls back", Failure{Type: FailureVerification}, 5, StrategyCheckpointRollback},
		{"first timeout retries", Failure{Type: FailureTimeout}, 1, StrategyRetryWithBackoff},
		{"repeated timeout reduces scope", Failure{Type: FailureTimeout}, 2, StrategyReduceScope},
		{"stall breaks into subtasks", Failure{Type: FailureStall}, 1, StrategyBreakIntoSubtasks},
		{"stall always breaks into subtasks", Failure{Type: FailureStall}, 4, StrategyBreakIntoSubtasks},
		{"context pressure reduces context", Failure{Type: FailureContextSize}, 1, StrategyReduceContext},
		{"benign dependency failure skips", Failure{Type: FailureDependency}, 1, StrategySkipAndContinue},
		{"critical dependency failure rolls back", Failure{Type: FailureDependency, Critical: true}, 1, StrategyCheckpointRollback},
		{"unknown failure retries first", Failure{Type: FailureUnknown}, 1, StrategyRetryWithBackoff},
		{"unknown failure falls back to another model", Failure{Type: FailureUnknown}, 2, StrategyFallbackModel},
		{"unknown failure eventually rolls back", Failure{Type: FailureUnknown}, 3, StrategyCheckpointRollback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectStrategy(tt.failure, tt.consecutive, tt.consecutive)
			if got != tt.want {
				t.Errorf("SelectStrategy(%s, %d) = %s, want %s",
					tt.failure.Type, tt.consecutive, got, tt.want)
			}
		})
	}
}

func TestRecoverEscalates(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()

	f := Failure{Type: FailureVerification, TaskID: "task-1"}

	a1, err := e.Recover(ctx, f)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if a1.Strategy != StrategyRetryWithBackoff {
		t.Errorf("first strategy = %s, want %s", a1.Strategy, StrategyRetryWithBackoff)
	}

	a2, _ := e.Recover(ctx, f)
	if a2.Strategy != StrategySimplifyTask {
		t.Errorf("second strategy = %s, want %s", a2.Strategy, StrategySimplifyTask)
	}

	a3, _ := e.Recover(ctx, f)
	if a3.Strategy != StrategyCheckpointRollback {
		t.Errorf("third strategy = %s, want %s", a3.Strategy, StrategyCheckpointRollback)
	}
}

func TestMarkSuccessResetsEscalation(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()

	f := Failure{Type: FailureVerification}
	e.Recover(ctx, f)
	e.Recover(ctx, f)

	if err := e.MarkSuccess(); err != nil {
		t.Fatalf("MarkSuccess() error = %v", err)
	}
	if st := e.State(); st.ConsecutiveFailures != 0 || st.RetryCount != 0 {
		t.Errorf("state after MarkSuccess = %+v, want zeroed counters", st)
	}

	// Escalation starts over.
	a, _ := e.Recover(ctx, f)
	if a.Strategy != StrategyRetryWithBackoff {
		t.Errorf("strategy after reset = %s, want %s", a.Strategy, StrategyRetryWithBackoff)
	}
}

func TestUnhandledStrategyIsAdvisory(t *testing.T) {
	e := newTestEngine(t, Config{})

	a, err := e.Recover(context.Background(), Failure{Type: FailureStall, TaskID: "task-9"})
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if a.Strategy != StrategyBreakIntoSubtasks {
		t.Errorf("strategy = %s, want %s", a.Strategy, StrategyBreakIntoSubtasks)
	}
	if !a.Success || a.Notes != "advisory" {
		t.Errorf("action = success=%v notes=%q, want advisory success", a.Success, a.Notes)
	}
}

func TestRegisteredHandlerRuns(t *testing.T) {
	e := newTestEngine(t, Config{})

	var got Failure
	e.RegisterHandler(StrategyBreakIntoSubtasks, func(ctx context.Context, f Failure) (Result, error) {
		got = f
		return Result{Success: true, Notes: "split into 3 subtasks"}, nil
	})

	a, err := e.Recover(context.Background(), Failure{Type: FailureStall, TaskID: "task-2"})
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if got.TaskID != "task-2" {
		t.Errorf("handler saw failure %+v", got)
	}
	if !a.Success || a.Notes != "split into 3 subtasks" {
		t.Errorf("action = %+v", a)
	}
}

func TestHandlerErrorSurfaced(t *testing.T) {
	e := newTestEngine(t, Config{})

	e.RegisterHandler(StrategyReduceContext, func(ctx context.Context, f Failure) (Result, error) {
		return Result{}, fmt.Errorf("nothing left to trim")
	})

	a, err := e.Recover(context.Background(), Failure{Type: FailureContextSize})
	if err == nil {
		t.Fatal("Recover() succeeded, want handler error surfaced")
	}
	if a == nil || a.Success {
		t.Errorf("action = %+v, want recorded failure", a)
	}
}

func TestFailedHandlerStillLogged(t *testing.T) {
	e := newTestEngine(t, Config{})

	e.RegisterHandler(StrategyReduceContext, func(ctx context.Context, f Failure) (Result, error) {
		return Result{Success: false, Notes: "could not reduce"}, nil
	})

	a, err := e.Recover(context.Background(), Failure{Type: FailureContextSize})
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if a.Success {
		t.Error("action succeeded, want handler-reported failure")
	}
	if got := len(e.Actions()); got != 1 {
		t.Errorf("action log = %d entries, want 1", got)
	}
}

func TestBackoffCapped(t *testing.T) {
	e := newTestEngine(t, Config{BackoffBase: 5 * time.Second, BackoffMax: 60 * time.Second})

	wants := []time.Duration{
		5 * time.Second,   // failure 1
		10 * time.Second,  // failure 2
		20 * time.Second,  // failure 3
		40 * time.Second,  // failure 4
		60 * time.Second,  // failure 5: capped
		60 * time.Second,  // stays capped
	}

	ctx := context.Background()
	for i, want := range wants {
		e.Recover(ctx, Failure{Type: FailureTimeout})
		if got := e.Backoff(); got != want {
			t.Errorf("Backoff() after %d failures = %s, want %s", i+1, got, want)
		}
	}
}

func TestBackoffHandlerHonorsCancellation(t *testing.T) {
	e, err := NewEngine(t.TempDir(), Config{BackoffBase: time.Minute}, logging.NopLogger())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a, err := e.Recover(ctx, Failure{Type: FailureVerification})
	if err == nil {
		t.Fatal("Recover() succeeded with canceled context, want error")
	}
	if a.Success {
		t.Error("action succeeded despite cancellation")
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e, err := NewEngine(dir, Config{}, logging.NopLogger())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	e.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	e.Recover(ctx, Failure{Type: FailureVerification})
	e.Recover(ctx, Failure{Type: FailureVerification})

	reloaded, err := NewEngine(dir, Config{}, logging.NopLogger())
	if err != nil {
		t.Fatalf("NewEngine() reload error = %v", err)
	}
	reloaded.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	if st := reloaded.State(); st.ConsecutiveFailures != 2 {
		t.Errorf("reloaded ConsecutiveFailures = %d, want 2", st.ConsecutiveFailures)
	}
	if got := len(reloaded.Actions()); got != 2 {
		t.Errorf("reloaded action log = %d entries, want 2", got)
	}

	// Escalation continues from persisted history.
	a, _ := reloaded.Recover(ctx, Failure{Type: FailureVerification})
	if a.Strategy != StrategyCheckpointRollback {
		t.Errorf("strategy after restart = %s, want %s", a.Strategy, StrategyCheckpointRollback)
	}
}

func TestStats(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()

	e.Recover(ctx, Failure{Type: FailureVerification})
	e.Recover(ctx, Failure{Type: FailureStall})
	e.RegisterHandler(StrategyBreakIntoSubtasks, func(ctx context.Context, f Failure) (Result, error) {
		return Result{Success: false}, nil
	})
	e.Recover(ctx, Failure{Type: FailureStall})

	s := e.Stats()
	if s.TotalActions != 3 {
		t.Errorf("TotalActions = %d, want 3", s.TotalActions)
	}
	if s.StrategyCount[StrategyBreakIntoSubtasks] != 2 {
		t.Errorf("break_into_subtasks count = %d, want 2", s.StrategyCount[StrategyBreakIntoSubtasks])
	}
	if s.Succeeded != 2 {
		t.Errorf("Succeeded = %d, want 2", s.Succeeded)
	}
}
