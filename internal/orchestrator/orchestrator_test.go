package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/harness/internal/backlog"
	"github.com/Iron-Ham/harness/internal/config"
	"github.com/Iron-Ham/harness/internal/depgraph"
	"github.com/Iron-Ham/harness/internal/errors"
	"github.com/Iron-Ham/harness/internal/executor"
	"github.com/Iron-Ham/harness/internal/logging"
	"github.com/Iron-Ham/harness/internal/storage"
)

// fakeGit simulates the git CLI: repo flag, porcelain status, commit
// counter. Sessions flip statusOutput to simulate file changes.
type fakeGit struct {
	isRepo       bool
	statusOutput string
	commitCount  int
	commits      []string
	resets       []string
	configured   map[string]string
}

func newFakeGit() *fakeGit {
	return &fakeGit{isRepo: true, configured: map[string]string{}}
}

func (f *fakeGit) Run(dir string, name string, args ...string) ([]byte, error) {
	cmd := strings.Join(args, " ")
	switch {
	case cmd == "rev-parse --is-inside-work-tree":
		if f.isRepo {
			return []byte("true\n"), nil
		}
		return []byte("fatal: not a git repository\n"), errors.New("exit status 128")
	case cmd == "init":
		f.isRepo = true
		return nil, nil
	case strings.HasPrefix(cmd, "config user.name "):
		f.configured["user.name"] = args[2]
		return nil, nil
	case strings.HasPrefix(cmd, "config user.email "):
		f.configured["user.email"] = args[2]
		return nil, nil
	case cmd == "status --porcelain":
		return []byte(f.statusOutput), nil
	case cmd == "add -A":
		return nil, nil
	case args[0] == "commit":
		if f.statusOutput == "" {
			return []byte("nothing to commit, working tree clean\n"), errors.New("exit status 1")
		}
		f.commitCount++
		f.commits = append(f.commits, args[2])
		f.statusOutput = ""
		return nil, nil
	case cmd == "rev-parse HEAD":
		return []byte(fmt.Sprintf("commit-%d\n", f.commitCount)), nil
	case args[0] == "reset" && args[1] == "--hard":
		f.resets = append(f.resets, "hard:"+args[2])
		return nil, nil
	case args[0] == "reset" && args[1] == "--soft":
		f.resets = append(f.resets, "soft:"+args[2])
		return nil, nil
	}
	return nil, fmt.Errorf("unexpected command: git %s", cmd)
}

func (f *fakeGit) RunQuiet(dir string, name string, args ...string) error {
	cmd := strings.Join(args, " ")
	if cmd == "config user.name" || cmd == "config user.email" {
		if _, ok := f.configured[args[1]]; ok {
			return nil
		}
		return errors.New("exit status 1")
	}
	_, err := f.Run(dir, name, args...)
	return err
}

// fakeSession is a scripted session executor.
type fakeSession struct {
	onExecute func(prompt string) (*executor.Result, error)
	prompts   []string
}

func (f *fakeSession) Execute(ctx context.Context, req executor.Request) (*executor.Result, error) {
	f.prompts = append(f.prompts, req.Prompt)
	return f.onExecute(req.Prompt)
}

var itemIDRe = regexp.MustCompile(`work item (\S+):`)

// markPromptedItemPassing marks the item named in the prompt as passing,
// the way a well-behaved agent session would.
func markPromptedItemPassing(t *testing.T, storePath, prompt string) {
	t.Helper()
	m := itemIDRe.FindStringSubmatch(prompt)
	if m == nil {
		t.Fatalf("prompt names no work item:\n%s", prompt)
	}
	store, err := backlog.OpenStore(storePath)
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	if err := store.MarkPassing(m[1]); err != nil {
		t.Fatalf("MarkPassing(%s) error = %v", m[1], err)
	}
}

func testConfig(projectDir string, mode string) *config.Config {
	cfg := config.Default()
	cfg.Session.Mode = mode
	cfg.Session.MaxSessions = 20
	cfg.Session.TimeoutMinutes = 0
	cfg.Paths.ProjectDir = projectDir
	cfg.Paths.StateDir = filepath.Join(projectDir, config.StateDirName)
	cfg.Stall.Enabled = false
	cfg.Recovery.Enabled = false
	return cfg
}

func seedStore(t *testing.T, projectDir string, ids ...string) string {
	t.Helper()
	items := make([]*backlog.WorkItem, len(ids))
	for i, id := range ids {
		items[i] = &backlog.WorkItem{
			ID:          id,
			Title:       "implement " + id,
			Description: "do the thing",
		}
	}
	path := filepath.Join(projectDir, backlog.GreenfieldStoreName)
	if _, err := backlog.CreateStore(path, items); err != nil {
		t.Fatalf("CreateStore() error = %v", err)
	}
	return path
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, git *fakeGit, sess *fakeSession) *Orchestrator {
	t.Helper()
	o, err := New(Options{
		Config:      cfg,
		Logger:      logging.NopLogger(),
		Executor:    sess,
		GitExecutor: git,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return o
}

func TestRunCompletesAllItems(t *testing.T) {
	projectDir := t.TempDir()
	cfg := testConfig(projectDir, "enhancement")
	storePath := seedStore(t, projectDir, "item-1", "item-2")

	git := newFakeGit()
	sess := &fakeSession{}
	sess.onExecute = func(prompt string) (*executor.Result, error) {
		markPromptedItemPassing(t, storePath, prompt)
		git.statusOutput = "?? src/feature.go\n"
		return &executor.Result{Status: executor.StatusComplete, ArtifactsChanged: true, Duration: time.Second}, nil
	}

	o := newTestOrchestrator(t, cfg, git, sess)
	outcome, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Status != StatusCompleted {
		t.Errorf("Status = %s (%s), want %s", outcome.Status, outcome.Reason, StatusCompleted)
	}
	if outcome.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", outcome.Iterations)
	}
	if o.State() != StateDone {
		t.Errorf("State = %s, want %s", o.State(), StateDone)
	}
	if git.commitCount != 2 {
		t.Errorf("commits = %d, want one checkpoint per session", git.commitCount)
	}
	if p := o.Progress(); p.Passing != 2 || p.Remaining != 0 {
		t.Errorf("Progress = %+v", p)
	}
}

func TestRunRetriesThenSkipsFailingItem(t *testing.T) {
	projectDir := t.TempDir()
	cfg := testConfig(projectDir, "enhancement")
	seedStore(t, projectDir, "item-1")

	git := newFakeGit()
	sess := &fakeSession{}
	sess.onExecute = func(prompt string) (*executor.Result, error) {
		// The session "works" but never verifies the item.
		return &executor.Result{Status: executor.StatusComplete, Duration: time.Second}, nil
	}

	o := newTestOrchestrator(t, cfg, git, sess)
	outcome, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Status != StatusCompleted {
		t.Errorf("Status = %s (%s), want completed via skip", outcome.Status, outcome.Reason)
	}
	if outcome.Iterations != cfg.Retry.MaxRetries {
		t.Errorf("Iterations = %d, want the retry cap %d", outcome.Iterations, cfg.Retry.MaxRetries)
	}
	if p := o.Progress(); p.Skipped != 1 || p.Passing != 0 {
		t.Errorf("Progress = %+v, want the item skipped", p)
	}
}

func TestRunSessionCapTimesOut(t *testing.T) {
	projectDir := t.TempDir()
	cfg := testConfig(projectDir, "enhancement")
	cfg.Session.MaxSessions = 2
	cfg.Retry.MaxRetries = 100
	seedStore(t, projectDir, "item-1")

	sess := &fakeSession{}
	sess.onExecute = func(prompt string) (*executor.Result, error) {
		return &executor.Result{Status: executor.StatusComplete, Duration: time.Second}, nil
	}

	o := newTestOrchestrator(t, cfg, newFakeGit(), sess)
	outcome, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Status != StatusTimedOut {
		t.Errorf("Status = %s, want %s", outcome.Status, StatusTimedOut)
	}
	if !strings.Contains(outcome.Reason, "session cap") {
		t.Errorf("Reason = %q, want session cap", outcome.Reason)
	}
	if outcome.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", outcome.Iterations)
	}
}

func TestRunGlobalTimeout(t *testing.T) {
	projectDir := t.TempDir()
	cfg := testConfig(projectDir, "enhancement")
	cfg.Session.TimeoutMinutes = 30
	cfg.Retry.MaxRetries = 100
	seedStore(t, projectDir, "item-1")

	// Each call moves the clock 20 minutes, so the second loop pass is
	// past the 30-minute budget.
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time {
		clock = clock.Add(20 * time.Minute)
		return clock
	}

	sess := &fakeSession{}
	sess.onExecute = func(prompt string) (*executor.Result, error) {
		return &executor.Result{Status: executor.StatusComplete, Duration: time.Second}, nil
	}

	o, err := New(Options{
		Config:      cfg,
		Logger:      logging.NopLogger(),
		Executor:    sess,
		GitExecutor: newFakeGit(),
		Clock:       now,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	outcome, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Status != StatusTimedOut {
		t.Errorf("Status = %s (%s), want %s", outcome.Status, outcome.Reason, StatusTimedOut)
	}
	if !strings.Contains(outcome.Reason, "timeout") {
		t.Errorf("Reason = %q, want global timeout", outcome.Reason)
	}
}

func TestRunLockPreventsConcurrentRuns(t *testing.T) {
	projectDir := t.TempDir()
	cfg := testConfig(projectDir, "enhancement")
	seedStore(t, projectDir, "item-1")

	stateDir := cfg.Paths.ResolveStateDir(projectDir)
	lock := storage.NewFileLock(stateDir)
	if err := lock.Lock(); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	defer lock.Unlock()

	sess := &fakeSession{}
	sess.onExecute = func(prompt string) (*executor.Result, error) {
		t.Fatal("executor ran despite held lock")
		return nil, nil
	}

	o := newTestOrchestrator(t, cfg, newFakeGit(), sess)
	outcome, err := o.Run(context.Background())
	if err == nil {
		t.Fatal("Run() succeeded with lock held, want error")
	}
	if !errors.Is(err, errors.ErrSessionLocked) {
		t.Errorf("error = %v, want ErrSessionLocked", err)
	}
	if outcome.Status != StatusFailed {
		t.Errorf("Status = %s, want %s", outcome.Status, StatusFailed)
	}
}

func TestGreenfieldInitializerCreatesStore(t *testing.T) {
	projectDir := t.TempDir()
	cfg := testConfig(projectDir, "greenfield")
	storePath := filepath.Join(projectDir, backlog.GreenfieldStoreName)

	git := newFakeGit()
	sess := &fakeSession{}
	sess.onExecute = func(prompt string) (*executor.Result, error) {
		if strings.Contains(prompt, "setting up a new project") {
			if _, err := backlog.CreateStore(storePath, []*backlog.WorkItem{
				{ID: "item-1", Title: "implement item-1"},
			}); err != nil {
				t.Fatalf("CreateStore() error = %v", err)
			}
			return &executor.Result{Status: executor.StatusComplete, Duration: time.Second}, nil
		}
		markPromptedItemPassing(t, storePath, prompt)
		return &executor.Result{Status: executor.StatusComplete, Duration: time.Second}, nil
	}

	o := newTestOrchestrator(t, cfg, git, sess)
	outcome, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Status != StatusCompleted {
		t.Errorf("Status = %s (%s), want %s", outcome.Status, outcome.Reason, StatusCompleted)
	}
	// One initializer session plus one coding session.
	if len(sess.prompts) != 2 {
		t.Errorf("executor ran %d sessions, want 2", len(sess.prompts))
	}
	if outcome.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1 coding iteration", outcome.Iterations)
	}
}

func TestInitializerFailureIsFatal(t *testing.T) {
	projectDir := t.TempDir()
	cfg := testConfig(projectDir, "greenfield")

	sess := &fakeSession{}
	sess.onExecute = func(prompt string) (*executor.Result, error) {
		return &executor.Result{Status: executor.StatusError, Duration: time.Second}, nil
	}

	o := newTestOrchestrator(t, cfg, newFakeGit(), sess)
	outcome, err := o.Run(context.Background())
	if err == nil {
		t.Fatal("Run() succeeded, want fatal initializer failure")
	}
	if !errors.Is(err, errors.ErrInitializationFailed) {
		t.Errorf("error = %v, want ErrInitializationFailed", err)
	}
	if outcome.Status != StatusFailed {
		t.Errorf("Status = %s, want %s", outcome.Status, StatusFailed)
	}
}

func TestDependencyOrderDrivesItemChoice(t *testing.T) {
	projectDir := t.TempDir()
	cfg := testConfig(projectDir, "enhancement")
	storePath := seedStore(t, projectDir, "item-a", "item-b")

	// item-a depends on item-b, so store order must be overridden.
	stateDir := cfg.Paths.ResolveStateDir(projectDir)
	graph := depgraph.New()
	graph.AddTask("item-a", "implement item-a", "")
	graph.AddTask("item-b", "implement item-b", "")
	if err := graph.AddDependency("item-a", "item-b"); err != nil {
		t.Fatalf("AddDependency() error = %v", err)
	}
	if err := graph.Save(filepath.Join(stateDir, "dependencies", depgraph.StateFileName)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	sess := &fakeSession{}
	sess.onExecute = func(prompt string) (*executor.Result, error) {
		markPromptedItemPassing(t, storePath, prompt)
		return &executor.Result{Status: executor.StatusComplete, Duration: time.Second}, nil
	}

	o := newTestOrchestrator(t, cfg, newFakeGit(), sess)
	outcome, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Status != StatusCompleted {
		t.Fatalf("Status = %s (%s), want %s", outcome.Status, outcome.Reason, StatusCompleted)
	}
	if len(sess.prompts) != 2 || !strings.Contains(sess.prompts[0], "item-b") {
		t.Errorf("first session worked on the blocked item:\n%s", sess.prompts[0])
	}
}

func TestRunInterrupted(t *testing.T) {
	projectDir := t.TempDir()
	cfg := testConfig(projectDir, "enhancement")
	cfg.Retry.MaxRetries = 100
	seedStore(t, projectDir, "item-1")

	ctx, cancel := context.WithCancel(context.Background())

	sess := &fakeSession{}
	sess.onExecute = func(prompt string) (*executor.Result, error) {
		cancel()
		return &executor.Result{Status: executor.StatusComplete, Duration: time.Second}, nil
	}

	o := newTestOrchestrator(t, cfg, newFakeGit(), sess)
	outcome, err := o.Run(ctx)
	if err == nil {
		t.Fatal("Run() succeeded after interrupt, want error")
	}
	if !errors.Is(err, errors.ErrCanceled) {
		t.Errorf("error = %v, want ErrCanceled", err)
	}
	if outcome.Status != StatusFailed {
		t.Errorf("Status = %s, want %s", outcome.Status, StatusFailed)
	}
}

func TestPromptCarriesProgressAndProtocol(t *testing.T) {
	projectDir := t.TempDir()
	cfg := testConfig(projectDir, "enhancement")
	storePath := seedStore(t, projectDir, "item-1", "item-2")

	sess := &fakeSession{}
	sess.onExecute = func(prompt string) (*executor.Result, error) {
		markPromptedItemPassing(t, storePath, prompt)
		return &executor.Result{Status: executor.StatusComplete, Duration: time.Second}, nil
	}

	o := newTestOrchestrator(t, cfg, newFakeGit(), sess)
	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	first := sess.prompts[0]
	if !strings.Contains(first, "0 of 2 work items passing") {
		t.Errorf("prompt missing progress snapshot:\n%s", first)
	}
	if !strings.Contains(first, storePath) {
		t.Errorf("prompt missing store path:\n%s", first)
	}
	second := sess.prompts[1]
	if !strings.Contains(second, "1 of 2 work items passing") {
		t.Errorf("second prompt has stale progress:\n%s", second)
	}
}

func TestRecoveryActionsRecorded(t *testing.T) {
	projectDir := t.TempDir()
	cfg := testConfig(projectDir, "enhancement")
	cfg.Recovery.Enabled = true
	cfg.Recovery.BackoffBaseSeconds = 1
	seedStore(t, projectDir, "item-1")

	sess := &fakeSession{}
	sess.onExecute = func(prompt string) (*executor.Result, error) {
		return &executor.Result{Status: executor.StatusComplete, Duration: time.Second}, nil
	}

	o := newTestOrchestrator(t, cfg, newFakeGit(), sess)
	outcome, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Status != StatusCompleted {
		t.Fatalf("Status = %s (%s), want completed via skip", outcome.Status, outcome.Reason)
	}

	// Failed iterations before the skip went through the recovery engine.
	actions := o.recov.Actions()
	if len(actions) == 0 {
		t.Fatal("no recovery actions recorded")
	}
	if actions[0].Failure.Type == "" || actions[0].Strategy == "" {
		t.Errorf("action not populated: %+v", actions[0])
	}
}
