package checkpoint

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

// HistoryDirName is the checkpoint history directory inside the state
// directory. Each session gets its own file.
const HistoryDirName = "checkpoints"

// Checkpoint records one committed snapshot of the working tree.
type Checkpoint struct {
	CommitRef          string    `json:"commit_ref"`
	Timestamp          time.Time `json:"timestamp"`
	SessionID          string    `json:"session_id"`
	Iteration          int       `json:"iteration"`
	Message            string    `json:"message"`
	VerificationPassed bool      `json:"verification_passed"`
	FilesChanged       []string  `json:"files_changed"`
}

// SessionStats summarizes checkpoint activity for one session.
type SessionStats struct {
	Total       int     `json:"total"`
	Passed      int     `json:"passed"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

// Manager creates and restores checkpoints for one session. It is safe
// for concurrent use.
type Manager struct {
	mu        sync.Mutex
	git       *Git
	stateDir  string
	sessionID string
	history   []*Checkpoint
	logger    *logging.Logger
}

// NewManager creates a Manager for the repository at projectDir, storing
// history under stateDir. Existing history for the session is reloaded
// so a restarted process keeps its rollback targets.
func NewManager(projectDir, stateDir, sessionID string, logger *logging.Logger) (*Manager, error) {
	return NewManagerWithExecutor(projectDir, stateDir, sessionID, logger, NewCLICommandExecutor())
}

// NewManagerWithExecutor creates a Manager with a custom command
// executor. This is primarily useful for testing.
func NewManagerWithExecutor(projectDir, stateDir, sessionID string, logger *logging.Logger, executor CommandExecutor) (*Manager, error) {
	m := &Manager{
		git:       NewGitWithExecutor(projectDir, executor),
		stateDir:  stateDir,
		sessionID: sessionID,
		logger:    logger.WithComponent("checkpoint").WithSession(sessionID),
	}

	var history []*Checkpoint
	if err := storage.LoadJSON(m.historyPath(), &history); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "loading checkpoint history")
	}
	m.history = history

	return m, nil
}

// EnsureRepo makes sure the project directory is a git repository,
// initializing one with a local identity when it is not. Supports
// starting from an empty directory.
func (m *Manager) EnsureRepo() error {
	if m.git.IsRepository() {
		return nil
	}
	m.logger.Info("initializing git repository", "dir", m.git.Dir())
	return m.git.Init()
}

// CreateCheckpoint commits the current working tree as a checkpoint.
// Returns (nil, nil) when the tree is clean: a checkpoint with no changes
// carries no information, and calling again stays idempotent.
func (m *Manager) CreateCheckpoint(iteration int, verificationPassed bool, message string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.git.IsRepository() {
		return nil, errors.Wrap(errors.ErrNotGitRepository, m.git.Dir())
	}

	dirty, err := m.git.HasUncommittedChanges()
	if err != nil {
		return nil, err
	}
	if !dirty {
		m.logger.Debug("working tree clean, no checkpoint needed", "iteration", iteration)
		return nil, nil
	}

	files, err := m.git.ChangedFiles()
	if err != nil {
		return nil, err
	}

	status := "failed"
	if verificationPassed {
		status = "passed"
	}
	commitMsg := fmt.Sprintf("checkpoint: session=%s iteration=%d verification=%s",
		m.sessionID, iteration, status)
	if message != "" {
		commitMsg += "\n\n" + message
	}

	ref, err := m.git.CommitAll(commitMsg)
	if err != nil {
		if errors.Is(err, errors.ErrNothingToCommit) {
			return nil, nil
		}
		return nil, err
	}

	cp := &Checkpoint{
		CommitRef:          ref,
		Timestamp:          time.Now().UTC(),
		SessionID:          m.sessionID,
		Iteration:          iteration,
		Message:            message,
		VerificationPassed: verificationPassed,
		FilesChanged:       files,
	}
	m.history = append(m.history, cp)

	if err := m.saveHistory(); err != nil {
		return nil, err
	}

	m.logger.Info("checkpoint created",
		"commit", ref,
		"iteration", iteration,
		"verification_passed", verificationPassed,
		"files_changed", len(files))
	return cp, nil
}

// History returns the session's checkpoints, oldest first.
func (m *Manager) History() []*Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Checkpoint, len(m.history))
	copy(out, m.history)
	return out
}

// LastGoodCheckpoint returns the most recent checkpoint that passed
// verification, or ErrNoCheckpoint.
func (m *Manager) LastGoodCheckpoint() (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastGood()
}

func (m *Manager) lastGood() (*Checkpoint, error) {
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].VerificationPassed {
			return m.history[i], nil
		}
	}
	return nil, errors.ErrNoCheckpoint
}

// Rollback restores the working tree to the given checkpoint. A hard
// rollback discards everything after it; a soft rollback moves HEAD but
// keeps the accumulated diff staged for inspection.
func (m *Manager) Rollback(cp *Checkpoint, hard bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cp == nil {
		return errors.ErrNoCheckpoint
	}

	var err error
	if hard {
		err = m.git.ResetHard(cp.CommitRef)
	} else {
		err = m.git.ResetSoft(cp.CommitRef)
	}
	if err != nil {
		return err
	}

	m.logger.Warn("rolled back to checkpoint",
		"commit", cp.CommitRef,
		"iteration", cp.Iteration,
		"hard", hard)
	return nil
}

// AutoRollbackOnFailure hard-rolls back to the last good checkpoint once
// consecutiveFailures reaches threshold. Below the threshold, or when no
// good checkpoint exists, it does nothing and returns (nil, nil): an
// unavailable rollback target degrades to continuing from the current
// tree rather than failing the run.
func (m *Manager) AutoRollbackOnFailure(consecutiveFailures, threshold int) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if consecutiveFailures < threshold {
		return nil, nil
	}

	cp, err := m.lastGood()
	if err != nil {
		m.logger.Warn("auto-rollback skipped, no good checkpoint",
			"consecutive_failures", consecutiveFailures)
		return nil, nil
	}

	if err := m.git.ResetHard(cp.CommitRef); err != nil {
		return nil, err
	}

	m.logger.Warn("auto-rollback to last good checkpoint",
		"commit", cp.CommitRef,
		"iteration", cp.Iteration,
		"consecutive_failures", consecutiveFailures)
	return cp, nil
}

// Stats summarizes the session's checkpoints.
func (m *Manager) Stats() SessionStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := SessionStats{Total: len(m.history)}
	for _, cp := range m.history {
		if cp.VerificationPassed {
			stats.Passed++
		} else {
			stats.Failed++
		}
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Passed) / float64(stats.Total)
	}
	return stats
}

func (m *Manager) historyPath() string {
	return filepath.Join(m.stateDir, HistoryDirName, m.sessionID+".json")
}

// saveHistory writes history to disk. The caller must hold the mutex.
func (m *Manager) saveHistory() error {
	if err := storage.SaveJSON(m.historyPath(), m.history); err != nil {
		return errors.Wrap(err, "saving checkpoint history")
	}
	return nil
}
