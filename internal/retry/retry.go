// Package retry tracks per-item attempt counts across sessions and
// enforces the retry cap. State survives crashes so a restarted run does
// not forget how many times an item has already failed.
package retry

import (
	"os"
	"sync"
	"time"

	"github.com/Iron-Ham/harness/internal/errors"
	"github.com/Iron-Ham/harness/internal/storage"
)

// DefaultMaxRetries is the per-item retry cap.
const DefaultMaxRetries = 3

// StateFileName is the retry state file inside the state directory.
const StateFileName = "retry_state.json"

// attemptRecord tracks one item's failures.
type attemptRecord struct {
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt"`
	LastError   string    `json:"last_error,omitempty"`
}

// Manager enforces the retry cap per work item. All mutations write
// through to disk. It is safe for concurrent use.
type Manager struct {
	mu         sync.Mutex
	path       string
	maxRetries int
	records    map[string]*attemptRecord
}

// NewManager loads retry state from path, creating empty state if the
// file does not exist. maxRetries <= 0 selects DefaultMaxRetries.
func NewManager(path string, maxRetries int) (*Manager, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	records := make(map[string]*attemptRecord)
	if err := storage.LoadJSON(path, &records); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "loading retry state")
	}

	return &Manager{
		path:       path,
		maxRetries: maxRetries,
		records:    records,
	}, nil
}

// MaxRetries returns the configured cap.
func (m *Manager) MaxRetries() int {
	return m.maxRetries
}

// CanRetry reports whether the item is still under its retry cap.
func (m *Manager) CanRetry(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts(id) < m.maxRetries
}

// Attempts returns how many failed attempts the item has accumulated.
func (m *Manager) Attempts(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts(id)
}

// RecordAttempt increments the item's failure count. Returns
// ErrRetriesExhausted once the cap is reached; the caller decides what
// exhaustion means (skip, recover, abort).
func (m *Manager) RecordAttempt(id string, failure error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		rec = &attemptRecord{}
		m.records[id] = rec
	}
	rec.Attempts++
	rec.LastAttempt = time.Now().UTC()
	if failure != nil {
		rec.LastError = failure.Error()
	}

	if err := m.save(); err != nil {
		return err
	}

	if rec.Attempts >= m.maxRetries {
		return errors.Wrap(errors.ErrRetriesExhausted, id)
	}
	return nil
}

// Reset clears the item's attempt count, typically after a success.
func (m *Manager) Reset(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[id]; !ok {
		return nil
	}
	delete(m.records, id)
	return m.save()
}

// Exhausted returns the IDs of all items at or over the cap.
func (m *Manager) Exhausted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for id, rec := range m.records {
		if rec.Attempts >= m.maxRetries {
			out = append(out, id)
		}
	}
	return out
}

func (m *Manager) attempts(id string) int {
	if rec, ok := m.records[id]; ok {
		return rec.Attempts
	}
	return 0
}

// save writes state to disk. The caller must hold the mutex.
func (m *Manager) save() error {
	if err := storage.SaveJSON(m.path, m.records); err != nil {
		return errors.Wrap(err, "saving retry state")
	}
	return nil
}
