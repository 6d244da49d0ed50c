package backlog

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/harness/internal/errors"
	"github.com/Iron-Ham/harness/internal/logging"
)

// Store file names per mode.
const (
	// GreenfieldStoreName lives at the project root so the initializer
	// session can create it.
	GreenfieldStoreName = "feature_list.json"
	// BacklogStoreName lives in the state directory and is fed by
	// external tooling.
	BacklogStoreName = "backlog.json"
)

// Mode selects which work source variant a run uses. The set is closed:
// a mode is chosen at startup and never probed for at runtime.
type Mode string

const (
	// ModeGreenfield builds a project from scratch; an initializer
	// session creates the work-item store.
	ModeGreenfield Mode = "greenfield"
	// ModeBacklog works through an externally maintained backlog.
	ModeBacklog Mode = "backlog"
	// ModeEnhancement extends an existing project; the store must
	// already exist and new items are appended to it.
	ModeEnhancement Mode = "enhancement"
)

// Source is the orchestrator's view of where work comes from.
type Source interface {
	// NextWork returns the next item to work on, or ErrNoWorkAvailable.
	NextWork() (*WorkItem, error)
	// Item returns a fresh read of one work item.
	Item(id string) (*WorkItem, error)
	// IsComplete reports whether no workable items remain.
	IsComplete() (bool, error)
	// MarkPassing records a verified item.
	MarkPassing(id string) error
	// MarkFailing records an item that needs more work.
	MarkFailing(id string) error
	// MarkSkipped abandons an item after exhausting retries.
	MarkSkipped(id string) error
	// Progress returns completion statistics.
	Progress() Progress
}

// Waiter is implemented by sources that can block until new work may have
// arrived from outside the process.
type Waiter interface {
	// WaitForWork blocks until the underlying store changes or ctx is
	// done. A nil return means the store changed and is worth re-checking.
	WaitForWork(ctx context.Context) error
}

// StorePath returns the work-item store location for a mode.
func StorePath(mode Mode, projectDir, stateDir string) string {
	if mode == ModeBacklog {
		return filepath.Join(stateDir, BacklogStoreName)
	}
	return filepath.Join(projectDir, GreenfieldStoreName)
}

// NewSource opens the work source for a mode. Greenfield tolerates a
// missing store (the initializer session creates it); backlog and
// enhancement require one to exist.
func NewSource(mode Mode, projectDir, stateDir string, logger *logging.Logger) (Source, error) {
	path := StorePath(mode, projectDir, stateDir)

	store, err := OpenStore(path)
	if err != nil {
		if mode == ModeGreenfield && errors.Is(err, errors.ErrStoreNotFound) {
			return &storeSource{path: path, logger: logger}, nil
		}
		return nil, err
	}

	switch mode {
	case ModeGreenfield, ModeEnhancement:
		return &storeSource{path: path, store: store, logger: logger}, nil
	case ModeBacklog:
		return &watchSource{
			storeSource: storeSource{path: path, store: store, logger: logger},
		}, nil
	default:
		return nil, errors.NewValidationError("unknown mode").WithField("mode").WithValue(string(mode))
	}
}

// storeSource serves work straight from the store in list order.
// Before the initializer session has created the store, every operation
// reports the store as missing.
type storeSource struct {
	path   string
	store  *Store
	logger *logging.Logger
}

func (s *storeSource) ready() error {
	if s.store != nil {
		return nil
	}
	// The initializer may have created the store since we were opened.
	store, err := OpenStore(s.path)
	if err != nil {
		return err
	}
	s.store = store
	return nil
}

func (s *storeSource) NextWork() (*WorkItem, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if err := s.store.Reload(); err != nil {
		return nil, err
	}
	return s.store.NextPending()
}

func (s *storeSource) Item(id string) (*WorkItem, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if err := s.store.Reload(); err != nil {
		return nil, err
	}
	return s.store.Item(id)
}

func (s *storeSource) IsComplete() (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	if err := s.store.Reload(); err != nil {
		return false, err
	}
	return s.store.Progress().Complete(), nil
}

func (s *storeSource) MarkPassing(id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.logger.Info("work item passing", "item_id", id)
	return s.store.MarkPassing(id)
}

func (s *storeSource) MarkFailing(id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.logger.Info("work item failing", "item_id", id)
	return s.store.MarkFailing(id)
}

func (s *storeSource) MarkSkipped(id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.logger.Warn("work item skipped", "item_id", id)
	return s.store.MarkSkipped(id)
}

func (s *storeSource) Progress() Progress {
	if err := s.ready(); err != nil {
		return Progress{}
	}
	return s.store.Progress()
}

var _ Source = (*storeSource)(nil)

// watchSource adds idle waiting for backlog mode: when the backlog is
// drained the run can block on filesystem events instead of polling,
// waking when external tooling appends items.
type watchSource struct {
	storeSource
}

func (s *watchSource) WaitForWork(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating store watcher")
	}
	defer watcher.Close()

	// Watch the directory, not the file: atomic renames replace the
	// file inode and a file-level watch would go stale.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return errors.Wrap(err, "watching store directory")
	}

	s.logger.Info("backlog drained, waiting for new work", "store", s.path)

	target := filepath.Base(s.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("store watcher closed")
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				s.logger.Debug("store changed on disk", "op", event.Op.String())
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("store watcher closed")
			}
			return errors.Wrap(err, "watching store")
		}
	}
}

var _ Waiter = (*watchSource)(nil)
