package backlog

import (
	"os"
	"sync"
	"time"

	"github.com/Iron-Ham/harness/internal/errors"
	"github.com/Iron-Ham/harness/internal/storage"
)

// Store is the persistent work-item list. All mutations write through to
// disk atomically so a crash never loses an item or records a half-updated
// state. Items keep their insertion order forever.
type Store struct {
	mu    sync.Mutex
	path  string
	items []*WorkItem
}

// OpenStore loads the store at path. Returns ErrStoreNotFound when the
// file does not exist.
func OpenStore(path string) (*Store, error) {
	var items []*WorkItem
	if err := storage.LoadJSON(path, &items); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(errors.ErrStoreNotFound, path)
		}
		return nil, errors.Wrap(err, "loading work-item store")
	}

	return &Store{path: path, items: items}, nil
}

// CreateStore writes a new store at path with the given items.
// An existing store is never overwritten.
func CreateStore(path string, items []*WorkItem) (*Store, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, errors.NewValidationError("store already exists").WithField("path").WithValue(path)
	}

	s := &Store{path: path, items: items}
	if err := s.save(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the location of the backing file.
func (s *Store) Path() string {
	return s.path
}

// Reload re-reads the backing file, picking up external edits.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []*WorkItem
	if err := storage.LoadJSON(s.path, &items); err != nil {
		return errors.Wrap(err, "reloading work-item store")
	}
	s.items = items
	return nil
}

// Items returns a copy of the item list in store order.
func (s *Store) Items() []*WorkItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*WorkItem, len(s.items))
	for i, item := range s.items {
		copied := *item
		out[i] = &copied
	}
	return out
}

// Item returns the item with the given ID.
func (s *Store) Item(id string) (*WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.find(id)
	if item == nil {
		return nil, errors.NewNotFoundError("work item", id)
	}
	copied := *item
	return &copied, nil
}

// NextPending returns the first item in store order that still needs work.
// Returns ErrNoWorkAvailable when every item is done.
func (s *Store) NextPending() (*WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range s.items {
		if !item.Done() {
			copied := *item
			return &copied, nil
		}
	}
	return nil, errors.ErrNoWorkAvailable
}

// MarkPassing records that the item was implemented and verified.
func (s *Store) MarkPassing(id string) error {
	return s.update(id, func(item *WorkItem) {
		item.Passes = true
		item.Skipped = false
	})
}

// MarkFailing records that the item needs further work.
func (s *Store) MarkFailing(id string) error {
	return s.update(id, func(item *WorkItem) {
		item.Passes = false
	})
}

// MarkSkipped records that the item was abandoned after exhausting
// retries. The run continues past it.
func (s *Store) MarkSkipped(id string) error {
	return s.update(id, func(item *WorkItem) {
		item.Skipped = true
	})
}

// Append adds new items to the end of the store.
func (s *Store) Append(items ...*WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range items {
		if s.find(item.ID) != nil {
			return errors.NewValidationError("duplicate work item").WithField("id").WithValue(item.ID)
		}
	}
	s.items = append(s.items, items...)
	return s.save()
}

// Progress returns completion statistics for the store.
func (s *Store) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := Progress{Total: len(s.items)}
	for _, item := range s.items {
		switch {
		case item.Passes:
			p.Passing++
		case item.Skipped:
			p.Skipped++
		default:
			p.Remaining++
		}
	}
	return p
}

func (s *Store) find(id string) *WorkItem {
	for _, item := range s.items {
		if item.ID == id {
			return item
		}
	}
	return nil
}

func (s *Store) update(id string, mutate func(*WorkItem)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.find(id)
	if item == nil {
		return errors.NewNotFoundError("work item", id)
	}

	mutate(item)
	item.UpdatedAt = time.Now().UTC()
	return s.save()
}

// save writes the item list to disk. The caller must hold the mutex.
func (s *Store) save() error {
	if err := storage.SaveJSON(s.path, s.items); err != nil {
		return errors.Wrap(err, "saving work-item store")
	}
	return nil
}
