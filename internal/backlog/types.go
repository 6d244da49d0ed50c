// Package backlog tracks the work items a harness run makes progress
// against: a flat, ordered list of independently verifiable features
// persisted as JSON next to the project.
package backlog

import "time"

// WorkItem is a single unit of deliverable work. Items are never deleted
// or reordered; completion is tracked by flipping Passes.
type WorkItem struct {
	// ID is the stable identifier, unique within the store.
	ID string `json:"id"`
	// Title is a short human-readable summary.
	Title string `json:"title"`
	// Description is the full statement of what to build.
	Description string `json:"description"`
	// Category groups related items ("functional", "style", etc.).
	Category string `json:"category,omitempty"`
	// TestSteps describe how to verify the item end to end.
	TestSteps []string `json:"test_steps,omitempty"`
	// Passes is true once the item has been implemented and verified.
	Passes bool `json:"passes"`
	// Skipped is true when the item was abandoned after exhausting
	// retries. Skipped items count as done for completion purposes but
	// are reported separately.
	Skipped bool `json:"skipped,omitempty"`
	// UpdatedAt is when the item last changed state.
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Done reports whether the item no longer needs work.
func (w *WorkItem) Done() bool {
	return w.Passes || w.Skipped
}

// Progress is a snapshot of how far along the run is.
type Progress struct {
	Total     int `json:"total"`
	Passing   int `json:"passing"`
	Skipped   int `json:"skipped"`
	Remaining int `json:"remaining"`
}

// Complete reports whether no workable items remain. An empty set is
// vacuously complete; callers that need work to exist check Total.
func (p Progress) Complete() bool {
	return p.Remaining == 0
}
