// Package depgraph maintains the dependency relationships between work
// items. Ready/blocked status is derived from the graph; ordering comes
// from a topological sort over incomplete tasks, and cycles are surfaced
// as errors rather than silently broken.
package depgraph

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/harness/internal/errors"
)

// TaskNode is one work item's place in the dependency graph.
type TaskNode struct {
	TaskID      string    `json:"task_id"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"created_at"`

	// Dependencies is the full set of task IDs this task depends on.
	// It only ever grows.
	Dependencies []string `json:"dependencies"`
	// BlockedBy is the subset of Dependencies not yet completed.
	// It only ever shrinks.
	BlockedBy []string `json:"blocked_by"`
}

// CycleError reports a dependency cycle among incomplete tasks.
// Remaining lists the tasks that could not be ordered.
type CycleError struct {
	Remaining []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle among %d tasks: %v", len(e.Remaining), e.Remaining)
}

// Is matches the ErrCycleDetected sentinel.
func (e *CycleError) Is(target error) bool {
	return target == errors.ErrCycleDetected
}

// Graph tracks task dependencies. It is safe for concurrent use.
type Graph struct {
	mu    sync.Mutex
	nodes map[string]*TaskNode
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]*TaskNode)}
}

// AddTask registers a task. Adding an existing ID updates its title and
// description but never discards recorded dependencies.
func (g *Graph) AddTask(id, title, description string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if node, ok := g.nodes[id]; ok {
		node.Title = title
		node.Description = description
		return
	}

	g.nodes[id] = &TaskNode{
		TaskID:       id,
		Title:        title,
		Description:  description,
		CreatedAt:    time.Now().UTC(),
		Dependencies: []string{},
		BlockedBy:    []string{},
	}
}

// AddDependency records that task depends on dependsOn. Both tasks must
// exist. Self-dependencies are rejected; duplicates are ignored.
func (g *Graph) AddDependency(task, dependsOn string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if task == dependsOn {
		return errors.NewValidationError("task cannot depend on itself").WithField("task").WithValue(task)
	}

	node, ok := g.nodes[task]
	if !ok {
		return errors.Wrap(errors.ErrTaskNotFound, task)
	}
	dep, ok := g.nodes[dependsOn]
	if !ok {
		return errors.Wrap(errors.ErrTaskNotFound, dependsOn)
	}

	if contains(node.Dependencies, dependsOn) {
		return nil
	}

	node.Dependencies = append(node.Dependencies, dependsOn)
	if !dep.Completed {
		node.BlockedBy = append(node.BlockedBy, dependsOn)
	}
	return nil
}

// MarkCompleted records task as done and unblocks its dependents.
func (g *Graph) MarkCompleted(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[id]
	if !ok {
		return errors.Wrap(errors.ErrTaskNotFound, id)
	}
	node.Completed = true

	for _, other := range g.nodes {
		other.BlockedBy = remove(other.BlockedBy, id)
	}
	return nil
}

// Task returns a copy of the node for id.
func (g *Graph) Task(id string) (*TaskNode, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[id]
	if !ok {
		return nil, errors.Wrap(errors.ErrTaskNotFound, id)
	}
	copied := *node
	copied.Dependencies = append([]string{}, node.Dependencies...)
	copied.BlockedBy = append([]string{}, node.BlockedBy...)
	return &copied, nil
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

// ReadyTasks returns incomplete tasks with no incomplete dependencies,
// sorted by ID for deterministic selection.
func (g *Graph) ReadyTasks() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ready []string
	for id, node := range g.nodes {
		if !node.Completed && len(node.BlockedBy) == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// BlockedTasks returns incomplete tasks still waiting on dependencies,
// sorted by ID.
func (g *Graph) BlockedTasks() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var blocked []string
	for id, node := range g.nodes {
		if !node.Completed && len(node.BlockedBy) > 0 {
			blocked = append(blocked, id)
		}
	}
	sort.Strings(blocked)
	return blocked
}

// TopologicalOrder returns every incomplete task in dependency order
// using Kahn's algorithm. Completed tasks are treated as satisfied.
// If a cycle prevents a full ordering, a CycleError listing the
// unorderable tasks is returned.
func (g *Graph) TopologicalOrder() ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// In-degree counts only incomplete dependencies.
	indegree := make(map[string]int)
	dependents := make(map[string][]string)
	for id, node := range g.nodes {
		if node.Completed {
			continue
		}
		indegree[id] = 0
		for _, dep := range node.Dependencies {
			if depNode, ok := g.nodes[dep]; ok && !depNode.Completed {
				indegree[id]++
				dependents[dep] = append(dependents[dep], id)
			}
		}
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		var freed []string
		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				freed = append(freed, dependent)
			}
		}
		sort.Strings(freed)
		queue = append(queue, freed...)
	}

	if len(order) < len(indegree) {
		var remaining []string
		seen := make(map[string]bool, len(order))
		for _, id := range order {
			seen[id] = true
		}
		for id := range indegree {
			if !seen[id] {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		return nil, &CycleError{Remaining: remaining}
	}

	return order, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func remove(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
