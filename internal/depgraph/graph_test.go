package depgraph

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/Iron-Ham/harness/internal/errors"
)

func buildChain(t *testing.T) *Graph {
	t.Helper()
	g := New()
	g.AddTask("a", "Task A", "")
	g.AddTask("b", "Task B", "")
	g.AddTask("c", "Task C", "")
	if err := g.AddDependency("b", "a"); err != nil {
		t.Fatalf("AddDependency(b, a) error = %v", err)
	}
	if err := g.AddDependency("c", "b"); err != nil {
		t.Fatalf("AddDependency(c, b) error = %v", err)
	}
	return g
}

func TestAddTaskIdempotent(t *testing.T) {
	g := New()
	g.AddTask("a", "Task A", "first")
	g.AddTask("b", "Task B", "")
	g.AddDependency("a", "b")

	// Re-adding updates metadata but keeps dependencies.
	g.AddTask("a", "Task A v2", "second")

	node, err := g.Task("a")
	if err != nil {
		t.Fatalf("Task() error = %v", err)
	}
	if node.Title != "Task A v2" {
		t.Errorf("Title = %q, want updated title", node.Title)
	}
	if len(node.Dependencies) != 1 {
		t.Errorf("Dependencies = %v, want preserved", node.Dependencies)
	}
}

func TestAddDependencyValidation(t *testing.T) {
	g := New()
	g.AddTask("a", "", "")

	if err := g.AddDependency("a", "a"); err == nil {
		t.Error("self-dependency accepted, want error")
	}
	if err := g.AddDependency("a", "ghost"); !errors.Is(err, errors.ErrTaskNotFound) {
		t.Errorf("AddDependency(a, ghost) error = %v, want ErrTaskNotFound", err)
	}
	if err := g.AddDependency("ghost", "a"); !errors.Is(err, errors.ErrTaskNotFound) {
		t.Errorf("AddDependency(ghost, a) error = %v, want ErrTaskNotFound", err)
	}
}

func TestAddDependencyDuplicate(t *testing.T) {
	g := New()
	g.AddTask("a", "", "")
	g.AddTask("b", "", "")

	g.AddDependency("b", "a")
	g.AddDependency("b", "a")

	node, _ := g.Task("b")
	if len(node.Dependencies) != 1 || len(node.BlockedBy) != 1 {
		t.Errorf("duplicate dependency recorded twice: deps=%v blocked=%v",
			node.Dependencies, node.BlockedBy)
	}
}

func TestDependencyOnCompletedTaskDoesNotBlock(t *testing.T) {
	g := New()
	g.AddTask("a", "", "")
	g.AddTask("b", "", "")
	g.MarkCompleted("a")

	g.AddDependency("b", "a")

	node, _ := g.Task("b")
	if len(node.BlockedBy) != 0 {
		t.Errorf("BlockedBy = %v, want empty for completed dependency", node.BlockedBy)
	}
	if len(node.Dependencies) != 1 {
		t.Errorf("Dependencies = %v, want the edge recorded", node.Dependencies)
	}
}

func TestReadyAndBlocked(t *testing.T) {
	g := buildChain(t)

	if got := g.ReadyTasks(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("ReadyTasks() = %v, want [a]", got)
	}
	if got := g.BlockedTasks(); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Errorf("BlockedTasks() = %v, want [b c]", got)
	}
}

func TestMarkCompletedUnblocksDependents(t *testing.T) {
	g := buildChain(t)

	if err := g.MarkCompleted("a"); err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}

	if got := g.ReadyTasks(); !reflect.DeepEqual(got, []string{"b"}) {
		t.Errorf("ReadyTasks() = %v, want [b]", got)
	}

	// BlockedBy shrinks monotonically.
	node, _ := g.Task("b")
	if len(node.BlockedBy) != 0 {
		t.Errorf("BlockedBy = %v, want empty after dependency completes", node.BlockedBy)
	}
	if len(node.Dependencies) != 1 {
		t.Errorf("Dependencies = %v, want unchanged", node.Dependencies)
	}
}

func TestMarkCompletedUnknownTask(t *testing.T) {
	g := New()
	if err := g.MarkCompleted("ghost"); !errors.Is(err, errors.ErrTaskNotFound) {
		t.Errorf("MarkCompleted(ghost) error = %v, want ErrTaskNotFound", err)
	}
}

func TestTopologicalOrderChain(t *testing.T) {
	g := buildChain(t)

	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatalf("TopologicalOrder() error = %v", err)
	}
	if !reflect.DeepEqual(order, []string{"a", "b", "c"}) {
		t.Errorf("TopologicalOrder() = %v, want [a b c]", order)
	}
}

func TestTopologicalOrderSkipsCompleted(t *testing.T) {
	g := buildChain(t)
	g.MarkCompleted("a")

	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatalf("TopologicalOrder() error = %v", err)
	}
	if !reflect.DeepEqual(order, []string{"b", "c"}) {
		t.Errorf("TopologicalOrder() = %v, want [b c]", order)
	}
}

func TestTopologicalOrderDeterministic(t *testing.T) {
	g := New()
	for _, id := range []string{"z", "m", "a"} {
		g.AddTask(id, "", "")
	}

	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatalf("TopologicalOrder() error = %v", err)
	}
	if !reflect.DeepEqual(order, []string{"a", "m", "z"}) {
		t.Errorf("TopologicalOrder() = %v, want sorted [a m z]", order)
	}
}

func TestTopologicalOrderCycle(t *testing.T) {
	g := New()
	g.AddTask("a", "", "")
	g.AddTask("b", "", "")
	g.AddTask("free", "", "")
	g.AddDependency("a", "b")
	g.AddDependency("b", "a")

	_, err := g.TopologicalOrder()
	if err == nil {
		t.Fatal("TopologicalOrder() succeeded with a cycle, want error")
	}
	if !errors.Is(err, errors.ErrCycleDetected) {
		t.Errorf("error = %v, want ErrCycleDetected match", err)
	}

	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("error = %T, want *CycleError", err)
	}
	if !reflect.DeepEqual(cycleErr.Remaining, []string{"a", "b"}) {
		t.Errorf("Remaining = %v, want [a b]", cycleErr.Remaining)
	}
}

func TestCycleThroughCompletedTaskIsBroken(t *testing.T) {
	g := New()
	g.AddTask("a", "", "")
	g.AddTask("b", "", "")
	g.AddDependency("a", "b")
	g.AddDependency("b", "a")
	g.MarkCompleted("a")

	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatalf("TopologicalOrder() error = %v, completed task should break the cycle", err)
	}
	if !reflect.DeepEqual(order, []string{"b"}) {
		t.Errorf("TopologicalOrder() = %v, want [b]", order)
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.json")

	g := buildChain(t)
	g.MarkCompleted("a")
	if err := g.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.Len() != 3 {
		t.Fatalf("loaded %d nodes, want 3", loaded.Len())
	}
	if got := loaded.ReadyTasks(); !reflect.DeepEqual(got, []string{"b"}) {
		t.Errorf("ReadyTasks() after load = %v, want [b]", got)
	}

	node, err := loaded.Task("a")
	if err != nil {
		t.Fatalf("Task(a) error = %v", err)
	}
	if !node.Completed {
		t.Error("task a lost Completed flag across save/load")
	}
}

func TestLoadMissingFileGivesEmptyGraph(t *testing.T) {
	g, err := Load(filepath.Join(t.TempDir(), "graph.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if g.Len() != 0 {
		t.Errorf("Len() = %d, want 0", g.Len())
	}
}

func TestInferDependencies(t *testing.T) {
	g := New()
	g.AddTask("feature-1", "Auth", "Implement user login")
	g.AddTask("feature-2", "Profile", "Profile page, depends on feature-1")
	g.AddTask("feature-3", "Export", "CSV export, requires feature-2 and builds on feature-1")
	g.AddTask("feature-4", "Standalone", "Nothing related")

	tests := []struct {
		id   string
		want []string
	}{
		{"feature-2", []string{"feature-1"}},
		{"feature-3", []string{"feature-1", "feature-2"}},
		{"feature-4", nil},
		{"ghost", nil},
	}

	for _, tt := range tests {
		got := g.InferDependencies(tt.id)
		if len(got) == 0 && len(tt.want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("InferDependencies(%s) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestInferDependenciesDoesNotMutateGraph(t *testing.T) {
	g := New()
	g.AddTask("feature-1", "Auth", "")
	g.AddTask("feature-2", "Profile", "depends on feature-1")

	g.InferDependencies("feature-2")

	node, _ := g.Task("feature-2")
	if len(node.Dependencies) != 0 {
		t.Errorf("Dependencies = %v, inference must not wire edges", node.Dependencies)
	}
}
