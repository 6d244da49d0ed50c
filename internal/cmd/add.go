package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/harness/internal/backlog"
	"github.com/Iron-Ham/harness/internal/config"
	"github.com/Iron-Ham/harness/internal/depgraph"
	"github.com/Iron-Ham/harness/internal/errors"
)

var addCmd = &cobra.Command{
	Use:   "add <id> <title>",
	Short: "Append a work item to the project's work-item store",
	Long: `Append a new work item. In backlog mode a running harness that is idle
waiting for work picks the item up automatically.

With --depends-on the item is also recorded in the dependency graph, and
the orchestrator will not schedule it until its dependencies pass.`,
	Args: cobra.ExactArgs(2),
	RunE: runAdd,
}

var (
	addDescription string
	addCategory    string
	addTestSteps   []string
	addDependsOn   []string
)

func init() {
	addCmd.Flags().StringVar(&addDescription, "description", "", "longer item description")
	addCmd.Flags().StringVar(&addCategory, "category", "", "item category")
	addCmd.Flags().StringArrayVar(&addTestSteps, "test-step", nil, "verification step (repeatable)")
	addCmd.Flags().StringArrayVar(&addDependsOn, "depends-on", nil, "ID of an existing item this one depends on (repeatable)")
	rootCmd.AddCommand(addCmd)
}

func runAdd(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}
	projectDir := cfg.Paths.ResolveProjectDir(cwd)
	stateDir := cfg.Paths.ResolveStateDir(cwd)
	path := backlog.StorePath(backlog.Mode(cfg.Session.Mode), projectDir, stateDir)

	item := &backlog.WorkItem{
		ID:          args[0],
		Title:       args[1],
		Description: addDescription,
		Category:    addCategory,
		TestSteps:   addTestSteps,
	}

	store, err := backlog.OpenStore(path)
	if errors.Is(err, errors.ErrStoreNotFound) {
		store, err = backlog.CreateStore(path, nil)
	}
	if err != nil {
		return err
	}

	if err := store.Append(item); err != nil {
		return err
	}
	fmt.Printf("Added %s to %s\n", item.ID, path)

	graphPath := filepath.Join(stateDir, "dependencies", depgraph.StateFileName)
	graph, err := depgraph.Load(graphPath)
	if err != nil {
		return err
	}
	graph.AddTask(item.ID, item.Title, item.Description)

	if len(addDependsOn) > 0 {
		if err := wireDependencies(graph, store, item.ID, addDependsOn); err != nil {
			return err
		}
		if err := graph.Save(graphPath); err != nil {
			return err
		}
		fmt.Printf("Blocked until %s passes\n", strings.Join(addDependsOn, ", "))
		return nil
	}

	// Without explicit edges, inferred dependencies are a suggestion
	// only; heuristic text matches are never wired automatically.
	if inferred := graph.InferDependencies(item.ID); len(inferred) > 0 {
		fmt.Printf("Possible dependencies (not wired, use --depends-on): %s\n",
			strings.Join(inferred, ", "))
	}
	return nil
}

// wireDependencies records the new item's edges in the graph. Every
// dependency must already exist in the store, and a graph the scheduler
// could never order is rejected rather than saved.
func wireDependencies(graph *depgraph.Graph, store *backlog.Store, id string, deps []string) error {
	for _, dep := range deps {
		target, err := store.Item(dep)
		if err != nil {
			return fmt.Errorf("unknown dependency %q: %w", dep, err)
		}
		graph.AddTask(target.ID, target.Title, target.Description)
		if target.Done() {
			if err := graph.MarkCompleted(target.ID); err != nil {
				return err
			}
		}
		if err := graph.AddDependency(id, dep); err != nil {
			return err
		}
	}

	if _, err := graph.TopologicalOrder(); err != nil {
		return err
	}
	return nil
}
