package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/harness/internal/backlog"
	"github.com/Iron-Ham/harness/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show work-item progress for the current project",
	RunE:  runStatus,
}

var statusAll bool

func init() {
	statusCmd.Flags().BoolVar(&statusAll, "all", false, "list every work item, not just pending ones")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}
	projectDir := cfg.Paths.ResolveProjectDir(cwd)
	stateDir := cfg.Paths.ResolveStateDir(cwd)

	path := backlog.StorePath(backlog.Mode(cfg.Session.Mode), projectDir, stateDir)
	store, err := backlog.OpenStore(path)
	if err != nil {
		fmt.Printf("No work-item store at %s\n", path)
		return nil
	}

	p := store.Progress()
	fmt.Println()
	fmt.Println(render(styleTitle, "WORK ITEMS"))
	fmt.Println(strings.Repeat("─", 50))
	fmt.Printf("%s %d/%d passing, %d skipped, %d remaining\n\n",
		render(styleLabel, "Progress:"), p.Passing, p.Total, p.Skipped, p.Remaining)

	for _, item := range store.Items() {
		if !statusAll && item.Done() {
			continue
		}
		marker := render(styleLabel, "[ ]")
		switch {
		case item.Passes:
			marker = render(styleSuccess, "[x]")
		case item.Skipped:
			marker = render(styleWarning, "[s]")
		}
		fmt.Printf("%s %s  %s\n", marker, item.ID, item.Title)
	}
	return nil
}
