package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/harness/internal/config"
	"github.com/Iron-Ham/harness/internal/logging"
	"github.com/Iron-Ham/harness/internal/pattern"
	"github.com/Iron-Ham/harness/internal/recovery"
	"github.com/Iron-Ham/harness/internal/telemetry"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show learned patterns, telemetry, and recovery statistics",
	Long: `Display the analytics derived from this project's harness state:
learned error patterns, telemetry event counts and fired triggers, and
recovery strategy outcomes. All of it is read-only views over the state
directory; nothing is modified.`,
	RunE: runStats,
}

var statsJSON bool

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Output statistics as JSON")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}
	stateDir := cfg.Paths.ResolveStateDir(cwd)

	db, err := pattern.Open(filepath.Join(stateDir, "intelligence", pattern.StateFileName), cfg.Patterns.DecayFactor)
	if err != nil {
		return fmt.Errorf("failed to open pattern store: %w", err)
	}

	loop, err := telemetry.NewLoop(filepath.Join(stateDir, "telemetry"), telemetry.Config{
		WindowSize: cfg.Telemetry.WindowSize,
		Cooldown:   cfg.Telemetry.TriggerCooldown(),
	}, logging.NopLogger())
	if err != nil {
		return fmt.Errorf("failed to open telemetry log: %w", err)
	}

	engine, err := recovery.NewEngine(filepath.Join(stateDir, "recovery"), recovery.Config{}, logging.NopLogger())
	if err != nil {
		return fmt.Errorf("failed to open recovery log: %w", err)
	}

	if statsJSON {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"patterns":  db.Stats(),
			"telemetry": loop.Stats(),
			"recovery":  engine.Stats(),
		})
	}

	ps := db.Stats()
	fmt.Println()
	fmt.Println(render(styleTitle, "LEARNED PATTERNS"))
	fmt.Println(strings.Repeat("─", 50))
	fmt.Printf("Patterns: %d (%d occurrences, %d resolutions)\n",
		ps.TotalPatterns, ps.TotalOccurrences, ps.TotalResolutions)
	for _, p := range db.Relevant(5, 0) {
		fmt.Printf("  [%s] %s (seen %dx, relevance %.2f)\n",
			p.ErrorType, p.Signature, p.OccurrenceCount, p.RelevanceScore)
	}

	ts := loop.Stats()
	fmt.Println()
	fmt.Println(render(styleTitle, "TELEMETRY"))
	fmt.Println(strings.Repeat("─", 50))
	fmt.Printf("Events in window: %d, triggers fired: %d\n", ts.TotalEvents, ts.TotalTriggers)
	for eventType, n := range ts.EventCounts {
		fmt.Printf("  %s: %d\n", eventType, n)
	}

	rs := engine.Stats()
	fmt.Println()
	fmt.Println(render(styleTitle, "RECOVERY"))
	fmt.Println(strings.Repeat("─", 50))
	fmt.Printf("Actions: %d (%d succeeded)\n", rs.TotalActions, rs.Succeeded)
	for strategy, n := range rs.StrategyCount {
		fmt.Printf("  %s: %d\n", strategy, n)
	}
	return nil
}
