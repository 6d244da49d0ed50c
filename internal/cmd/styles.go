package cmd

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Output styling for run summaries. Styles degrade to plain text when
// stdout is not a terminal.
var (
	styleTitle   = lipgloss.NewStyle().Bold(true)
	styleSuccess = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	styleWarning = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	styleFailure = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	styleLabel   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func stdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// render applies a style only when writing to a terminal.
func render(style lipgloss.Style, s string) string {
	if !stdoutIsTerminal() {
		return s
	}
	return style.Render(s)
}
