package orchestrator

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/harness/internal/backlog"
)

// Prompt composition. Every session is stateless, so each prompt must
// carry the full working context: where the work list lives, what has
// been done, and what to do next.

// initializerPrompt asks the agent to scaffold the project and produce
// the work-item store the coding loop iterates over.
func (o *Orchestrator) initializerPrompt() string {
	storePath := backlog.StorePath(backlog.Mode(o.cfg.Session.Mode), o.projectDir, o.stateDir)

	var sb strings.Builder
	sb.WriteString("You are setting up a new project from scratch.\n\n")
	sb.WriteString("1. Read the project requirements in this directory.\n")
	sb.WriteString("2. Create the initial project scaffolding (build files, directory layout, tooling).\n")
	fmt.Fprintf(&sb, "3. Write a work-item list to %s as a JSON array. Each item needs:\n", storePath)
	sb.WriteString("   id, title, description, category, test_steps (array), passes (false), skipped (false).\n")
	sb.WriteString("4. Break the work into small, independently verifiable items.\n\n")
	sb.WriteString("Do not implement features yet. Do not run git commands; commits are handled for you.\n")
	return sb.String()
}

// codingPrompt composes the prompt for one work item: a progress
// snapshot so the agent knows where the project stands, then the item
// itself and the completion protocol.
func (o *Orchestrator) codingPrompt(item *backlog.WorkItem) string {
	p := o.source.Progress()
	storePath := backlog.StorePath(backlog.Mode(o.cfg.Session.Mode), o.projectDir, o.stateDir)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Project progress: %d of %d work items passing (%d skipped, %d remaining).\n\n",
		p.Passing, p.Total, p.Skipped, p.Remaining)

	fmt.Fprintf(&sb, "Your task is work item %s: %s\n\n", item.ID, item.Title)
	if item.Description != "" {
		sb.WriteString(item.Description)
		sb.WriteString("\n\n")
	}
	if len(item.TestSteps) > 0 {
		sb.WriteString("Verify your work against these steps:\n")
		for i, step := range item.TestSteps {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, step)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("When the item genuinely works end to end, set its \"passes\" field to true in ")
	sb.WriteString(storePath)
	sb.WriteString(".\nOnly mark it passing after verifying it yourself. ")
	sb.WriteString("Do not run git commands; commits are handled for you.\n")
	return sb.String()
}
