package pattern

import (
	"fmt"
	"strings"
)

// Prompter injects learned error patterns into session prompts so the
// agent is warned about failure modes before it reproduces them.
type Prompter struct {
	db           *DB
	maxInjected  int
	minRelevance float64
}

// NewPrompter creates a Prompter over db. maxInjected <= 0 disables
// injection entirely.
func NewPrompter(db *DB, maxInjected int, minRelevance float64) *Prompter {
	return &Prompter{
		db:           db,
		maxInjected:  maxInjected,
		minRelevance: minRelevance,
	}
}

// Augment prepends the most relevant known patterns to basePrompt.
// The guidance goes before the task content so the warnings frame the
// work rather than trail it. With no qualifying patterns the prompt is
// returned unchanged.
func (p *Prompter) Augment(basePrompt string) string {
	if p.maxInjected <= 0 {
		return basePrompt
	}

	patterns := p.db.Relevant(p.maxInjected, p.minRelevance)
	if len(patterns) == 0 {
		return basePrompt
	}

	var sb strings.Builder
	sb.WriteString("## Known failure modes in this project\n\n")
	sb.WriteString("Previous sessions hit these errors. Avoid reintroducing them:\n\n")

	for i, pat := range patterns {
		sb.WriteString(fmt.Sprintf("%d. [%s] %s (seen %dx)\n",
			i+1, pat.ErrorType, pat.Signature, pat.OccurrenceCount))
		if len(pat.SuccessfulFixes) > 0 {
			sb.WriteString(fmt.Sprintf("   Known fix: %s\n", pat.SuccessfulFixes[len(pat.SuccessfulFixes)-1]))
		}
		if len(pat.FilePatterns) > 0 {
			sb.WriteString(fmt.Sprintf("   Usually in: %s\n", strings.Join(pat.FilePatterns, ", ")))
		}
	}

	sb.WriteString("\n")
	sb.WriteString(basePrompt)
	return sb.String()
}
