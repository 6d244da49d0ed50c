package depgraph

import (
	"regexp"
	"sort"
	"strings"
)

// Phrases that signal one task building on another. Matched against the
// task description, lowercased.
var dependencyPhrases = []*regexp.Regexp{
	regexp.MustCompile(`depends on ([\w-]+)`),
	regexp.MustCompile(`requires ([\w-]+)`),
	regexp.MustCompile(`after ([\w-]+)`),
	regexp.MustCompile(`builds on ([\w-]+)`),
	regexp.MustCompile(`extends ([\w-]+)`),
}

// InferDependencies scans a task's description for phrases referencing
// other tasks in the graph and returns the candidate dependency IDs,
// sorted. The result is advisory only: text matching is too imprecise to
// wire edges automatically, so callers surface candidates for a human or
// an explicit config to confirm.
func (g *Graph) InferDependencies(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[id]
	if !ok {
		return nil
	}

	text := strings.ToLower(node.Title + " " + node.Description)
	candidates := make(map[string]bool)

	for _, re := range dependencyPhrases {
		for _, match := range re.FindAllStringSubmatch(text, -1) {
			ref := match[1]
			if ref == id {
				continue
			}
			if _, exists := g.nodes[ref]; exists {
				candidates[ref] = true
			}
		}
	}

	// Direct mentions of other task IDs also count.
	for other := range g.nodes {
		if other == id || candidates[other] {
			continue
		}
		if strings.Contains(text, strings.ToLower(other)) {
			candidates[other] = true
		}
	}

	out := make([]string, 0, len(candidates))
	for c := range candidates {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
