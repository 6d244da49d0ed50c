package depgraph

import (
	"os"

	"github.com/Iron-Ham/harness/internal/errors"
	"github.com/Iron-Ham/harness/internal/storage"
)

// StateFileName is the graph store inside the dependencies directory.
const StateFileName = "graph.json"

// persistedGraph is the serializable representation of the graph.
type persistedGraph struct {
	Nodes map[string]*TaskNode `json:"nodes"`
}

// Save writes the graph to a JSON file at path.
func (g *Graph) Save(path string) error {
	g.mu.Lock()
	state := persistedGraph{Nodes: g.nodes}
	err := storage.SaveJSON(path, state)
	g.mu.Unlock()

	if err != nil {
		return errors.Wrap(err, "saving dependency graph")
	}
	return nil
}

// Load restores a Graph from a previously saved file. A missing file
// yields an empty graph.
func Load(path string) (*Graph, error) {
	var state persistedGraph
	if err := storage.LoadJSON(path, &state); err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, errors.Wrap(err, "loading dependency graph")
	}

	if state.Nodes == nil {
		state.Nodes = make(map[string]*TaskNode)
	}
	for id, node := range state.Nodes {
		if node.Dependencies == nil {
			node.Dependencies = []string{}
		}
		if node.BlockedBy == nil {
			node.BlockedBy = []string{}
		}
		node.TaskID = id
	}

	return &Graph{nodes: state.Nodes}, nil
}
