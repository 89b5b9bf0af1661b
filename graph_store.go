package workgraph

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/workgraph/kv"
)

// GraphStore persists the current state of graphs, one key per graph.
type GraphStore struct {
	store kv.Store
}

func NewGraphStore(store kv.Store) *GraphStore {
	return &GraphStore{store: store}
}

func graphKey(id string) string {
	return "graphs/" + id
}

// Save writes the graph.
func (s *GraphStore) Save(ctx context.Context, g *Graph) error {
	if err := kv.SetJSON(ctx, s.store, graphKey(g.ID), g); err != nil {
		return fmt.Errorf("failed to save graph %s: %w", g.ID, err)
	}
	return nil
}

// Load reads a graph. It returns nil if none is stored under id.
func (s *GraphStore) Load(ctx context.Context, id string) (*Graph, error) {
	var g Graph
	ok, err := kv.GetJSON(ctx, s.store, graphKey(id), &g)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &g, nil
}

// Delete removes a stored graph.
func (s *GraphStore) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, graphKey(id))
}
