package workgraph

import (
	"context"
)

// Checkpointer persists and restores graph snapshots.
type Checkpointer interface {
	// Checkpoint snapshots the graph and applies retention.
	Checkpoint(ctx context.Context, g *Graph, reason CheckpointReason) (*CheckpointRecord, error)

	// Restore returns the graph exactly as persisted in a checkpoint. It
	// fails with an IntegrityError when the record cannot be trusted.
	Restore(ctx context.Context, checkpointID string) (*Graph, error)

	// Latest returns the most recent checkpoint of a graph, or nil.
	Latest(ctx context.Context, graphID string) (*CheckpointRecord, error)

	// List returns the retained checkpoints of a graph, oldest first.
	List(ctx context.Context, graphID string) ([]*CheckpointRecord, error)
}
