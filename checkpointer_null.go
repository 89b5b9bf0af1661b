package workgraph

import (
	"context"
	"fmt"
)

// NullCheckpointer is a no-op implementation
type NullCheckpointer struct{}

func NewNullCheckpointer() *NullCheckpointer {
	return &NullCheckpointer{}
}

func (c *NullCheckpointer) Checkpoint(ctx context.Context, g *Graph, reason CheckpointReason) (*CheckpointRecord, error) {
	return nil, nil
}

func (c *NullCheckpointer) Restore(ctx context.Context, checkpointID string) (*Graph, error) {
	return nil, fmt.Errorf("checkpoint %s not found", checkpointID)
}

func (c *NullCheckpointer) Latest(ctx context.Context, graphID string) (*CheckpointRecord, error) {
	return nil, nil
}

func (c *NullCheckpointer) List(ctx context.Context, graphID string) ([]*CheckpointRecord, error) {
	return nil, nil
}
