package workgraph

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/deepnoodle-ai/workgraph/kv"
)

// CheckpointStoreOptions configures a CheckpointStore.
type CheckpointStoreOptions struct {
	Store kv.Store
	// MaxCheckpoints is the number of records retained per graph. Zero
	// keeps everything.
	MaxCheckpoints int
	// MaxAge drops records older than this. The newest record is always
	// kept. Zero disables age based pruning.
	MaxAge  time.Duration
	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *Metrics
}

// CheckpointStore is a Checkpointer on top of a key-value store. Each
// record lives under its own key and every graph has an index key listing
// its records in order.
type CheckpointStore struct {
	mu             sync.Mutex
	store          kv.Store
	maxCheckpoints int
	maxAge         time.Duration
	clock          clockwork.Clock
	logger         *slog.Logger
	metrics        *Metrics
}

var _ Checkpointer = (*CheckpointStore)(nil)

type checkpointIndexEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// NewCheckpointStore creates a checkpoint store. A nil Store defaults to an
// in-memory store.
func NewCheckpointStore(opts CheckpointStoreOptions) *CheckpointStore {
	if opts.Store == nil {
		opts.Store = kv.NewMemoryStore()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = NewDiscardLogger()
	}
	return &CheckpointStore{
		store:          opts.Store,
		maxCheckpoints: opts.MaxCheckpoints,
		maxAge:         opts.MaxAge,
		clock:          opts.Clock,
		logger:         opts.Logger.With("component", "checkpoints"),
		metrics:        opts.Metrics,
	}
}

func checkpointRecordKey(id string) string {
	return "checkpoints/records/" + id
}

func checkpointIndexKey(graphID string) string {
	return fmt.Sprintf("checkpoints/graphs/%s/index", graphID)
}

func (c *CheckpointStore) Checkpoint(ctx context.Context, g *Graph, reason CheckpointReason) (*CheckpointRecord, error) {
	record, err := newCheckpointRecord(g, reason, c.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to serialize graph %s: %w", g.ID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := kv.SetJSON(ctx, c.store, checkpointRecordKey(record.ID), record); err != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	index, err := c.index(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	index = append(index, checkpointIndexEntry{ID: record.ID, Timestamp: record.Timestamp})
	index, dropped := c.prune(index, record.Timestamp)
	if err := kv.SetJSON(ctx, c.store, checkpointIndexKey(g.ID), index); err != nil {
		return nil, fmt.Errorf("failed to update checkpoint index: %w", err)
	}
	for _, old := range dropped {
		if err := c.store.Delete(ctx, checkpointRecordKey(old.ID)); err != nil {
			c.logger.Warn("failed to delete pruned checkpoint", "checkpoint_id", old.ID, "error", err)
		}
	}
	c.metrics.checkpointSaved(reason)
	c.logger.Debug("checkpoint saved",
		"graph_id", g.ID,
		"checkpoint_id", record.ID,
		"reason", reason,
		"pruned", len(dropped))
	return record, nil
}

func (c *CheckpointStore) index(ctx context.Context, graphID string) ([]checkpointIndexEntry, error) {
	var index []checkpointIndexEntry
	if _, err := kv.GetJSON(ctx, c.store, checkpointIndexKey(graphID), &index); err != nil {
		return nil, fmt.Errorf("failed to load checkpoint index: %w", err)
	}
	return index, nil
}

// prune applies the retention rules to an index ordered oldest first.
func (c *CheckpointStore) prune(index []checkpointIndexEntry, now time.Time) (kept, dropped []checkpointIndexEntry) {
	if c.maxAge > 0 {
		cutoff := now.Add(-c.maxAge)
		for len(index) > 1 && index[0].Timestamp.Before(cutoff) {
			dropped = append(dropped, index[0])
			index = index[1:]
		}
	}
	if c.maxCheckpoints > 0 && len(index) > c.maxCheckpoints {
		excess := len(index) - c.maxCheckpoints
		dropped = append(dropped, index[:excess]...)
		index = index[excess:]
	}
	return append([]checkpointIndexEntry(nil), index...), dropped
}

func (c *CheckpointStore) load(ctx context.Context, id string) (*CheckpointRecord, error) {
	var record CheckpointRecord
	ok, err := kv.GetJSON(ctx, c.store, checkpointRecordKey(id), &record)
	if err != nil {
		return nil, &IntegrityError{CheckpointID: id, Reason: "record does not decode", Err: err}
	}
	if !ok {
		return nil, fmt.Errorf("checkpoint %s not found", id)
	}
	record.IntegrityOK = record.Verify()
	return &record, nil
}

func (c *CheckpointStore) Restore(ctx context.Context, checkpointID string) (*Graph, error) {
	record, err := c.load(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	g, err := record.decodeSnapshot()
	if err != nil {
		c.metrics.checkpointRejected()
		c.logger.Error("checkpoint failed integrity check", "checkpoint_id", checkpointID, "error", err)
		return nil, err
	}
	return g, nil
}

func (c *CheckpointStore) Latest(ctx context.Context, graphID string) (*CheckpointRecord, error) {
	c.mu.Lock()
	index, err := c.index(ctx, graphID)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if len(index) == 0 {
		return nil, nil
	}
	return c.load(ctx, index[len(index)-1].ID)
}

func (c *CheckpointStore) List(ctx context.Context, graphID string) ([]*CheckpointRecord, error) {
	c.mu.Lock()
	index, err := c.index(ctx, graphID)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	records := make([]*CheckpointRecord, 0, len(index))
	for _, entry := range index {
		record, err := c.load(ctx, entry.ID)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}
