package workgraph

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/workgraph/kv"
)

func checkpointTestGraph(t *testing.T) *Graph {
	g, err := New(Options{
		Name: "checkpointed",
		Units: []*Unit{
			{ID: "a", Kind: "x"},
			{ID: "b", Kind: "x", Dependencies: []string{"a"}, MaxAttempts: 3},
			{ID: "c", Kind: "x", Dependencies: []string{"b"}},
		},
	})
	require.NoError(t, err)
	g.Status = GraphRunning
	g.Units[0].Status = UnitCompleted
	g.Units[0].Progress = 100
	g.Units[0].Output = map[string]any{"rows": 3.0}
	g.Units[1].Status = UnitPending
	g.Units[1].Attempt = 2
	g.Units[1].Progress = 40
	g.Units[2].Status = UnitPending
	g.LogCursor = 17
	g.OverallProgress = OverallProgress(g.Units)
	return g
}

func TestCheckpointStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := NewCheckpointStore(CheckpointStoreOptions{Clock: clock})
	g := checkpointTestGraph(t)

	record, err := store.Checkpoint(ctx, g, CheckpointManual)
	require.NoError(t, err)
	require.Contains(t, record.ID, "ckpt_")
	require.Equal(t, g.ID, record.GraphID)
	require.True(t, record.IntegrityOK)
	require.True(t, record.Verify())

	restored, err := store.Restore(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, GraphRunning, restored.Status)
	require.Equal(t, int64(17), restored.LogCursor)
	require.Equal(t, g.OverallProgress, restored.OverallProgress)
	for i, unit := range g.Units {
		got := restored.Units[i]
		require.Equal(t, unit.ID, got.ID)
		require.Equal(t, unit.Status, got.Status)
		require.Equal(t, unit.Attempt, got.Attempt)
		require.Equal(t, unit.Progress, got.Progress)
		require.Equal(t, unit.Dependencies, got.Dependencies)
	}
	require.Equal(t, map[string]any{"rows": 3.0}, restored.Units[0].Output)

	latest, err := store.Latest(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, record.ID, latest.ID)

	_, err = store.Restore(ctx, "ckpt_missing")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrIntegrity)
}

func TestCheckpointStoreIntegrity(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemoryStore()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	store := NewCheckpointStore(CheckpointStoreOptions{Store: mem, Metrics: metrics})

	tamper := func(t *testing.T, fn func(r *CheckpointRecord)) string {
		record, err := store.Checkpoint(ctx, checkpointTestGraph(t), CheckpointManual)
		require.NoError(t, err)
		var stored CheckpointRecord
		_, err = kv.GetJSON(ctx, mem, checkpointRecordKey(record.ID), &stored)
		require.NoError(t, err)
		fn(&stored)
		require.NoError(t, kv.SetJSON(ctx, mem, checkpointRecordKey(record.ID), &stored))
		return record.ID
	}

	t.Run("modified snapshot", func(t *testing.T) {
		id := tamper(t, func(r *CheckpointRecord) {
			r.Snapshot = json.RawMessage(`{"id":"` + r.GraphID + `","name":"evil","units":[]}`)
		})
		_, err := store.Restore(ctx, id)
		require.ErrorIs(t, err, ErrIntegrity)
	})

	t.Run("resealed but structurally broken", func(t *testing.T) {
		id := tamper(t, func(r *CheckpointRecord) {
			var g Graph
			require.NoError(t, json.Unmarshal(r.Snapshot, &g))
			g.Units[0].Dependencies = []string{"c"}
			data, err := json.Marshal(&g)
			require.NoError(t, err)
			r.Snapshot = data
			r.Checksum = checkpointChecksum(r.GraphID, r.Timestamp, data)
		})
		_, err := store.Restore(ctx, id)
		require.ErrorIs(t, err, ErrIntegrity)
		require.ErrorIs(t, err, ErrCycleDetected)
	})

	t.Run("resealed with bad counters", func(t *testing.T) {
		id := tamper(t, func(r *CheckpointRecord) {
			var g Graph
			require.NoError(t, json.Unmarshal(r.Snapshot, &g))
			g.Units[1].Attempt = -1
			data, err := json.Marshal(&g)
			require.NoError(t, err)
			r.Snapshot = data
			r.Checksum = checkpointChecksum(r.GraphID, r.Timestamp, data)
		})
		_, err := store.Restore(ctx, id)
		require.ErrorIs(t, err, ErrIntegrity)
	})

	reseal := func(t *testing.T, edit func(g *Graph)) string {
		return tamper(t, func(r *CheckpointRecord) {
			var g Graph
			require.NoError(t, json.Unmarshal(r.Snapshot, &g))
			edit(&g)
			data, err := json.Marshal(&g)
			require.NoError(t, err)
			r.Snapshot = data
			r.Checksum = checkpointChecksum(r.GraphID, r.Timestamp, data)
		})
	}

	t.Run("resealed with a unit ahead of its dependency", func(t *testing.T) {
		for _, status := range []UnitStatus{UnitCompleted, UnitRunning} {
			id := reseal(t, func(g *Graph) {
				// c depends on b, which is still pending.
				g.Units[2].Status = status
			})
			_, err := store.Restore(ctx, id)
			require.ErrorIs(t, err, ErrIntegrity)
			require.Contains(t, err.Error(), "dependency b is pending")
		}
	})

	t.Run("rolled back dependency is consistent", func(t *testing.T) {
		id := reseal(t, func(g *Graph) {
			g.Units[0].Status = UnitRolledBack
			g.Units[1].Status = UnitCompleted
			g.Units[1].Progress = 100
		})
		restored, err := store.Restore(ctx, id)
		require.NoError(t, err)
		require.Equal(t, UnitCompleted, restored.Units[1].Status)
	})

	t.Run("listing flags bad records", func(t *testing.T) {
		g := checkpointTestGraph(t)
		good, err := store.Checkpoint(ctx, g, CheckpointManual)
		require.NoError(t, err)
		var stored CheckpointRecord
		_, err = kv.GetJSON(ctx, mem, checkpointRecordKey(good.ID), &stored)
		require.NoError(t, err)
		stored.Checksum = "0000"
		require.NoError(t, kv.SetJSON(ctx, mem, checkpointRecordKey(good.ID), &stored))

		records, err := store.List(ctx, g.ID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		require.False(t, records[0].IntegrityOK)
	})

	require.Equal(t, 5.0, testutil.ToFloat64(metrics.checkpointsRejected))
	require.Equal(t, 7.0, testutil.ToFloat64(metrics.checkpointsSaved.WithLabelValues("manual")))
}

func TestCheckpointStoreRetention(t *testing.T) {
	ctx := context.Background()

	t.Run("max checkpoints", func(t *testing.T) {
		mem := kv.NewMemoryStore()
		store := NewCheckpointStore(CheckpointStoreOptions{Store: mem, MaxCheckpoints: 2})
		g := checkpointTestGraph(t)
		var ids []string
		for i := 0; i < 4; i++ {
			record, err := store.Checkpoint(ctx, g, CheckpointInterval)
			require.NoError(t, err)
			ids = append(ids, record.ID)
		}
		records, err := store.List(ctx, g.ID)
		require.NoError(t, err)
		require.Equal(t, ids[2:], []string{records[0].ID, records[1].ID})

		_, err = store.Restore(ctx, ids[0])
		require.Error(t, err)
		// index plus two records
		require.Equal(t, 3, mem.Len())
	})

	t.Run("max age keeps the newest", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		store := NewCheckpointStore(CheckpointStoreOptions{MaxAge: time.Hour, Clock: clock})
		g := checkpointTestGraph(t)
		_, err := store.Checkpoint(ctx, g, CheckpointTimer)
		require.NoError(t, err)
		clock.Advance(30 * time.Minute)
		_, err = store.Checkpoint(ctx, g, CheckpointTimer)
		require.NoError(t, err)
		clock.Advance(2 * time.Hour)
		last, err := store.Checkpoint(ctx, g, CheckpointTimer)
		require.NoError(t, err)

		records, err := store.List(ctx, g.ID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		require.Equal(t, last.ID, records[0].ID)
	})
}

func TestNullCheckpointer(t *testing.T) {
	c := NewNullCheckpointer()
	record, err := c.Checkpoint(context.Background(), checkpointTestGraph(t), CheckpointManual)
	require.NoError(t, err)
	require.Nil(t, record)
	_, err = c.Restore(context.Background(), "x")
	require.Error(t, err)
}
