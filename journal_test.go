package workgraph

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/workgraph/kv"
)

func testJournal(t *testing.T, j Journal) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	rec, err := NewRecorder(ctx, RecorderOptions{GraphID: "graph_1", Journal: j, Clock: clock})
	require.NoError(t, err)

	unit := &Unit{ID: "a", Kind: "x", Attempt: 1, Progress: 50}
	first := rec.Record(ctx, unit, EventStarted, nil)
	clock.Advance(time.Second)
	second := rec.Record(ctx, unit, EventProgressed, map[string]any{"note": "half"})
	require.Equal(t, int64(1), first.Seq)
	require.Equal(t, int64(2), second.Seq)
	require.Equal(t, int64(2), rec.Cursor())

	entries, err := j.Entries(ctx, "graph_1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, EventStarted, entries[0].Event)
	require.Equal(t, EventProgressed, entries[1].Event)
	require.Equal(t, 50, entries[1].Progress)
	require.Equal(t, 1, entries[1].Attempt)
	require.Equal(t, "half", entries[1].Data["note"])
	require.False(t, entries[1].Timestamp.Before(entries[0].Timestamp))

	after, err := j.Entries(ctx, "graph_1", 1)
	require.NoError(t, err)
	require.Len(t, after, 1)

	other, err := j.Entries(ctx, "graph_2", 0)
	require.NoError(t, err)
	require.Empty(t, other)

	// A new recorder continues the sequence.
	rec2, err := NewRecorder(ctx, RecorderOptions{GraphID: "graph_1", Journal: j, Clock: clock})
	require.NoError(t, err)
	require.Equal(t, int64(3), rec2.Record(ctx, unit, EventCompleted, nil).Seq)
}

func TestMemoryJournal(t *testing.T) {
	testJournal(t, NewMemoryJournal())
}

func TestFileJournal(t *testing.T) {
	testJournal(t, NewFileJournal(t.TempDir()))
}

func TestKVJournal(t *testing.T) {
	store, err := kv.OpenBadger(kv.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer store.Close()
	testJournal(t, NewKVJournal(store))
}

func TestRecorderTimestampsNeverDecrease(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	j := NewMemoryJournal()
	rec, err := NewRecorder(ctx, RecorderOptions{GraphID: "g", Journal: j, Clock: clock})
	require.NoError(t, err)

	unit := &Unit{ID: "a"}
	rec.Record(ctx, unit, EventStarted, nil)
	// An entry stamped later than the clock, as after a clock step back.
	rec.last = clock.Now().Add(time.Minute)
	rec.Record(ctx, unit, EventCompleted, nil)

	entries, err := j.Entries(ctx, "g", 0)
	require.NoError(t, err)
	require.Equal(t, clock.Now().Add(time.Minute), entries[1].Timestamp)
}

func TestRecorderConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryJournal()
	rec, err := NewRecorder(ctx, RecorderOptions{GraphID: "g", Journal: j})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.Record(ctx, &Unit{ID: "a"}, EventProgressed, nil)
		}()
	}
	wg.Wait()

	entries, err := j.Entries(ctx, "g", 0)
	require.NoError(t, err)
	require.Len(t, entries, 20)
	for i, entry := range entries {
		require.Equal(t, int64(i+1), entry.Seq)
	}
}

func TestRecorderResumesFromCursor(t *testing.T) {
	ctx := context.Background()
	rec, err := NewRecorder(ctx, RecorderOptions{GraphID: "g", Journal: NewNullJournal(), Cursor: 41})
	require.NoError(t, err)
	require.Equal(t, int64(42), rec.Record(ctx, &Unit{ID: "a"}, EventQueued, nil).Seq)
}
