package workgraph

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/workgraph/kv"
)

// KVJournal stores entries in a key-value store, one key per entry plus a
// head key holding the last sequence number of each graph.
type KVJournal struct {
	store kv.Store
}

func NewKVJournal(store kv.Store) *KVJournal {
	return &KVJournal{store: store}
}

func journalHeadKey(graphID string) string {
	return fmt.Sprintf("journal/%s/head", graphID)
}

func journalEntryKey(graphID string, seq int64) string {
	return fmt.Sprintf("journal/%s/%020d", graphID, seq)
}

func (j *KVJournal) Append(ctx context.Context, entry *LogEntry) error {
	if err := kv.SetJSON(ctx, j.store, journalEntryKey(entry.GraphID, entry.Seq), entry); err != nil {
		return err
	}
	return kv.SetJSON(ctx, j.store, journalHeadKey(entry.GraphID), entry.Seq)
}

func (j *KVJournal) Entries(ctx context.Context, graphID string, after int64) ([]*LogEntry, error) {
	var head int64
	if _, err := kv.GetJSON(ctx, j.store, journalHeadKey(graphID), &head); err != nil {
		return nil, err
	}
	var entries []*LogEntry
	for seq := after + 1; seq <= head; seq++ {
		var entry LogEntry
		ok, err := kv.GetJSON(ctx, j.store, journalEntryKey(graphID, seq), &entry)
		if err != nil {
			return nil, err
		}
		if ok {
			entries = append(entries, &entry)
		}
	}
	return entries, nil
}
