package workgraph

import (
	"context"
	"sync"
)

// MemoryJournal keeps entries in memory.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries map[string][]*LogEntry
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: map[string][]*LogEntry{}}
}

func (j *MemoryJournal) Append(ctx context.Context, entry *LogEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	e := *entry
	j.entries[entry.GraphID] = append(j.entries[entry.GraphID], &e)
	return nil
}

func (j *MemoryJournal) Entries(ctx context.Context, graphID string, after int64) ([]*LogEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var result []*LogEntry
	for _, entry := range j.entries[graphID] {
		if entry.Seq > after {
			e := *entry
			result = append(result, &e)
		}
	}
	return result, nil
}
