package workgraph

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
)

// FileJournal is an implementation of Journal that logs to files. A file is
// created per graph, formatted as newline-delimited JSON.
type FileJournal struct {
	mu        sync.Mutex
	directory string
}

func NewFileJournal(directory string) *FileJournal {
	return &FileJournal{directory: directory}
}

func (j *FileJournal) graphLogPath(graphID string) string {
	return filepath.Join(j.directory, fmt.Sprintf("%s.jsonl", graphID))
}

func (j *FileJournal) Entries(ctx context.Context, graphID string, after int64) ([]*LogEntry, error) {
	data, err := os.ReadFile(j.graphLogPath(graphID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []*LogEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry LogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("corrupt journal line for graph %s: %w", graphID, err)
		}
		if entry.Seq > after {
			entries = append(entries, &entry)
		}
	}
	return entries, scanner.Err()
}

func (j *FileJournal) Append(ctx context.Context, entry *LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	filePath := j.graphLogPath(entry.GraphID)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
