package workgraph

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// LogEvent names a unit transition recorded in the journal.
type LogEvent string

const (
	EventQueued     LogEvent = "queued"
	EventStarted    LogEvent = "started"
	EventProgressed LogEvent = "progressed"
	EventCompleted  LogEvent = "completed"
	EventFailed     LogEvent = "failed"
	EventSkipped    LogEvent = "skipped"
	EventRetried    LogEvent = "retried"
	EventBlocked    LogEvent = "blocked"
	EventRolledBack LogEvent = "rolled-back"
)

// LogEntry is one append-only journal record.
type LogEntry struct {
	Seq       int64          `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	GraphID   string         `json:"graph_id"`
	UnitID    string         `json:"unit_id"`
	Event     LogEvent       `json:"event"`
	Attempt   int            `json:"attempt"`
	Progress  int            `json:"progress"`
	Error     string         `json:"error,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Journal stores log entries per graph. Entries are never modified or
// removed once appended.
type Journal interface {
	// Append stores an entry. Entries arrive in increasing Seq order.
	Append(ctx context.Context, entry *LogEntry) error

	// Entries returns the entries of a graph with Seq greater than after,
	// in Seq order.
	Entries(ctx context.Context, graphID string, after int64) ([]*LogEntry, error)
}

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	GraphID string
	Journal Journal
	Clock   clockwork.Clock
	Logger  *slog.Logger
	// Cursor is the sequence number of the last entry already written for
	// the graph, typically restored from a checkpoint.
	Cursor int64
}

// Recorder assigns sequence numbers and timestamps to entries and appends
// them to a journal one at a time.
type Recorder struct {
	mu      sync.Mutex
	graphID string
	journal Journal
	clock   clockwork.Clock
	logger  *slog.Logger
	seq     int64
	last    time.Time
}

// NewRecorder returns a recorder that continues after the highest sequence
// number found in either the cursor or the journal itself.
func NewRecorder(ctx context.Context, opts RecorderOptions) (*Recorder, error) {
	if opts.Journal == nil {
		opts.Journal = NewNullJournal()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = NewDiscardLogger()
	}
	r := &Recorder{
		graphID: opts.GraphID,
		journal: opts.Journal,
		clock:   opts.Clock,
		logger:  opts.Logger,
		seq:     opts.Cursor,
	}
	existing, err := opts.Journal.Entries(ctx, opts.GraphID, opts.Cursor)
	if err != nil {
		return nil, err
	}
	for _, entry := range existing {
		if entry.Seq > r.seq {
			r.seq = entry.Seq
		}
		if entry.Timestamp.After(r.last) {
			r.last = entry.Timestamp
		}
	}
	return r, nil
}

// Record appends an entry describing the current state of unit. Journal
// failures are logged and do not interrupt execution.
func (r *Recorder) Record(ctx context.Context, unit *Unit, event LogEvent, data map[string]any) *LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	if now.Before(r.last) {
		now = r.last
	}
	r.last = now
	r.seq++
	entry := &LogEntry{
		Seq:       r.seq,
		Timestamp: now,
		GraphID:   r.graphID,
		UnitID:    unit.ID,
		Event:     event,
		Attempt:   unit.Attempt,
		Progress:  unit.Progress,
		Error:     unit.Error,
		Data:      data,
	}
	if err := r.journal.Append(ctx, entry); err != nil {
		r.logger.Error("failed to append journal entry",
			"unit_id", unit.ID,
			"event", event,
			"error", err)
	}
	return entry
}

// Cursor returns the sequence number of the last recorded entry.
func (r *Recorder) Cursor() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// NullJournal discards all entries.
type NullJournal struct{}

func NewNullJournal() *NullJournal {
	return &NullJournal{}
}

func (j *NullJournal) Append(ctx context.Context, entry *LogEntry) error {
	return nil
}

func (j *NullJournal) Entries(ctx context.Context, graphID string, after int64) ([]*LogEntry, error) {
	return nil, nil
}
