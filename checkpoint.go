package workgraph

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// CheckpointReason records why a checkpoint was taken.
type CheckpointReason string

const (
	CheckpointManual   CheckpointReason = "manual"
	CheckpointInterval CheckpointReason = "interval"
	CheckpointTimer    CheckpointReason = "timer"
	CheckpointRollback CheckpointReason = "rollback"
	CheckpointFinal    CheckpointReason = "final"
)

// CheckpointRecord contains a complete snapshot of a graph. Records are
// immutable once written.
type CheckpointRecord struct {
	ID          string           `json:"id"`
	GraphID     string           `json:"graph_id"`
	Reason      CheckpointReason `json:"reason"`
	Timestamp   time.Time        `json:"timestamp"`
	Snapshot    json.RawMessage  `json:"snapshot"`
	Checksum    string           `json:"checksum"`
	IntegrityOK bool             `json:"integrity_ok"`
}

// NewCheckpointID returns a new prefixed checkpoint identifier.
func NewCheckpointID() string {
	return newID("ckpt")
}

func checkpointChecksum(graphID string, ts time.Time, snapshot []byte) string {
	h := sha256.New()
	h.Write([]byte(graphID))
	h.Write([]byte{0})
	h.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	h.Write(snapshot)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify recomputes the checksum and reports whether it matches.
func (c *CheckpointRecord) Verify() bool {
	return c.Checksum != "" && c.Checksum == checkpointChecksum(c.GraphID, c.Timestamp, c.Snapshot)
}

// newCheckpointRecord serializes a graph into a sealed record.
func newCheckpointRecord(g *Graph, reason CheckpointReason, now time.Time) (*CheckpointRecord, error) {
	snapshot, err := json.Marshal(g)
	if err != nil {
		return nil, err
	}
	now = now.UTC().Round(0)
	return &CheckpointRecord{
		ID:          NewCheckpointID(),
		GraphID:     g.ID,
		Reason:      reason,
		Timestamp:   now,
		Snapshot:    snapshot,
		Checksum:    checkpointChecksum(g.ID, now, snapshot),
		IntegrityOK: true,
	}, nil
}

// decodeSnapshot reconstructs and structurally checks the graph in a
// record.
func (c *CheckpointRecord) decodeSnapshot() (*Graph, error) {
	if !c.Verify() {
		return nil, &IntegrityError{CheckpointID: c.ID, Reason: "checksum mismatch"}
	}
	var g Graph
	if err := json.Unmarshal(c.Snapshot, &g); err != nil {
		return nil, &IntegrityError{CheckpointID: c.ID, Reason: "snapshot does not decode", Err: err}
	}
	if g.ID != c.GraphID {
		return nil, &IntegrityError{CheckpointID: c.ID, Reason: "snapshot belongs to graph " + g.ID}
	}
	if err := g.Validate(); err != nil {
		return nil, &IntegrityError{CheckpointID: c.ID, Reason: "snapshot is not a valid graph", Err: err}
	}
	for _, unit := range g.Units {
		if unit.Progress < 0 || unit.Progress > 100 || unit.Attempt < 0 {
			return nil, &IntegrityError{CheckpointID: c.ID, Reason: "unit " + unit.ID + " has out of range counters"}
		}
	}
	if reason := inconsistentUnit(&g); reason != "" {
		return nil, &IntegrityError{CheckpointID: c.ID, Reason: reason}
	}
	return &g, nil
}

// inconsistentUnit describes the first unit that ran or is running even
// though one of its prerequisites never completed. A rolled-back
// prerequisite is accepted since rollback leaves dependents alone.
func inconsistentUnit(g *Graph) string {
	resolver, err := NewResolver(g)
	if err != nil {
		return err.Error()
	}
	for _, unit := range g.Units {
		if unit.Status != UnitCompleted && unit.Status != UnitRunning {
			continue
		}
		for _, id := range resolver.Prerequisites(unit.ID) {
			prereq, _ := resolver.Unit(id)
			switch prereq.Status {
			case UnitCompleted, UnitRolledBack:
			default:
				return fmt.Sprintf("unit %s is %s but its dependency %s is %s", unit.ID, unit.Status, id, prereq.Status)
			}
		}
	}
	return ""
}
