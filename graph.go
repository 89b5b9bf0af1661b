package workgraph

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"go.jetify.com/typeid"
	"gopkg.in/yaml.v3"
)

// GraphStatus represents the status of a work graph as a whole.
type GraphStatus string

const (
	GraphDraft     GraphStatus = "draft"
	GraphReady     GraphStatus = "ready"
	GraphRunning   GraphStatus = "running"
	GraphPaused    GraphStatus = "paused"
	GraphCompleted GraphStatus = "completed"
	GraphFailed    GraphStatus = "failed"
)

// EdgeKind defines how the target of an edge relates to its source.
type EdgeKind string

const (
	// EdgeSequential targets wait for the source and are dispatched one at
	// a time with respect to other sequential targets of the same source.
	EdgeSequential EdgeKind = "sequential"

	// EdgeParallel targets wait for the source and may run concurrently
	// with each other.
	EdgeParallel EdgeKind = "parallel"

	// EdgeConditional targets wait for the source and run only if the
	// edge condition holds for the source's output. Otherwise they are
	// skipped.
	EdgeConditional EdgeKind = "conditional"
)

// Edge connects two units of the same graph.
type Edge struct {
	From      string   `json:"from" yaml:"from" validate:"required"`
	To        string   `json:"to" yaml:"to" validate:"required"`
	Kind      EdgeKind `json:"kind,omitempty" yaml:"kind,omitempty" validate:"omitempty,oneof=sequential parallel conditional"`
	Condition string   `json:"condition,omitempty" yaml:"condition,omitempty" validate:"required_if=Kind conditional"`
}

// Options are used to configure a graph.
type Options struct {
	ID                      string  `json:"id,omitempty" yaml:"id,omitempty"`
	Name                    string  `json:"name" yaml:"name" validate:"required"`
	Description             string  `json:"description,omitempty" yaml:"description,omitempty"`
	Units                   []*Unit `json:"units" yaml:"units" validate:"dive"`
	Edges                   []*Edge `json:"edges,omitempty" yaml:"edges,omitempty" validate:"dive"`
	AutoMode                bool    `json:"auto_mode,omitempty" yaml:"auto_mode,omitempty"`
	CheckpointIntervalUnits int     `json:"checkpoint_interval_units,omitempty" yaml:"checkpoint_interval_units,omitempty" validate:"min=0"`
}

// Graph is an ordered collection of units plus the edges between them. It
// is a plain value: all fields are exported and JSON serializable so that a
// graph can be checkpointed and restored exactly.
type Graph struct {
	ID                      string      `json:"id"`
	Name                    string      `json:"name"`
	Description             string      `json:"description,omitempty"`
	Status                  GraphStatus `json:"status"`
	Units                   []*Unit     `json:"units"`
	Edges                   []*Edge     `json:"edges,omitempty"`
	OverallProgress         int         `json:"overall_progress"`
	AutoMode                bool        `json:"auto_mode"`
	CheckpointIntervalUnits int         `json:"checkpoint_interval_units,omitempty"`
	LastCheckpointAt        time.Time   `json:"last_checkpoint_at,omitzero"`
	LogCursor               int64       `json:"log_cursor"`
	CreatedAt               time.Time   `json:"created_at,omitzero"`
	StartedAt               time.Time   `json:"started_at,omitzero"`
	EndedAt                 time.Time   `json:"ended_at,omitzero"`
	Error                   string      `json:"error,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// NewGraphID returns a new prefixed identifier for a graph.
func NewGraphID() string {
	return newID("graph")
}

func newID(prefix string) string {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		panic(err)
	}
	return id.String()
}

// New returns a validated graph built from the given options. Units start
// idle and the graph starts ready; submitting it to an execution moves the
// units to pending.
func New(opts Options) (*Graph, error) {
	if err := validate.Struct(opts); err != nil {
		return nil, fmt.Errorf("invalid graph definition: %w", describeValidation(err))
	}
	if opts.ID == "" {
		opts.ID = NewGraphID()
	}
	now := time.Now()
	g := &Graph{
		ID:                      opts.ID,
		Name:                    opts.Name,
		Description:             opts.Description,
		Status:                  GraphReady,
		Units:                   make([]*Unit, 0, len(opts.Units)),
		Edges:                   make([]*Edge, 0, len(opts.Edges)),
		AutoMode:                opts.AutoMode,
		CheckpointIntervalUnits: opts.CheckpointIntervalUnits,
		CreatedAt:               now,
	}
	for _, unit := range opts.Units {
		u := unit.Clone()
		if u.CreatedAt.IsZero() {
			u.CreatedAt = now
		}
		g.Units = append(g.Units, u)
	}
	for _, edge := range opts.Edges {
		e := *edge
		g.Edges = append(g.Edges, &e)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Validate normalizes the graph and checks it for configuration errors:
// duplicate ids, dangling references and cycles.
func (g *Graph) Validate() error {
	if g.Name == "" {
		return fmt.Errorf("graph name required")
	}
	if g.Status == "" {
		g.Status = GraphDraft
	}
	for _, unit := range g.Units {
		if unit == nil {
			return fmt.Errorf("graph %q contains a nil unit", g.Name)
		}
		if unit.ID == "" {
			return fmt.Errorf("unit id required")
		}
		if unit.Kind == "" {
			return fmt.Errorf("unit %q: kind required", unit.ID)
		}
		if err := unit.normalize(); err != nil {
			return err
		}
	}
	for _, edge := range g.Edges {
		if edge.Kind == "" {
			edge.Kind = EdgeSequential
		}
		switch edge.Kind {
		case EdgeSequential, EdgeParallel:
		case EdgeConditional:
			if edge.Condition == "" {
				return fmt.Errorf("conditional edge %s->%s requires a condition", edge.From, edge.To)
			}
		default:
			return fmt.Errorf("edge %s->%s has unknown kind %q", edge.From, edge.To, edge.Kind)
		}
	}
	_, err := NewResolver(g)
	return err
}

// Unit returns the unit with the given id.
func (g *Graph) Unit(id string) (*Unit, bool) {
	for _, unit := range g.Units {
		if unit.ID == id {
			return unit, true
		}
	}
	return nil, false
}

// UnitIDs returns the ids of all units in declaration order.
func (g *Graph) UnitIDs() []string {
	ids := make([]string, 0, len(g.Units))
	for _, unit := range g.Units {
		ids = append(ids, unit.ID)
	}
	return ids
}

// Clone returns a deep copy of the graph structure. Unit outputs are shared.
func (g *Graph) Clone() *Graph {
	c := *g
	c.Units = make([]*Unit, len(g.Units))
	for i, unit := range g.Units {
		c.Units[i] = unit.Clone()
	}
	c.Edges = make([]*Edge, len(g.Edges))
	for i, edge := range g.Edges {
		e := *edge
		c.Edges[i] = &e
	}
	return &c
}

// LoadFile loads a graph definition from a YAML file
func LoadFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file: %w", err)
	}
	return LoadString(string(data))
}

// LoadString loads a graph definition from a YAML string
func LoadString(data string) (*Graph, error) {
	var opts Options
	if err := yaml.Unmarshal([]byte(data), &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal graph definition: %w", err)
	}
	return New(opts)
}

// describeValidation flattens validator errors into a readable message.
func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Errorf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Errorf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return errors.Join(msgs...)
}
