package workgraph

import (
	"fmt"
	"strings"
	"time"
)

// UnitStatus represents the lifecycle state of a unit of work.
type UnitStatus string

const (
	UnitIdle       UnitStatus = "idle"
	UnitPending    UnitStatus = "pending"
	UnitRunning    UnitStatus = "running"
	UnitCompleted  UnitStatus = "completed"
	UnitFailed     UnitStatus = "failed"
	UnitBlocked    UnitStatus = "blocked"
	UnitSkipped    UnitStatus = "skipped"
	UnitRolledBack UnitStatus = "rolled-back"
)

// IsTerminal returns true if no further transition happens without an
// explicit operator action.
func (s UnitStatus) IsTerminal() bool {
	switch s {
	case UnitCompleted, UnitFailed, UnitBlocked, UnitSkipped, UnitRolledBack:
		return true
	}
	return false
}

// IsActive returns true for units that are queued or executing.
func (s UnitStatus) IsActive() bool {
	return s == UnitPending || s == UnitRunning
}

func (s UnitStatus) valid() bool {
	switch s {
	case UnitIdle, UnitPending, UnitRunning, UnitCompleted, UnitFailed,
		UnitBlocked, UnitSkipped, UnitRolledBack:
		return true
	}
	return false
}

// Priority orders ready units that sit at the same dependency depth.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ParsePriority converts a priority name. "urgent" is accepted as an alias
// of critical and an empty string yields medium.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	case "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical", "urgent":
		return PriorityCritical, nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// Rank returns a comparable weight for the priority; higher runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

// Unit is one schedulable piece of work. This struct is designed to be fully
// JSON serializable so that it can be checkpointed.
type Unit struct {
	ID           string            `json:"id" yaml:"id" validate:"required"`
	Kind         string            `json:"kind" yaml:"kind" validate:"required"`
	Title        string            `json:"title,omitempty" yaml:"title,omitempty"`
	Description  string            `json:"description,omitempty" yaml:"description,omitempty"`
	Status       UnitStatus        `json:"status" yaml:"status,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Priority     Priority          `json:"priority,omitempty" yaml:"priority,omitempty" validate:"omitempty,oneof=low medium high critical urgent"`
	Progress     int               `json:"progress" yaml:"progress,omitempty" validate:"min=0,max=100"`
	Attempt      int               `json:"attempt" yaml:"attempt,omitempty" validate:"min=0"`
	MaxAttempts  int               `json:"max_attempts" yaml:"max_attempts,omitempty" validate:"min=0"`
	Timeout      time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Parameters   map[string]any    `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Labels       map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	CreatedAt    time.Time         `json:"created_at,omitzero" yaml:"-"`
	StartedAt    time.Time         `json:"started_at,omitzero" yaml:"-"`
	EndedAt      time.Time         `json:"ended_at,omitzero" yaml:"-"`
	NotBefore    time.Time         `json:"not_before,omitzero" yaml:"-"`
	Output       any               `json:"output,omitempty" yaml:"-"`
	Error        string            `json:"error,omitempty" yaml:"-"`
}

// Clone returns a copy of the unit. Parameters and labels are copied one
// level deep; the output value is shared.
func (u *Unit) Clone() *Unit {
	c := *u
	if u.Dependencies != nil {
		c.Dependencies = append([]string(nil), u.Dependencies...)
	}
	if u.Parameters != nil {
		c.Parameters = copyMap(u.Parameters)
	}
	if u.Labels != nil {
		c.Labels = make(map[string]string, len(u.Labels))
		for k, v := range u.Labels {
			c.Labels[k] = v
		}
	}
	return &c
}

// Label returns the value of a label, or an empty string.
func (u *Unit) Label(key string) string {
	if u.Labels == nil {
		return ""
	}
	return u.Labels[key]
}

// normalize fills defaults and de-duplicates dependencies.
func (u *Unit) normalize() error {
	p, err := ParsePriority(string(u.Priority))
	if err != nil {
		return fmt.Errorf("unit %q: %w", u.ID, err)
	}
	u.Priority = p
	if u.Status == "" {
		u.Status = UnitIdle
	}
	if !u.Status.valid() {
		return fmt.Errorf("unit %q: unknown status %q", u.ID, u.Status)
	}
	if len(u.Dependencies) > 0 {
		seen := make(map[string]bool, len(u.Dependencies))
		deps := u.Dependencies[:0]
		for _, dep := range u.Dependencies {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			deps = append(deps, dep)
		}
		u.Dependencies = deps
	}
	return nil
}

// copyMap creates a shallow copy of a map
func copyMap(m map[string]any) map[string]any {
	copy := make(map[string]any, len(m))
	for k, v := range m {
		copy[k] = v
	}
	return copy
}
