package workgraph

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Health monitor defaults.
const (
	DefaultCriticalThreshold = 30.0
	DefaultRepairKind        = "repair"
	DefaultHealthInterval    = 30 * time.Second

	// ComponentLabel is the unit label naming the component a repair unit
	// was created for.
	ComponentLabel = "component"
)

// HealthSource reports a health score per component id.
type HealthSource interface {
	Health(ctx context.Context) (map[string]float64, error)
}

// HealthSourceFunc adapts a function to the HealthSource interface.
type HealthSourceFunc func(ctx context.Context) (map[string]float64, error)

func (f HealthSourceFunc) Health(ctx context.Context) (map[string]float64, error) {
	return f(ctx)
}

// Component describes a monitored component and how to repair it.
type Component struct {
	ID         string `json:"id" yaml:"id" validate:"required"`
	AutoRepair bool   `json:"auto_repair" yaml:"auto_repair"`
	// CriticalThreshold is the score below which a repair is created.
	// Zero uses DefaultCriticalThreshold.
	CriticalThreshold float64        `json:"critical_threshold,omitempty" yaml:"critical_threshold,omitempty" validate:"min=0"`
	RepairKind        string         `json:"repair_kind,omitempty" yaml:"repair_kind,omitempty"`
	MaxAttempts       int            `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty" validate:"min=0"`
	Parameters        map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

func (c Component) threshold() float64 {
	if c.CriticalThreshold > 0 {
		return c.CriticalThreshold
	}
	return DefaultCriticalThreshold
}

// RepairTarget receives repair units. Execution implements it; GraphTarget
// adapts a graph that is not running yet.
type RepairTarget interface {
	AddUnit(ctx context.Context, unit *Unit) error
	Units() []*Unit
}

var _ RepairTarget = (*Execution)(nil)

// GraphTarget appends repair units to a graph that has not been submitted.
type GraphTarget struct {
	mu    sync.Mutex
	graph *Graph
}

// NewGraphTarget returns a RepairTarget for g.
func NewGraphTarget(g *Graph) *GraphTarget {
	return &GraphTarget{graph: g}
}

func (t *GraphTarget) AddUnit(ctx context.Context, unit *Unit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	resolver, err := NewResolver(t.graph)
	if err != nil {
		return err
	}
	u := unit.Clone()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	return resolver.AddUnit(u)
}

func (t *GraphTarget) Units() []*Unit {
	t.mu.Lock()
	defer t.mu.Unlock()
	units := make([]*Unit, len(t.graph.Units))
	for i, unit := range t.graph.Units {
		units[i] = unit.Clone()
	}
	return units
}

// HealthMonitorOptions configures a HealthMonitor.
type HealthMonitorOptions struct {
	Sources    []HealthSource
	Components []Component
	Target     RepairTarget
	// Interval between polls in Run. Zero uses DefaultHealthInterval.
	Interval time.Duration
	// RepairLimit caps how often repair units are created across all
	// components. Zero means no limit.
	RepairLimit rate.Limit
	RepairBurst int
	Clock       clockwork.Clock
	Logger      *slog.Logger
	Metrics     *Metrics
}

// HealthMonitor polls health sources and submits repair units for
// components whose score falls below their critical threshold.
type HealthMonitor struct {
	mu         sync.Mutex
	sources    []HealthSource
	components []Component
	target     RepairTarget
	interval   time.Duration
	limiter    *rate.Limiter
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *Metrics
}

// NewHealthMonitor creates a health monitor.
func NewHealthMonitor(opts HealthMonitorOptions) (*HealthMonitor, error) {
	if opts.Target == nil {
		return nil, fmt.Errorf("repair target is required")
	}
	if len(opts.Sources) == 0 {
		return nil, fmt.Errorf("at least one health source is required")
	}
	for _, c := range opts.Components {
		if err := validate.Struct(c); err != nil {
			return nil, fmt.Errorf("invalid component %q: %w", c.ID, describeValidation(err))
		}
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultHealthInterval
	}
	if opts.RepairLimit == 0 {
		opts.RepairLimit = rate.Inf
	}
	if opts.RepairBurst <= 0 {
		opts.RepairBurst = 1
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = NewDiscardLogger()
	}
	return &HealthMonitor{
		sources:    opts.Sources,
		components: append([]Component(nil), opts.Components...),
		target:     opts.Target,
		interval:   opts.Interval,
		limiter:    rate.NewLimiter(opts.RepairLimit, opts.RepairBurst),
		clock:      opts.Clock,
		logger:     opts.Logger.With("component", "health"),
		metrics:    opts.Metrics,
	}, nil
}

// Run polls on the monitor's interval until ctx is cancelled.
func (m *HealthMonitor) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if _, err := m.Tick(ctx); err != nil {
				m.logger.Error("health check failed", "error", err)
			}
		}
	}
}

// Tick polls every source once and submits the repair units it decides
// on. When several sources report the same component the lowest score is
// used.
func (m *HealthMonitor) Tick(ctx context.Context) ([]*Unit, error) {
	scores, err := m.poll(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	active := activeRepairs(m.target.Units())
	var created []*Unit
	for _, c := range m.components {
		score, ok := scores[c.ID]
		if !ok {
			continue
		}
		m.metrics.componentHealthScore(c.ID, score)
		threshold := c.threshold()
		if !c.AutoRepair || score >= threshold {
			continue
		}
		if active[c.ID] {
			m.logger.Debug("repair already queued", "component_id", c.ID, "score", score)
			continue
		}
		if !m.limiter.AllowN(m.clock.Now(), 1) {
			m.logger.Warn("repair rate limited", "component_id", c.ID, "score", score)
			continue
		}
		unit := m.repairUnit(c, score, threshold)
		if err := m.target.AddUnit(ctx, unit); err != nil {
			return created, fmt.Errorf("failed to submit repair for %s: %w", c.ID, err)
		}
		active[c.ID] = true
		m.metrics.repairCreated(c.ID, unit.Priority)
		m.logger.Info("repair submitted",
			"component_id", c.ID,
			"unit_id", unit.ID,
			"score", score,
			"priority", unit.Priority)
		created = append(created, unit)
	}
	return created, nil
}

func (m *HealthMonitor) poll(ctx context.Context) (map[string]float64, error) {
	results := make([]map[string]float64, len(m.sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, source := range m.sources {
		g.Go(func() error {
			scores, err := source.Health(gctx)
			if err != nil {
				return err
			}
			results[i] = scores
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to read health: %w", err)
	}
	merged := map[string]float64{}
	for _, scores := range results {
		for id, score := range scores {
			if current, ok := merged[id]; !ok || score < current {
				merged[id] = score
			}
		}
	}
	return merged, nil
}

func (m *HealthMonitor) repairUnit(c Component, score, threshold float64) *Unit {
	kind := c.RepairKind
	if kind == "" {
		kind = DefaultRepairKind
	}
	params := copyMap(c.Parameters)
	params["component"] = c.ID
	params["score"] = score
	params["threshold"] = threshold
	return &Unit{
		ID:          newID("repair"),
		Kind:        kind,
		Title:       fmt.Sprintf("Repair %s", c.ID),
		Description: fmt.Sprintf("health %.1f below threshold %.1f", score, threshold),
		Priority:    RepairPriority(score, threshold),
		MaxAttempts: c.MaxAttempts,
		Parameters:  params,
		Labels:      map[string]string{ComponentLabel: c.ID},
		CreatedAt:   m.clock.Now(),
	}
}

// RepairPriority derives a priority from how far score is below
// threshold: at least two thirds is critical, at least one third high,
// anything less medium.
func RepairPriority(score, threshold float64) Priority {
	if threshold <= 0 {
		return PriorityMedium
	}
	deficit := (threshold - score) / threshold
	switch {
	case deficit >= 2.0/3.0:
		return PriorityCritical
	case deficit >= 1.0/3.0:
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

// activeRepairs returns the components that have a repair unit which has
// not finished yet.
func activeRepairs(units []*Unit) map[string]bool {
	active := map[string]bool{}
	for _, unit := range units {
		component := unit.Label(ComponentLabel)
		if component == "" {
			continue
		}
		switch unit.Status {
		case UnitIdle, UnitPending, UnitRunning:
			active[component] = true
		}
	}
	return active
}
