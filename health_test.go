package workgraph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func staticHealth(scores map[string]float64) HealthSource {
	return HealthSourceFunc(func(ctx context.Context) (map[string]float64, error) {
		return scores, nil
	})
}

func emptyGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := New(Options{Name: "maintenance"})
	require.NoError(t, err)
	return g
}

func TestRepairPriority(t *testing.T) {
	tests := []struct {
		score, threshold float64
		want             Priority
	}{
		{20, 30, PriorityHigh},
		{5, 30, PriorityCritical},
		{0, 30, PriorityCritical},
		{25, 30, PriorityMedium},
		{10, 0, PriorityMedium},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, RepairPriority(tt.score, tt.threshold), "score %v threshold %v", tt.score, tt.threshold)
	}
}

func TestHealthMonitorCreatesOneRepair(t *testing.T) {
	ctx := context.Background()
	g := emptyGraph(t)
	target := NewGraphTarget(g)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	monitor, err := NewHealthMonitor(HealthMonitorOptions{
		Sources: []HealthSource{staticHealth(map[string]float64{"net": 20, "disk": 90})},
		Components: []Component{
			{ID: "net", AutoRepair: true, CriticalThreshold: 30, RepairKind: "restart-net", MaxAttempts: 2,
				Parameters: map[string]any{"interface": "eth0"}},
			{ID: "disk", AutoRepair: true},
		},
		Target:  target,
		Metrics: metrics,
	})
	require.NoError(t, err)

	created, err := monitor.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, created, 1)

	repair := created[0]
	require.Equal(t, "restart-net", repair.Kind)
	require.Equal(t, PriorityHigh, repair.Priority)
	require.Equal(t, 2, repair.MaxAttempts)
	require.Equal(t, "net", repair.Label(ComponentLabel))
	require.Equal(t, "net", repair.Parameters["component"])
	require.Equal(t, 20.0, repair.Parameters["score"])
	require.Equal(t, "eth0", repair.Parameters["interface"])
	require.Len(t, g.Units, 1)
	require.Equal(t, UnitIdle, g.Units[0].Status)

	created, err = monitor.Tick(ctx)
	require.NoError(t, err)
	require.Empty(t, created)
	require.Len(t, g.Units, 1)

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.repairsCreated.WithLabelValues("net", string(PriorityHigh))))
	require.Equal(t, 20.0, testutil.ToFloat64(metrics.componentHealth.WithLabelValues("net")))
}

func TestHealthMonitorRepairsAgainAfterCompletion(t *testing.T) {
	ctx := context.Background()
	g := emptyGraph(t)
	monitor, err := NewHealthMonitor(HealthMonitorOptions{
		Sources:    []HealthSource{staticHealth(map[string]float64{"net": 10})},
		Components: []Component{{ID: "net", AutoRepair: true}},
		Target:     NewGraphTarget(g),
	})
	require.NoError(t, err)

	created, err := monitor.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, created, 1)

	g.Units[0].Status = UnitCompleted
	created, err = monitor.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, created, 1)
	require.Len(t, g.Units, 2)
}

func TestHealthMonitorLowestScoreWins(t *testing.T) {
	g := emptyGraph(t)
	monitor, err := NewHealthMonitor(HealthMonitorOptions{
		Sources: []HealthSource{
			staticHealth(map[string]float64{"db": 80}),
			staticHealth(map[string]float64{"db": 5}),
		},
		Components: []Component{{ID: "db", AutoRepair: true}},
		Target:     NewGraphTarget(g),
	})
	require.NoError(t, err)

	created, err := monitor.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, created, 1)
	require.Equal(t, PriorityCritical, created[0].Priority)
	require.Equal(t, DefaultRepairKind, created[0].Kind)
}

func TestHealthMonitorSkipsManualComponents(t *testing.T) {
	g := emptyGraph(t)
	monitor, err := NewHealthMonitor(HealthMonitorOptions{
		Sources:    []HealthSource{staticHealth(map[string]float64{"db": 5, "unknown": 0})},
		Components: []Component{{ID: "db"}},
		Target:     NewGraphTarget(g),
	})
	require.NoError(t, err)

	created, err := monitor.Tick(context.Background())
	require.NoError(t, err)
	require.Empty(t, created)
	require.Empty(t, g.Units)
}

func TestHealthMonitorRateLimit(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := emptyGraph(t)
	monitor, err := NewHealthMonitor(HealthMonitorOptions{
		Sources: []HealthSource{staticHealth(map[string]float64{"a": 1, "b": 1})},
		Components: []Component{
			{ID: "a", AutoRepair: true},
			{ID: "b", AutoRepair: true},
		},
		Target:      NewGraphTarget(g),
		RepairLimit: rate.Every(time.Minute),
		RepairBurst: 1,
		Clock:       clock,
	})
	require.NoError(t, err)

	created, err := monitor.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, created, 1)
	require.Equal(t, "a", created[0].Label(ComponentLabel))

	created, err = monitor.Tick(context.Background())
	require.NoError(t, err)
	require.Empty(t, created)

	clock.Advance(time.Minute)
	created, err = monitor.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, created, 1)
	require.Equal(t, "b", created[0].Label(ComponentLabel))
}

func TestHealthMonitorSourceError(t *testing.T) {
	g := emptyGraph(t)
	monitor, err := NewHealthMonitor(HealthMonitorOptions{
		Sources: []HealthSource{
			staticHealth(map[string]float64{"a": 1}),
			HealthSourceFunc(func(ctx context.Context) (map[string]float64, error) {
				return nil, errors.New("probe unreachable")
			}),
		},
		Components: []Component{{ID: "a", AutoRepair: true}},
		Target:     NewGraphTarget(g),
	})
	require.NoError(t, err)

	_, err = monitor.Tick(context.Background())
	require.ErrorContains(t, err, "probe unreachable")
	require.Empty(t, g.Units)
}

func TestNewHealthMonitorValidation(t *testing.T) {
	g := emptyGraph(t)
	_, err := NewHealthMonitor(HealthMonitorOptions{Sources: []HealthSource{staticHealth(nil)}})
	require.ErrorContains(t, err, "target")

	_, err = NewHealthMonitor(HealthMonitorOptions{Target: NewGraphTarget(g)})
	require.ErrorContains(t, err, "health source")

	_, err = NewHealthMonitor(HealthMonitorOptions{
		Sources:    []HealthSource{staticHealth(nil)},
		Target:     NewGraphTarget(g),
		Components: []Component{{AutoRepair: true}},
	})
	require.ErrorContains(t, err, "invalid component")
}

func TestHealthMonitorFeedsExecution(t *testing.T) {
	clock := clockwork.NewFakeClock()
	repaired := make(chan string, 1)
	g := emptyGraph(t)
	e, err := NewExecution(ExecutionOptions{
		Graph:     g,
		KeepAlive: true,
		Executors: []Executor{NewExecutorFunc(DefaultRepairKind, func(ctx context.Context, unit *Unit) (any, error) {
			repaired <- unit.Parameters["component"].(string)
			return nil, nil
		})},
	})
	require.NoError(t, err)

	monitor, err := NewHealthMonitor(HealthMonitorOptions{
		Sources:    []HealthSource{staticHealth(map[string]float64{"cache": 12})},
		Components: []Component{{ID: "cache", AutoRepair: true}},
		Target:     e,
		Interval:   time.Minute,
		Clock:      clock,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(ctx) }()
	monitorCtx, stopMonitor := context.WithCancel(ctx)
	monitorDone := make(chan error, 1)
	go func() { monitorDone <- monitor.Run(monitorCtx) }()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)
	require.Equal(t, "cache", <-repaired)

	stopMonitor()
	require.ErrorIs(t, <-monitorDone, context.Canceled)
	e.Stop()
	require.ErrorIs(t, <-runDone, ErrCancelled)

	units := e.Units()
	require.Len(t, units, 1)
	require.Equal(t, "cache", units[0].Label(ComponentLabel))
}
