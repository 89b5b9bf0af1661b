package workgraph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors updated by executions,
// checkpoint stores and health monitors. A nil *Metrics records nothing.
type Metrics struct {
	unitsStarted        *prometheus.CounterVec
	unitsFinished       *prometheus.CounterVec
	unitDuration        *prometheus.HistogramVec
	unitRetries         *prometheus.CounterVec
	checkpointsSaved    *prometheus.CounterVec
	checkpointsRejected prometheus.Counter
	graphsFinished      *prometheus.CounterVec
	graphDuration       prometheus.Histogram
	repairsCreated      *prometheus.CounterVec
	componentHealth     *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		unitsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workgraph_units_started_total",
			Help: "Unit attempts started",
		}, []string{"kind"}),
		unitsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workgraph_units_finished_total",
			Help: "Units reaching a terminal status",
		}, []string{"kind", "status"}),
		unitDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workgraph_unit_duration_seconds",
			Help:    "Duration of the final attempt of a unit",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
		}, []string{"kind"}),
		unitRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workgraph_unit_retries_total",
			Help: "Unit attempts scheduled for retry",
		}, []string{"kind"}),
		checkpointsSaved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workgraph_checkpoints_saved_total",
			Help: "Checkpoints written",
		}, []string{"reason"}),
		checkpointsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "workgraph_checkpoints_rejected_total",
			Help: "Checkpoints that failed the integrity check on restore",
		}),
		graphsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workgraph_graphs_finished_total",
			Help: "Graph runs finished",
		}, []string{"status"}),
		graphDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "workgraph_graph_duration_seconds",
			Help:    "Duration of graph runs",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		repairsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workgraph_repairs_created_total",
			Help: "Repair units created by the health monitor",
		}, []string{"component", "priority"}),
		componentHealth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "workgraph_component_health",
			Help: "Last observed health score per component",
		}, []string{"component"}),
	}
}

func (m *Metrics) unitStarted(kind string) {
	if m == nil {
		return
	}
	m.unitsStarted.WithLabelValues(kind).Inc()
}

func (m *Metrics) unitFinished(kind string, status UnitStatus, duration time.Duration) {
	if m == nil {
		return
	}
	m.unitsFinished.WithLabelValues(kind, string(status)).Inc()
	if duration > 0 {
		m.unitDuration.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

func (m *Metrics) unitRetried(kind string) {
	if m == nil {
		return
	}
	m.unitRetries.WithLabelValues(kind).Inc()
}

func (m *Metrics) checkpointSaved(reason CheckpointReason) {
	if m == nil {
		return
	}
	m.checkpointsSaved.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) checkpointRejected() {
	if m == nil {
		return
	}
	m.checkpointsRejected.Inc()
}

func (m *Metrics) graphFinished(status GraphStatus, duration time.Duration) {
	if m == nil {
		return
	}
	m.graphsFinished.WithLabelValues(string(status)).Inc()
	m.graphDuration.Observe(duration.Seconds())
}

func (m *Metrics) repairCreated(component string, priority Priority) {
	if m == nil {
		return
	}
	m.repairsCreated.WithLabelValues(component, string(priority)).Inc()
}

func (m *Metrics) componentHealthScore(component string, score float64) {
	if m == nil {
		return
	}
	m.componentHealth.WithLabelValues(component).Set(score)
}
