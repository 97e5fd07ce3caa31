package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of a node.
type Metrics struct {
	// Traffic: stage transitions by stage and status.
	StageTotal *prometheus.CounterVec
	// Latency: end-to-end Execute duration by kind and status.
	ExecutionDuration *prometheus.HistogramVec
	// Saturation: breaker state per domain (0 closed, 1 half-open, 2 open).
	BreakerState *prometheus.GaugeVec
	// Admission: 1 when the node admits new work.
	NodeAdmit *prometheus.GaugeVec
	// Queue depth per shard.
	QueueDepth *prometheus.GaugeVec
}

// NewMetrics registers the collectors on reg. A nil reg uses a private
// registry that is never scraped.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Metrics{
		StageTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "predator_stage_total",
			Help: "Pipeline stage transitions.",
		}, []string{"stage", "status"}),

		ExecutionDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "predator_execution_duration_seconds",
			Help:    "Histogram of action execution latencies.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"kind", "status"}),

		BreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "predator_breaker_state",
			Help: "Domain circuit breaker state (0=closed, 1=half_open, 2=open).",
		}, []string{"domain"}),

		NodeAdmit: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "predator_node_admit",
			Help: "Whether the node admits new actions (1) or drains (0).",
		}, []string{"node"}),

		QueueDepth: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "predator_queue_depth",
			Help: "Pending actions per shard queue.",
		}, []string{"shard"}),
	}
}

// Emit makes Metrics a Sink: every event counts its stage.
func (m *Metrics) Emit(e Event) {
	status := e.Status
	if status == "" && e.Error != "" {
		status = "error"
	}
	m.StageTotal.WithLabelValues(string(e.Stage), status).Inc()
}

// ObserveExecution records one finished Execute.
func (m *Metrics) ObserveExecution(kind, status string, seconds float64) {
	m.ExecutionDuration.WithLabelValues(kind, status).Observe(seconds)
}
