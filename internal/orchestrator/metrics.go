package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/scrapeforge/internal/domain"
)

// ExecutionMetrics holds Prometheus metrics for the execution scheduler.
// All metrics use the scrapeforge_execution_ namespace.
type ExecutionMetrics struct {
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	SubmittedTotal    prometheus.Counter
	RejectedTotal     *prometheus.CounterVec
	QueueDepth        prometheus.Gauge
	ActiveRuns        prometheus.Gauge
	RecoveredTotal    prometheus.Counter
}

// NewExecutionMetrics creates and registers execution metrics on the given registry.
// Returns nil if reg is nil.
func NewExecutionMetrics(reg *prometheus.Registry) *ExecutionMetrics {
	if reg == nil {
		return nil
	}

	m := &ExecutionMetrics{
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scrapeforge",
			Subsystem: "execution",
			Name:      "total",
			Help:      "Total executions by terminal status.",
		}, []string{"status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scrapeforge",
			Subsystem: "execution",
			Name:      "duration_seconds",
			Help:      "Sandbox run duration in seconds by terminal status.",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"status"}),

		SubmittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scrapeforge",
			Subsystem: "execution",
			Name:      "submitted_total",
			Help:      "Total executions accepted onto the queue.",
		}),

		RejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scrapeforge",
			Subsystem: "execution",
			Name:      "rejected_total",
			Help:      "Total submissions rejected by reason (queue_full, stopped).",
		}, []string{"reason"}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scrapeforge",
			Subsystem: "execution",
			Name:      "queue_depth",
			Help:      "Number of executions waiting for a worker.",
		}),

		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scrapeforge",
			Subsystem: "execution",
			Name:      "active_runs",
			Help:      "Number of sandbox runs in progress.",
		}),

		RecoveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scrapeforge",
			Subsystem: "execution",
			Name:      "recovered_total",
			Help:      "Executions left unfinished by a previous process and marked failed on start.",
		}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.SubmittedTotal,
		m.RejectedTotal,
		m.QueueDepth,
		m.ActiveRuns,
		m.RecoveredTotal,
	)

	return m
}

func (m *ExecutionMetrics) recordFinished(status domain.ExecutionStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(string(status)).Inc()
	m.ExecutionDuration.WithLabelValues(string(status)).Observe(d.Seconds())
}

func (m *ExecutionMetrics) recordRejected(reason string) {
	if m == nil {
		return
	}
	m.RejectedTotal.WithLabelValues(reason).Inc()
}
