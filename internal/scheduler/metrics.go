package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Run outcomes recorded by Metrics.Runs.
const (
	outcomeQueued   = "queued"
	outcomeRejected = "rejected"
	outcomeMissed   = "missed"
)

// Metrics holds Prometheus metrics for the recurring-run scheduler.
type Metrics struct {
	Runs         *prometheus.CounterVec // label: outcome (queued, rejected, missed).
	Scheduled    prometheus.Gauge
	TickDuration prometheus.Histogram
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scrapeforge",
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Scheduled scraper runs by outcome.",
		}, []string{"outcome"}),
		Scheduled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scrapeforge",
			Subsystem: "scheduler",
			Name:      "scheduled_scrapers",
			Help:      "Scrapers with a schedule seen by the last tick.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scrapeforge",
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of each poll and submit cycle.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}
	for _, o := range []string{outcomeQueued, outcomeRejected, outcomeMissed} {
		m.Runs.WithLabelValues(o)
	}

	reg.MustRegister(m.Runs, m.Scheduled, m.TickDuration)
	return m
}

func (m *Metrics) recordRun(outcome string) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) recordTick(scheduled int, seconds float64) {
	if m == nil {
		return
	}
	m.Scheduled.Set(float64(scheduled))
	m.TickDuration.Observe(seconds)
}
