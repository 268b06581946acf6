package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// MetricsCollector holds the process-wide Prometheus metrics.
// Uses a custom registry, no global state. The orchestrator and scheduler
// register their own metrics on Registry.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Generation provider metrics.
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec

	// Sandbox metrics.
	SandboxRunsTotal       *prometheus.CounterVec
	SandboxRunDuration     *prometheus.HistogramVec
	SandboxCleanupFailures prometheus.Counter

	// Credit metrics.
	CreditsSpentTotal    prometheus.Counter
	CreditsRefundedTotal prometheus.Counter

	// Webhook delivery metrics.
	WebhookDeliveriesTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitedTotal    prometheus.Counter

	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry, alongside the Go runtime and process collectors.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scrapeforge",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total generation provider requests.",
		}, []string{"provider", "model", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scrapeforge",
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "Generation provider request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider", "model"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scrapeforge",
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total generation tokens consumed.",
		}, []string{"provider", "model", "direction"}),

		SandboxRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scrapeforge",
			Subsystem: "sandbox",
			Name:      "runs_total",
			Help:      "Total sandboxed script runs by terminal status.",
		}, []string{"type", "status"}),

		SandboxRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scrapeforge",
			Subsystem: "sandbox",
			Name:      "run_duration_seconds",
			Help:      "Sandboxed script run duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"type"}),

		SandboxCleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scrapeforge",
			Subsystem: "sandbox",
			Name:      "cleanup_failures_total",
			Help:      "Scratch directories that could not be removed after a run.",
		}),

		CreditsSpentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scrapeforge",
			Subsystem: "credits",
			Name:      "spent_total",
			Help:      "Total credits debited for generations.",
		}),

		CreditsRefundedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scrapeforge",
			Subsystem: "credits",
			Name:      "refunded_total",
			Help:      "Total credits returned after failed generations.",
		}),

		WebhookDeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scrapeforge",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Webhook deliveries by result.",
		}, []string{"result"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scrapeforge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scrapeforge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scrapeforge",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-user rate limiter.",
		}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scrapeforge",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.SandboxRunsTotal,
		m.SandboxRunDuration,
		m.SandboxCleanupFailures,
		m.CreditsSpentTotal,
		m.CreditsRefundedTotal,
		m.WebhookDeliveriesTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RateLimitedTotal,
		m.ActiveRequests,
	)

	return m
}

// RecordCleanupFailure implements sandbox.CleanupRecorder.
func (m *MetricsCollector) RecordCleanupFailure() {
	if m == nil {
		return
	}
	m.SandboxCleanupFailures.Inc()
}

// RecordCreditsSpent counts a generation debit.
func (m *MetricsCollector) RecordCreditsSpent(n int) {
	if m == nil {
		return
	}
	m.CreditsSpentTotal.Add(float64(n))
}

// RecordCreditsRefunded counts a refund after a failed generation.
func (m *MetricsCollector) RecordCreditsRefunded(n int) {
	if m == nil {
		return
	}
	m.CreditsRefundedTotal.Add(float64(n))
}

// RecordWebhookDelivery counts a webhook delivery outcome.
func (m *MetricsCollector) RecordWebhookDelivery(ok bool) {
	if m == nil {
		return
	}
	result := "delivered"
	if !ok {
		result = "failed"
	}
	m.WebhookDeliveriesTotal.WithLabelValues(result).Inc()
}

// RecordRateLimited counts a request rejected by the rate limiter.
func (m *MetricsCollector) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedTotal.Inc()
}

// RegistryOrNil returns the registry, or nil for a nil collector.
func (m *MetricsCollector) RegistryOrNil() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.Registry
}
