package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/scrapeforge/internal/config"
)

const (
	defaultAnomalyWindow = 300 * time.Second
	minAnomalySamples    = 5
)

// AnomalyDetector warns when the failure rate of an operation (a provider
// call, a sandbox run) exceeds a threshold within a sliding window.
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	threshold     float64
	window        time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

type slidingWindow struct {
	entries []time.Time
	window  time.Duration
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	window := defaultAnomalyWindow
	if cfg.WindowSeconds > 0 {
		window = time.Duration(cfg.WindowSeconds) * time.Second
	}
	return &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		threshold:     cfg.ErrorRateThreshold,
		window:        window,
		logger:        logger,
		now:           time.Now,
	}
}

// RecordError records a failed operation and reports whether the error
// rate is now above the threshold.
func (a *AnomalyDetector) RecordError(operation string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.windowFor(a.errorCounts, operation).add(now)
	return a.checkErrorRate(operation, now)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.successCounts, operation).add(a.now())
}

// ErrorRate returns the failure ratio of operation within the window.
func (a *AnomalyDetector) ErrorRate(operation string) float64 {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	errs := float64(a.windowFor(a.errorCounts, operation).count(now))
	total := errs + float64(a.windowFor(a.successCounts, operation).count(now))
	if total == 0 {
		return 0
	}
	return errs / total
}

// checkErrorRate must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(operation string, now time.Time) bool {
	if a.threshold <= 0 {
		return false
	}

	errs := float64(a.windowFor(a.errorCounts, operation).count(now))
	total := errs + float64(a.windowFor(a.successCounts, operation).count(now))
	if total < minAnomalySamples {
		return false
	}

	rate := errs / total
	if rate <= a.threshold {
		return false
	}
	if a.logger != nil {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Float64("errors", errs),
			slog.Float64("total", total),
		)
	}
	return true
}

func (a *AnomalyDetector) windowFor(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(now time.Time) {
	w.entries = append(w.entries, now)
	w.prune(now)
}

func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.entries)
}

// prune drops entries older than the window.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
