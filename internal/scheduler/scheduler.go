// Package scheduler submits recurring scraper runs.
// It polls the datastore for active scrapers that carry a cron schedule and
// submits a run through the execution orchestrator whenever one is due.
//
// Scheduled runs are not privileged: each run is submitted as the scraper's owner.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jkaninda/scrapeforge/internal/config"
	"github.com/jkaninda/scrapeforge/internal/domain"
	"github.com/jkaninda/scrapeforge/internal/orchestrator"
)

// ScraperSource lists the scrapers that have a schedule.
type ScraperSource interface {
	ListScheduled(ctx context.Context) ([]domain.Scraper, error)
}

// Submitter queues an execution.
type Submitter interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*domain.Execution, error)
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler polls for due scrapers and submits them as executions.
// It runs as a background goroutine in serve mode.
type Scheduler struct {
	source  ScraperSource
	engine  Submitter
	metrics *Metrics
	logger  *slog.Logger
	config  *config.SchedulerConfig
	now     func() time.Time

	mu sync.Mutex
	// evaluated holds, per scraper, the time up to which its schedule has
	// been handled in this process (fired or skipped).
	evaluated map[uuid.UUID]time.Time
	startedAt time.Time
}

// New creates a Scheduler.
func New(
	source ScraperSource,
	engine Submitter,
	metrics *Metrics,
	logger *slog.Logger,
	cfg *config.SchedulerConfig,
) *Scheduler {
	return &Scheduler{
		source:    source,
		engine:    engine,
		metrics:   metrics,
		logger:    logger,
		config:    cfg,
		now:       time.Now,
		evaluated: make(map[uuid.UUID]time.Time),
	}
}

// Start begins the scheduler loop. Returns a cancel function.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	s.startedAt = s.now().UTC()

	go func() {
		s.logger.InfoContext(ctx, "scraper scheduler started",
			slog.String("poll_interval", s.config.PollInterval().String()),
			slog.String("missed_job_window", s.config.MissedJobWindow().String()),
		)

		// Catch up on runs missed while the process was down.
		s.Tick(ctx)

		ticker := time.NewTicker(s.config.PollInterval())
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("scraper scheduler stopped")
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()

	return cancel
}

// Tick runs a single poll cycle: find due scrapers and submit them.
func (s *Scheduler) Tick(ctx context.Context) {
	start := s.now()
	now := start.UTC()

	scrapers, err := s.source.ListScheduled(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduler tick failed",
			slog.String("error", err.Error()),
		)
		return
	}

	window := s.config.MissedJobWindow()
	var fired int
	for i := range scrapers {
		sc := &scrapers[i]
		due, err := s.dueAt(sc)
		if err != nil {
			s.logger.WarnContext(ctx, "invalid scraper schedule",
				slog.String("scraper_id", sc.ID.String()),
				slog.String("schedule", sc.Schedule),
				slog.String("error", err.Error()),
			)
			continue
		}
		if due.After(now) {
			continue
		}
		s.markEvaluated(sc.ID, now)
		if due.Before(now.Add(-window)) {
			s.logger.InfoContext(ctx, "scheduled run skipped: outside missed job window",
				slog.String("scraper_id", sc.ID.String()),
				slog.Time("due", due),
			)
			s.metrics.recordRun(outcomeMissed)
			continue
		}
		s.fire(ctx, sc)
		fired++
	}

	if fired > 0 {
		s.logger.InfoContext(ctx, "scheduled runs submitted", slog.Int("count", fired))
	}
	s.metrics.recordTick(len(scrapers), time.Since(start).Seconds())
}

// dueAt returns the next scheduled time after the scraper's last handled run.
func (s *Scheduler) dueAt(sc *domain.Scraper) (time.Time, error) {
	sched, err := parser.Parse(sc.Schedule)
	if err != nil {
		return time.Time{}, err
	}
	base := s.startedAt
	if sc.LastRunAt != nil {
		base = sc.LastRunAt.UTC()
	}
	s.mu.Lock()
	if t, ok := s.evaluated[sc.ID]; ok && t.After(base) {
		base = t
	}
	s.mu.Unlock()
	return sched.Next(base), nil
}

func (s *Scheduler) markEvaluated(id uuid.UUID, at time.Time) {
	s.mu.Lock()
	s.evaluated[id] = at
	s.mu.Unlock()
}

// fire submits one run as the scraper's owner.
func (s *Scheduler) fire(ctx context.Context, sc *domain.Scraper) {
	s.logger.InfoContext(ctx, "firing scheduled run",
		slog.String("scraper_id", sc.ID.String()),
		slog.String("name", sc.Name),
		slog.String("user_id", sc.UserID.String()),
		slog.String("schedule", sc.Schedule),
	)

	exec, err := s.engine.Submit(ctx, orchestrator.SubmitRequest{
		ScraperID: sc.ID,
		UserID:    sc.UserID,
		URL:       sc.TargetURL,
		Format:    string(domain.FormatJSON),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduled run submission failed",
			slog.String("scraper_id", sc.ID.String()),
			slog.String("error", err.Error()),
		)
		s.metrics.recordRun(outcomeRejected)
		return
	}
	s.metrics.recordRun(outcomeQueued)
	s.logger.DebugContext(ctx, "scheduled run queued",
		slog.String("scraper_id", sc.ID.String()),
		slog.String("execution_id", exec.ID.String()),
	)
}

// ValidateSchedule checks a 5-field cron expression (or @descriptor).
// Exported for use by the HTTP API when creating/updating scrapers.
func ValidateSchedule(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// NextRunFrom computes the next run time from a given reference time.
func NextRunFrom(expr string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}
