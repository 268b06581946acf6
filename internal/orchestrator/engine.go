package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jkaninda/scrapeforge/internal/domain"
	"github.com/jkaninda/scrapeforge/internal/sandbox"
	"github.com/jkaninda/scrapeforge/internal/storage"
)

// persistTimeout bounds writes made after the run context may be gone.
const persistTimeout = 10 * time.Second

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records scheduler metrics.
func WithMetrics(m *ExecutionMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator accepts execution requests, persists the pending record and
// hands the run to a fixed pool of workers. Only the worker that dequeues
// a record writes it afterwards.
type Orchestrator struct {
	scrapers   storage.ScraperStore
	executions storage.ExecutionStore
	sandbox    sandbox.Sandbox
	config     EngineConfig
	metrics    *ExecutionMetrics
	logger     *slog.Logger
	now        func() time.Time

	queue chan job

	mu       sync.RWMutex // Guards stopped and queue sends.
	stopped  bool
	started  bool
	stopping chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	subMu  sync.RWMutex
	subs   map[int]chan Event
	nextID int
}

// New creates an orchestrator. Call Start to launch the workers.
func New(
	scrapers storage.ScraperStore,
	executions storage.ExecutionStore,
	sb sandbox.Sandbox,
	cfg EngineConfig,
	logger *slog.Logger,
	opts ...Option,
) *Orchestrator {
	runCtx, runCancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		scrapers:   scrapers,
		executions: executions,
		sandbox:    sb,
		config:     cfg,
		logger:     logger,
		now:        time.Now,
		queue:      make(chan job, cfg.queueSize()),
		stopping:   make(chan struct{}),
		runCtx:     runCtx,
		runCancel:  runCancel,
		subs:       make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start fails executions a previous process left unfinished and launches
// the workers. It is a no-op when called twice.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return ErrStopped
	}
	if o.started {
		return nil
	}

	n, err := o.executions.FailUnfinished(ctx, RestartMessage, o.now())
	if err != nil {
		return fmt.Errorf("recovering unfinished executions: %w", err)
	}
	if n > 0 {
		o.logger.WarnContext(ctx, "unfinished executions marked failed",
			slog.Int64("count", n),
		)
		if o.metrics != nil {
			o.metrics.RecoveredTotal.Add(float64(n))
		}
	}

	workers := o.config.concurrency()
	for i := range workers {
		o.wg.Add(1)
		go o.worker(i)
	}
	o.started = true
	o.logger.InfoContext(ctx, "execution scheduler started",
		slog.Int("workers", workers),
		slog.Int("queue_size", cap(o.queue)),
		slog.Duration("run_timeout", o.config.runTimeout()),
	)
	return nil
}

// Submit validates the request, creates the pending execution and queues it.
// The returned execution is the pending record; progress is reported to
// subscribers and persisted by the worker.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*domain.Execution, error) {
	scraper, err := o.scrapers.Get(ctx, req.ScraperID)
	if err != nil {
		return nil, err
	}
	if scraper.UserID != req.UserID {
		// Other users' scrapers are reported as missing.
		return nil, fmt.Errorf("%w: %s", domain.ErrScraperNotFound, req.ScraperID)
	}
	if !scraper.HasScript() {
		return nil, domain.ErrNoScript
	}
	format, err := domain.ParseOutputFormat(req.Format)
	if err != nil {
		return nil, err
	}
	url := req.URL
	if url == "" {
		url = scraper.TargetURL
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.stopped {
		o.metrics.recordRejected("stopped")
		return nil, ErrStopped
	}

	exec := &domain.Execution{
		ID:           domain.NewID(),
		UserID:       req.UserID,
		ScraperID:    scraper.ID,
		InputURL:     url,
		OutputFormat: format,
		Status:       domain.ExecutionPending,
		CreatedAt:    o.now().UTC(),
	}
	if err := o.executions.Create(ctx, exec); err != nil {
		return nil, fmt.Errorf("creating execution: %w", err)
	}
	if err := o.scrapers.RecordRun(ctx, scraper.ID, exec.CreatedAt); err != nil {
		o.logger.WarnContext(ctx, "recording scraper usage failed",
			slog.String("scraper_id", scraper.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	snapshot := *exec
	select {
	case o.queue <- job{exec: &snapshot, script: scraper.GeneratedScript}:
	default:
		o.metrics.recordRejected("queue_full")
		o.logger.WarnContext(ctx, "execution queue full",
			slog.String("execution_id", exec.ID.String()),
			slog.Int("queue_size", cap(o.queue)),
		)
		o.finish(ctx, exec, domain.Outcome{Status: domain.ExecutionFailed, Error: ErrQueueFull.Error()})
		return nil, ErrQueueFull
	}

	if o.metrics != nil {
		o.metrics.SubmittedTotal.Inc()
		o.metrics.QueueDepth.Set(float64(len(o.queue)))
	}
	o.logger.InfoContext(ctx, "execution submitted",
		slog.String("execution_id", exec.ID.String()),
		slog.String("scraper_id", scraper.ID.String()),
		slog.String("user_id", req.UserID.String()),
		slog.String("format", string(format)),
	)
	return exec, nil
}

// Stop rejects new submissions, fails queued executions that have not
// started, and waits for in-flight runs. When ctx expires first, in-flight
// runs are cancelled and ctx.Err() is returned.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	close(o.stopping)
	close(o.queue)
	started := o.started
	o.mu.Unlock()

	if !started {
		// No workers: drain here.
		for j := range o.queue {
			o.finish(ctx, j.exec, domain.Outcome{Status: domain.ExecutionFailed, Error: ErrStopped.Error()})
		}
		o.runCancel()
		o.closeSubscribers()
		return nil
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		o.logger.Warn("stop deadline reached, cancelling in-flight runs")
		o.runCancel()
		<-done
		err = ctx.Err()
	}
	o.runCancel()
	o.closeSubscribers()
	o.logger.Info("execution scheduler stopped")
	return err
}

// Subscribe returns a channel receiving every state change and a function
// that removes the subscription. Slow subscribers miss events.
func (o *Orchestrator) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	o.subMu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = ch
	o.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.subMu.Lock()
			defer o.subMu.Unlock()
			if c, ok := o.subs[id]; ok {
				delete(o.subs, id)
				close(c)
			}
		})
	}
}

func (o *Orchestrator) worker(n int) {
	defer o.wg.Done()
	for j := range o.queue {
		if o.metrics != nil {
			o.metrics.QueueDepth.Set(float64(len(o.queue)))
		}
		select {
		case <-o.stopping:
			o.finish(o.runCtx, j.exec, domain.Outcome{Status: domain.ExecutionFailed, Error: ErrStopped.Error()})
			continue
		default:
		}
		o.run(j, n)
	}
}

func (o *Orchestrator) run(j job, worker int) {
	ctx := o.runCtx
	exec := j.exec
	logger := o.logger.With(
		slog.String("execution_id", exec.ID.String()),
		slog.String("scraper_id", exec.ScraperID.String()),
		slog.Int("worker", worker),
	)

	scriptPath, err := o.writeScript(exec, j.script)
	if err != nil {
		logger.ErrorContext(ctx, "writing script failed", slog.String("error", err.Error()))
		o.finish(ctx, exec, domain.Outcome{Status: domain.ExecutionFailed, Error: err.Error()})
		return
	}

	if err := exec.Start(o.now()); err != nil {
		logger.ErrorContext(ctx, "starting execution", slog.String("error", err.Error()))
		return
	}
	if err := o.persist(ctx, exec); err != nil {
		logger.ErrorContext(ctx, "persisting running state failed", slog.String("error", err.Error()))
	}
	o.publish(exec)

	if o.metrics != nil {
		o.metrics.ActiveRuns.Inc()
		defer o.metrics.ActiveRuns.Dec()
	}

	res := o.sandbox.Run(ctx, sandbox.RunRequest{
		ScriptPath:   scriptPath,
		ExecutionID:  exec.ID.String(),
		OutputFormat: exec.OutputFormat,
		Timeout:      o.config.runTimeout(),
		Env:          map[string]string{"TARGET_URL": exec.InputURL},
	})
	o.finish(ctx, exec, res.Outcome())

	logger.InfoContext(ctx, "execution finished",
		slog.String("status", string(exec.Status)),
		slog.Int("execution_time_s", exec.ExecutionTime),
	)
}

// finish applies a terminal outcome, persists and publishes it.
func (o *Orchestrator) finish(ctx context.Context, exec *domain.Execution, outcome domain.Outcome) {
	if err := exec.Finish(o.now(), outcome); err != nil {
		o.logger.ErrorContext(ctx, "finishing execution",
			slog.String("execution_id", exec.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := o.persist(ctx, exec); err != nil {
		o.logger.ErrorContext(ctx, "persisting terminal state failed",
			slog.String("execution_id", exec.ID.String()),
			slog.String("status", string(exec.Status)),
			slog.String("error", err.Error()),
		)
	}
	o.metrics.recordFinished(exec.Status, outcome.Duration)
	o.publish(exec)
}

func (o *Orchestrator) persist(ctx context.Context, exec *domain.Execution) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	return o.executions.Update(ctx, exec)
}

// writeScript stores the script as <scripts>/<scraper_id>.py. The write goes
// through a temp file so concurrent runs of one scraper never read a torn file.
func (o *Orchestrator) writeScript(exec *domain.Execution, script string) (string, error) {
	dir := o.config.ScriptsDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "scrapeforge", "scripts")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("creating scripts dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, exec.ScraperID.String()+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("writing script: %w", err)
	}
	if _, err := tmp.WriteString(script); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing script: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing script: %w", err)
	}
	path := filepath.Join(dir, exec.ScraperID.String()+".py")
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing script: %w", err)
	}
	return path, nil
}

func (o *Orchestrator) publish(exec *domain.Execution) {
	ev := Event{Execution: *exec, At: o.now().UTC()}
	o.subMu.RLock()
	defer o.subMu.RUnlock()
	for _, ch := range o.subs {
		select {
		case ch <- ev:
		default:
			o.logger.Debug("subscriber slow, event dropped",
				slog.String("execution_id", exec.ID.String()),
			)
		}
	}
}

func (o *Orchestrator) closeSubscribers() {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for id, ch := range o.subs {
		delete(o.subs, id)
		close(ch)
	}
}
