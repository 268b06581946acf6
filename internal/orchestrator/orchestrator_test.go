package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/scrapeforge/internal/domain"
	"github.com/jkaninda/scrapeforge/internal/sandbox"
	"github.com/jkaninda/scrapeforge/internal/storage/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sandboxFunc func(ctx context.Context, req sandbox.RunRequest) *sandbox.RunResult

func (f sandboxFunc) Run(ctx context.Context, req sandbox.RunRequest) *sandbox.RunResult {
	return f(ctx, req)
}

func completed(context.Context, sandbox.RunRequest) *sandbox.RunResult {
	return &sandbox.RunResult{Status: domain.ExecutionCompleted, Duration: 2 * time.Second, Stdout: "[]"}
}

type fixture struct {
	store   *memory.Store
	orch    *Orchestrator
	scraper *domain.Scraper
	scripts string
}

func newFixture(t *testing.T, cfg EngineConfig, sb sandbox.Sandbox, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	sc := &domain.Scraper{
		UserID:          domain.NewID(),
		Name:            "books",
		TargetURL:       "https://books.example.test",
		GeneratedScript: "print('hi')\n",
	}
	if err := store.Scrapers().Create(ctx, sc); err != nil {
		t.Fatal(err)
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = filepath.Join(t.TempDir(), "scripts")
	}
	o := New(store.Scrapers(), store.Executions(), sb, cfg, discardLogger(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Stop(ctx)
	})
	return &fixture{store: store, orch: o, scraper: sc, scripts: cfg.ScriptsDir}
}

// waitTerminal collects n terminal events or fails after a deadline.
func waitTerminal(t *testing.T, events <-chan Event, n int) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed after %d events", len(out))
			}
			if ev.Terminal() {
				out = append(out, ev)
			}
		case <-deadline:
			t.Fatalf("got %d terminal events, want %d", len(out), n)
		}
	}
	return out
}

func TestSubmit_RunsToCompletion(t *testing.T) {
	var sawReq sandbox.RunRequest
	var sawScript string
	f := newFixture(t, EngineConfig{RunTimeout: 42 * time.Second}, sandboxFunc(func(ctx context.Context, req sandbox.RunRequest) *sandbox.RunResult {
		sawReq = req
		b, _ := os.ReadFile(req.ScriptPath)
		sawScript = string(b)
		return completed(ctx, req)
	}))
	events, cancel := f.orch.Subscribe(8)
	defer cancel()
	ctx := context.Background()
	if err := f.orch.Start(ctx); err != nil {
		t.Fatal(err)
	}

	exec, err := f.orch.Submit(ctx, SubmitRequest{ScraperID: f.scraper.ID, UserID: f.scraper.UserID, Format: "csv"})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != domain.ExecutionPending || exec.InputURL != f.scraper.TargetURL || exec.OutputFormat != domain.FormatCSV {
		t.Errorf("pending record = %+v", exec)
	}

	ev := waitTerminal(t, events, 1)[0]
	if ev.Execution.ID != exec.ID || ev.Execution.Status != domain.ExecutionCompleted {
		t.Fatalf("event = %+v", ev.Execution)
	}

	got, err := f.store.Executions().Get(ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ExecutionCompleted || got.ExecutionTime != 2 || got.OutputData != "[]" {
		t.Errorf("persisted = %+v", got)
	}
	if got.StartedAt == nil || got.CompletedAt == nil || got.CompletedAt.Before(*got.StartedAt) {
		t.Errorf("timestamps started=%v completed=%v", got.StartedAt, got.CompletedAt)
	}

	if sawReq.ScriptPath != filepath.Join(f.scripts, f.scraper.ID.String()+".py") {
		t.Errorf("ScriptPath = %q", sawReq.ScriptPath)
	}
	if sawScript != f.scraper.GeneratedScript {
		t.Errorf("script = %q", sawScript)
	}
	if sawReq.Env["TARGET_URL"] != f.scraper.TargetURL || sawReq.Timeout != 42*time.Second {
		t.Errorf("request = %+v", sawReq)
	}
	if sawReq.ExecutionID != exec.ID.String() || sawReq.OutputFormat != domain.FormatCSV {
		t.Errorf("request = %+v", sawReq)
	}

	sc, _ := f.store.Scrapers().Get(ctx, f.scraper.ID)
	if sc.UsageCount != 1 || sc.LastRunAt == nil {
		t.Errorf("usage = %d, last run %v", sc.UsageCount, sc.LastRunAt)
	}
}

func TestSubmit_Rejections(t *testing.T) {
	f := newFixture(t, EngineConfig{}, sandboxFunc(completed))
	ctx := context.Background()

	noScript := &domain.Scraper{UserID: f.scraper.UserID, Name: "empty"}
	if err := f.store.Scrapers().Create(ctx, noScript); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		req  SubmitRequest
		want error
	}{
		{"unknown scraper", SubmitRequest{ScraperID: uuid.New(), UserID: f.scraper.UserID}, domain.ErrScraperNotFound},
		{"other user's scraper", SubmitRequest{ScraperID: f.scraper.ID, UserID: uuid.New()}, domain.ErrScraperNotFound},
		{"no script", SubmitRequest{ScraperID: noScript.ID, UserID: noScript.UserID}, domain.ErrNoScript},
		{"bad format", SubmitRequest{ScraperID: f.scraper.ID, UserID: f.scraper.UserID, Format: "yaml"}, domain.ErrInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.Submit(ctx, tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	list, _ := f.store.Executions().ListByScraper(ctx, f.scraper.ID, domain.Page{})
	if len(list) != 0 {
		t.Errorf("rejected submissions created %d records", len(list))
	}
}

func TestSubmit_QueueFullFailsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t, EngineConfig{QueueSize: 1}, sandboxFunc(completed), WithMetrics(NewExecutionMetrics(reg)))
	ctx := context.Background()
	req := SubmitRequest{ScraperID: f.scraper.ID, UserID: f.scraper.UserID}

	// Workers are not started, so the single slot stays occupied.
	first, err := f.orch.Submit(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.Submit(ctx, req); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}

	list, _ := f.store.Executions().ListByScraper(ctx, f.scraper.ID, domain.Page{})
	if len(list) != 2 {
		t.Fatalf("records = %d, want 2", len(list))
	}
	statuses := map[domain.ExecutionStatus]int{}
	for _, e := range list {
		statuses[e.Status]++
		if e.Status == domain.ExecutionFailed && e.ErrorMessage != ErrQueueFull.Error() {
			t.Errorf("ErrorMessage = %q", e.ErrorMessage)
		}
	}
	if statuses[domain.ExecutionPending] != 1 || statuses[domain.ExecutionFailed] != 1 {
		t.Errorf("statuses = %v", statuses)
	}

	if err := f.orch.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := f.store.Executions().Get(ctx, first.ID)
	if got.Status != domain.ExecutionFailed || got.ErrorMessage != ErrStopped.Error() {
		t.Errorf("queued record after stop = %s %q", got.Status, got.ErrorMessage)
	}
	if _, err := f.orch.Submit(ctx, req); !errors.Is(err, ErrStopped) {
		t.Errorf("submit after stop err = %v", err)
	}
}

func TestStart_FailsUnfinishedExecutions(t *testing.T) {
	f := newFixture(t, EngineConfig{}, sandboxFunc(completed))
	ctx := context.Background()
	stale := &domain.Execution{ScraperID: f.scraper.ID, UserID: f.scraper.UserID, Status: domain.ExecutionRunning}
	if err := f.store.Executions().Create(ctx, stale); err != nil {
		t.Fatal(err)
	}

	if err := f.orch.Start(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := f.store.Executions().Get(ctx, stale.ID)
	if got.Status != domain.ExecutionFailed || got.ErrorMessage != RestartMessage {
		t.Errorf("stale record = %s %q", got.Status, got.ErrorMessage)
	}
}

func TestWorker_TimeoutOutcome(t *testing.T) {
	f := newFixture(t, EngineConfig{}, sandboxFunc(func(context.Context, sandbox.RunRequest) *sandbox.RunResult {
		return &sandbox.RunResult{Status: domain.ExecutionTimeout, Duration: 300 * time.Second, Error: "execution timed out"}
	}))
	events, cancel := f.orch.Subscribe(8)
	defer cancel()
	ctx := context.Background()
	if err := f.orch.Start(ctx); err != nil {
		t.Fatal(err)
	}
	exec, err := f.orch.Submit(ctx, SubmitRequest{ScraperID: f.scraper.ID, UserID: f.scraper.UserID, URL: "https://other.test"})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, events, 1)

	got, _ := f.store.Executions().Get(ctx, exec.ID)
	if got.Status != domain.ExecutionTimeout || got.ExecutionTime != 300 || got.ErrorMessage != "execution timed out" {
		t.Errorf("persisted = %+v", got)
	}
	if got.InputURL != "https://other.test" {
		t.Errorf("InputURL = %q", got.InputURL)
	}
}

func TestWorkers_RespectConcurrencyLimit(t *testing.T) {
	var active, peak atomic.Int32
	release := make(chan struct{})
	var startedOnce sync.WaitGroup
	startedOnce.Add(2)
	var startedCount atomic.Int32

	f := newFixture(t, EngineConfig{MaxConcurrent: 2}, sandboxFunc(func(ctx context.Context, req sandbox.RunRequest) *sandbox.RunResult {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		if startedCount.Add(1) <= 2 {
			startedOnce.Done()
		}
		<-release
		active.Add(-1)
		return completed(ctx, req)
	}))
	events, cancel := f.orch.Subscribe(32)
	defer cancel()
	ctx := context.Background()
	if err := f.orch.Start(ctx); err != nil {
		t.Fatal(err)
	}

	for range 5 {
		if _, err := f.orch.Submit(ctx, SubmitRequest{ScraperID: f.scraper.ID, UserID: f.scraper.UserID}); err != nil {
			t.Fatal(err)
		}
	}
	startedOnce.Wait()
	close(release)

	waitTerminal(t, events, 5)
	if p := peak.Load(); p != 2 {
		t.Errorf("peak concurrency = %d, want 2", p)
	}
	sc, _ := f.store.Scrapers().Get(ctx, f.scraper.ID)
	if sc.UsageCount != 5 {
		t.Errorf("UsageCount = %d, want 5", sc.UsageCount)
	}
}

func TestExecutionMetrics_Created(t *testing.T) {
	if NewExecutionMetrics(nil) != nil {
		t.Fatal("nil registry must yield nil metrics")
	}
	reg := prometheus.NewRegistry()
	m := NewExecutionMetrics(reg)
	m.recordFinished(domain.ExecutionCompleted, time.Second)
	m.recordRejected("queue_full")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"scrapeforge_execution_total",
		"scrapeforge_execution_duration_seconds",
		"scrapeforge_execution_rejected_total",
		"scrapeforge_execution_queue_depth",
	} {
		if !names[expected] {
			t.Errorf("missing metric %q", expected)
		}
	}
}
