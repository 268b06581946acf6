package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/jkaninda/scrapeforge/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, discardLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func createUser(t *testing.T, s *Store, name string, credits int) *domain.User {
	t.Helper()
	u := &domain.User{Name: name, APIKeyHash: "hash-" + name, Credits: credits}
	if err := s.Users().Create(context.Background(), u); err != nil {
		t.Fatalf("creating user: %v", err)
	}
	return u
}

func createScraper(t *testing.T, s *Store, owner *domain.User) *domain.Scraper {
	t.Helper()
	sc := &domain.Scraper{
		UserID:    owner.ID,
		Name:      "products",
		TargetURL: "https://example.test/products",
		Fields: []domain.FieldSpec{
			{Name: "title", Description: "product title", Required: true},
			{Name: "price", Selector: ".price"},
		},
		Tags: []string{"shop"},
	}
	if err := s.Scrapers().Create(context.Background(), sc); err != nil {
		t.Fatalf("creating scraper: %v", err)
	}
	return sc
}

func TestUsers_CreateAndLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := createUser(t, s, "alice", 0)

	got, err := s.Users().GetByAPIKeyHash(ctx, "hash-alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != u.ID || got.Credits != 0 {
		t.Errorf("got %+v", got)
	}

	if _, err := s.Users().GetByAPIKeyHash(ctx, "nope"); !errors.Is(err, domain.ErrUserNotFound) {
		t.Errorf("unknown key: got %v, want ErrUserNotFound", err)
	}
	if _, err := s.Users().Get(ctx, domain.NewID()); !errors.Is(err, domain.ErrUserNotFound) {
		t.Errorf("unknown id: got %v, want ErrUserNotFound", err)
	}
}

func TestUsers_DebitCredits(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := createUser(t, s, "bob", 25)

	bal, err := s.Users().DebitCredits(ctx, u.ID, 10)
	if err != nil || bal != 15 {
		t.Fatalf("DebitCredits = %d, %v; want 15", bal, err)
	}
	bal, err = s.Users().DebitCredits(ctx, u.ID, 15)
	if err != nil || bal != 0 {
		t.Fatalf("DebitCredits = %d, %v; want 0", bal, err)
	}
	if _, err := s.Users().DebitCredits(ctx, u.ID, 1); !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Errorf("got %v, want ErrInsufficientCredits", err)
	}
	if _, err := s.Users().DebitCredits(ctx, domain.NewID(), 1); !errors.Is(err, domain.ErrUserNotFound) {
		t.Errorf("got %v, want ErrUserNotFound", err)
	}

	bal, err = s.Users().AddCredits(ctx, u.ID, 40)
	if err != nil || bal != 40 {
		t.Errorf("AddCredits = %d, %v; want 40", bal, err)
	}
}

func TestUsers_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := createUser(t, s, "carol", 10)

	var wg sync.WaitGroup
	var wins atomic.Int32
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Users().DebitCredits(ctx, u.ID, 10); err == nil {
				wins.Add(1)
			} else if !errors.Is(err, domain.ErrInsufficientCredits) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("wins = %d, want exactly 1", wins.Load())
	}
	if bal, _ := s.Users().GetCredits(ctx, u.ID); bal != 0 {
		t.Errorf("balance = %d, want 0", bal)
	}
}

func TestScrapers_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := createUser(t, s, "dave", 100)
	sc := createScraper(t, s, u)

	got, err := s.Scrapers().Get(ctx, sc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ScraperDraft {
		t.Errorf("Status = %q, want draft", got.Status)
	}
	if diff := cmp.Diff(sc.Fields, got.Fields); diff != "" {
		t.Errorf("Fields mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"shop"}, got.Tags); diff != "" {
		t.Errorf("Tags mismatch (-want +got):\n%s", diff)
	}
	if got.HasScript() {
		t.Error("new scraper must not have a script")
	}

	got.GeneratedScript = "print('hi')"
	got.Status = domain.ScraperActive
	got.Schedule = "*/5 * * * *"
	if err := s.Scrapers().Update(ctx, got); err != nil {
		t.Fatal(err)
	}
	again, _ := s.Scrapers().Get(ctx, sc.ID)
	if again.GeneratedScript != "print('hi')" || again.Status != domain.ScraperActive {
		t.Errorf("update not persisted: %+v", again)
	}

	scheduled, err := s.Scrapers().ListScheduled(ctx)
	if err != nil || len(scheduled) != 1 || scheduled[0].ID != sc.ID {
		t.Errorf("ListScheduled = %v, %v", scheduled, err)
	}

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := s.Scrapers().RecordRun(ctx, sc.ID, at); err != nil {
		t.Fatal(err)
	}
	if err := s.Scrapers().RecordRun(ctx, sc.ID, at.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	again, _ = s.Scrapers().Get(ctx, sc.ID)
	if again.UsageCount != 2 || again.LastRunAt == nil || !again.LastRunAt.Equal(at.Add(time.Minute)) {
		t.Errorf("usage=%d last_run=%v", again.UsageCount, again.LastRunAt)
	}

	if err := s.Scrapers().Update(ctx, &domain.Scraper{ID: domain.NewID(), Status: domain.ScraperDraft}); !errors.Is(err, domain.ErrScraperNotFound) {
		t.Errorf("update missing: got %v", err)
	}
}

func TestScrapers_DeleteCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := createUser(t, s, "erin", 100)
	sc := createScraper(t, s, u)

	e := &domain.Execution{UserID: u.ID, ScraperID: sc.ID, InputURL: sc.TargetURL, OutputFormat: domain.FormatJSON, Status: domain.ExecutionPending}
	if err := s.Executions().Create(ctx, e); err != nil {
		t.Fatal(err)
	}
	scraperID := sc.ID
	if err := s.Attempts().AppendAttempt(ctx, &domain.GenerationAttempt{UserID: u.ID, ScraperID: &scraperID, Model: "template", Success: true}); err != nil {
		t.Fatal(err)
	}

	if err := s.Scrapers().Delete(ctx, sc.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Scrapers().Get(ctx, sc.ID); !errors.Is(err, domain.ErrScraperNotFound) {
		t.Errorf("scraper still present: %v", err)
	}
	if _, err := s.Executions().Get(ctx, e.ID); !errors.Is(err, domain.ErrExecutionNotFound) {
		t.Errorf("execution still present: %v", err)
	}
	if rows, _ := s.Attempts().ListByScraper(ctx, sc.ID, domain.Page{}); len(rows) != 0 {
		t.Errorf("attempts still present: %d", len(rows))
	}
	if err := s.Scrapers().Delete(ctx, sc.ID); !errors.Is(err, domain.ErrScraperNotFound) {
		t.Errorf("second delete: got %v", err)
	}
}

func TestExecutions_ListNewestFirstWithPaging(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := createUser(t, s, "frank", 100)
	sc := createScraper(t, s, u)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var ids []string
	for i := range 5 {
		e := &domain.Execution{
			UserID:       u.ID,
			ScraperID:    sc.ID,
			InputURL:     sc.TargetURL,
			OutputFormat: domain.FormatCSV,
			Status:       domain.ExecutionPending,
			CreatedAt:    base.Add(time.Duration(i) * time.Second),
		}
		if err := s.Executions().Create(ctx, e); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, e.ID.String())
	}

	got, err := s.Executions().ListByScraper(ctx, sc.ID, domain.Page{Skip: 1, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	var gotIDs []string
	for _, e := range got {
		gotIDs = append(gotIDs, e.ID.String())
	}
	if diff := cmp.Diff([]string{ids[3], ids[2]}, gotIDs); diff != "" {
		t.Errorf("page mismatch (-want +got):\n%s", diff)
	}
}

func TestExecutions_UpdateAndFailUnfinished(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := createUser(t, s, "grace", 100)
	sc := createScraper(t, s, u)

	done := &domain.Execution{UserID: u.ID, ScraperID: sc.ID, InputURL: sc.TargetURL, OutputFormat: domain.FormatJSON, Status: domain.ExecutionPending}
	stuck := &domain.Execution{UserID: u.ID, ScraperID: sc.ID, InputURL: sc.TargetURL, OutputFormat: domain.FormatJSON, Status: domain.ExecutionPending}
	for _, e := range []*domain.Execution{done, stuck} {
		if err := s.Executions().Create(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	now := time.Now().UTC()
	if err := done.Start(now); err != nil {
		t.Fatal(err)
	}
	if err := done.Finish(now.Add(2*time.Second), domain.Outcome{Status: domain.ExecutionCompleted, Duration: 2 * time.Second, OutputData: "[]"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Executions().Update(ctx, done); err != nil {
		t.Fatal(err)
	}
	if err := stuck.Start(now); err != nil {
		t.Fatal(err)
	}
	if err := s.Executions().Update(ctx, stuck); err != nil {
		t.Fatal(err)
	}

	n, err := s.Executions().FailUnfinished(ctx, "interrupted by restart", now)
	if err != nil || n != 1 {
		t.Fatalf("FailUnfinished = %d, %v; want 1", n, err)
	}

	got, _ := s.Executions().Get(ctx, done.ID)
	want := &domain.Execution{Status: domain.ExecutionCompleted, OutputData: "[]", ExecutionTime: 2}
	opts := cmpopts.IgnoreFields(domain.Execution{}, "ID", "UserID", "ScraperID", "InputURL", "OutputFormat", "CreatedAt", "StartedAt", "CompletedAt")
	if diff := cmp.Diff(want, got, opts); diff != "" {
		t.Errorf("completed execution mismatch (-want +got):\n%s", diff)
	}

	got, _ = s.Executions().Get(ctx, stuck.ID)
	if got.Status != domain.ExecutionFailed || got.ErrorMessage != "interrupted by restart" || got.CompletedAt == nil {
		t.Errorf("stuck execution = %+v", got)
	}
}

func TestAttempts_ListByScraper(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := createUser(t, s, "heidi", 100)
	sc := createScraper(t, s, u)
	scraperID := sc.ID

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, model := range []string{"template", "gpt-3.5-turbo"} {
		a := &domain.GenerationAttempt{UserID: u.ID, ScraperID: &scraperID, Model: model, Success: true, Cost: 0.002, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.Attempts().AppendAttempt(ctx, a); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Attempts().AppendAttempt(ctx, &domain.GenerationAttempt{UserID: u.ID, Model: "template"}); err != nil {
		t.Fatal(err)
	}

	rows, err := s.Attempts().ListByScraper(ctx, sc.ID, domain.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].Model != "gpt-3.5-turbo" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestDriverAndPing(t *testing.T) {
	s := openTestStore(t)
	if s.Driver() != "sqlite" {
		t.Errorf("Driver = %q", s.Driver())
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
