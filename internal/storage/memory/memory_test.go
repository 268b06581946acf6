package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/scrapeforge/internal/domain"
)

func TestDebitCredits_ConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := New()
	u := &domain.User{Name: "alice", APIKeyHash: "h1", Credits: 10}
	if err := s.Users().Create(ctx, u); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, losses := 0, 0
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Users().DebitCredits(ctx, u.ID, 10)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, domain.ErrInsufficientCredits):
				losses++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || losses != 1 {
		t.Errorf("wins=%d losses=%d, want 1/1", wins, losses)
	}
	if got, _ := s.Users().GetCredits(ctx, u.ID); got != 0 {
		t.Errorf("balance = %d, want 0", got)
	}
}

func TestScraperDeleteCascades(t *testing.T) {
	ctx := context.Background()
	s := New()
	sc := &domain.Scraper{UserID: domain.NewID(), Name: "books"}
	if err := s.Scrapers().Create(ctx, sc); err != nil {
		t.Fatal(err)
	}
	if sc.Status != domain.ScraperDraft {
		t.Errorf("Status = %s, want draft", sc.Status)
	}
	e := &domain.Execution{ScraperID: sc.ID, Status: domain.ExecutionPending}
	if err := s.Executions().Create(ctx, e); err != nil {
		t.Fatal(err)
	}
	sid := sc.ID
	if err := s.Attempts().AppendAttempt(ctx, &domain.GenerationAttempt{ScraperID: &sid}); err != nil {
		t.Fatal(err)
	}

	if err := s.Scrapers().Delete(ctx, sc.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Executions().Get(ctx, e.ID); !errors.Is(err, domain.ErrExecutionNotFound) {
		t.Errorf("execution survived delete: %v", err)
	}
	if got, _ := s.Attempts().ListByScraper(ctx, sid, domain.Page{}); len(got) != 0 {
		t.Errorf("attempts survived delete: %d", len(got))
	}
	if err := s.Scrapers().Delete(ctx, sc.ID); !errors.Is(err, domain.ErrScraperNotFound) {
		t.Errorf("second delete err = %v", err)
	}
}

func TestExecutionsNewestFirstAndFailUnfinished(t *testing.T) {
	ctx := context.Background()
	s := New()
	scraperID := domain.NewID()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	statuses := []domain.ExecutionStatus{domain.ExecutionPending, domain.ExecutionRunning, domain.ExecutionCompleted}
	for i, st := range statuses {
		e := &domain.Execution{ScraperID: scraperID, Status: st, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.Executions().Create(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.Executions().FailUnfinished(ctx, "interrupted by restart", base.Add(time.Hour))
	if err != nil || n != 2 {
		t.Fatalf("FailUnfinished = %d, %v", n, err)
	}

	list, err := s.Executions().ListByScraper(ctx, scraperID, domain.Page{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d", len(list))
	}
	if list[0].Status != domain.ExecutionCompleted || list[1].Status != domain.ExecutionFailed {
		t.Errorf("order = %s, %s", list[0].Status, list[1].Status)
	}
	if list[1].ErrorMessage != "interrupted by restart" {
		t.Errorf("ErrorMessage = %q", list[1].ErrorMessage)
	}
}
