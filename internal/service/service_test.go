package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/jkaninda/scrapeforge/internal/credits"
	"github.com/jkaninda/scrapeforge/internal/domain"
	"github.com/jkaninda/scrapeforge/internal/generator"
	"github.com/jkaninda/scrapeforge/internal/orchestrator"
	"github.com/jkaninda/scrapeforge/internal/storage/memory"
	"github.com/jkaninda/scrapeforge/internal/validator"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeExecutor struct {
	mu   sync.Mutex
	reqs []orchestrator.SubmitRequest
}

func (f *fakeExecutor) Submit(_ context.Context, req orchestrator.SubmitRequest) (*domain.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return &domain.Execution{ID: domain.NewID(), ScraperID: req.ScraperID, UserID: req.UserID, Status: domain.ExecutionPending}, nil
}

type fixture struct {
	svc     *Service
	store   *memory.Store
	exec    *fakeExecutor
	outputs string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	v := validator.New(discardLogger())
	gen := generator.New(nil, v, discardLogger(), generator.WithAttemptLog(store.Attempts()))
	ledger := credits.NewStoreLedger(store.Users(), discardLogger())
	exec := &fakeExecutor{}
	outputs := t.TempDir()
	svc := New(store, ledger, gen, v, exec, Config{OutputsDir: outputs}, discardLogger())
	return &fixture{svc: svc, store: store, exec: exec, outputs: outputs}
}

func (f *fixture) user(t *testing.T, name string, balance int) *domain.User {
	t.Helper()
	u, key, err := f.svc.CreateUser(context.Background(), name, false, "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(key, apiKeyPrefix) {
		t.Errorf("api key %q lacks prefix", key)
	}
	if balance != u.Credits {
		ctx := context.Background()
		if _, err := f.store.Users().DebitCredits(ctx, u.ID, u.Credits-balance); err != nil {
			t.Fatal(err)
		}
		u.Credits = balance
	}
	return u
}

func (f *fixture) scraper(t *testing.T, owner *domain.User) *domain.Scraper {
	t.Helper()
	sc, err := f.svc.CreateScraper(context.Background(), owner.ID, ScraperInput{
		Name:      "books",
		TargetURL: "https://books.example.test",
		Fields:    []domain.FieldSpec{{Name: "title", Required: true}, {Name: "price"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return sc
}

func TestGenerateScript_DebitsAndStores(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "alice", 100)
	sc := f.scraper(t, u)

	res, err := f.svc.GenerateScript(ctx, u.ID, sc.ID, "only in-stock books")
	if err != nil {
		t.Fatal(err)
	}
	if res.Remaining != 90 || res.Meta.Model != generator.ModelTemplate {
		t.Errorf("result = %+v", res)
	}

	stored, _ := f.store.Scrapers().Get(ctx, sc.ID)
	if !stored.HasScript() || stored.Status != domain.ScraperActive || stored.Refinement != "only in-stock books" {
		t.Errorf("stored scraper = %+v", stored)
	}
	if bal, _ := f.svc.Balance(ctx, u.ID); bal != 90 {
		t.Errorf("balance = %d, want 90", bal)
	}

	hist, err := f.svc.GenerationHistory(ctx, u.ID, sc.ID, domain.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].Model != generator.ModelTemplate || !hist[0].Success {
		t.Errorf("history = %+v", hist)
	}
}

func TestGenerateScript_InsufficientCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "bob", 5)
	sc := f.scraper(t, u)

	_, err := f.svc.GenerateScript(ctx, u.ID, sc.ID, "")
	if !errors.Is(err, credits.ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}
	if bal, _ := f.svc.Balance(ctx, u.ID); bal != 5 {
		t.Errorf("balance = %d, want 5", bal)
	}
	stored, _ := f.store.Scrapers().Get(ctx, sc.ID)
	if stored.HasScript() {
		t.Error("script stored without payment")
	}
}

func TestGenerateScript_OtherUsersScraper(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.user(t, "owner", 100)
	intruder := f.user(t, "intruder", 100)
	sc := f.scraper(t, owner)

	if _, err := f.svc.GenerateScript(ctx, intruder.ID, sc.ID, ""); !errors.Is(err, domain.ErrScraperNotFound) {
		t.Fatalf("err = %v", err)
	}
	if bal, _ := f.svc.Balance(ctx, intruder.ID); bal != 100 {
		t.Errorf("intruder charged: balance %d", bal)
	}
}

func TestGenerateScript_RefundsWhenGenerationFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "carol", 100)
	// Bypasses the facade's URL check to reach the generator with bad input.
	sc := &domain.Scraper{UserID: u.ID, Name: "bad", TargetURL: "ftp://files.test", Fields: []domain.FieldSpec{{Name: "x"}}}
	if err := f.store.Scrapers().Create(ctx, sc); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.GenerateScript(ctx, u.ID, sc.ID, "")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	if bal, _ := f.svc.Balance(ctx, u.ID); bal != 100 {
		t.Errorf("balance = %d, want refund to 100", bal)
	}
}

func TestGenerateScript_ConcurrentSingleDebit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "dave", 10)
	sc := f.scraper(t, u)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.GenerateScript(ctx, u.ID, sc.ID, "")
		}()
	}
	wg.Wait()

	ok, insufficient := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, credits.ErrInsufficientCredits):
			insufficient++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || insufficient != 1 {
		t.Errorf("ok=%d insufficient=%d", ok, insufficient)
	}
	if bal, _ := f.svc.Balance(ctx, u.ID); bal != 0 {
		t.Errorf("balance = %d, want 0", bal)
	}
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u, key, err := f.svc.CreateUser(ctx, "erin", false, "")
	if err != nil {
		t.Fatal(err)
	}
	if u.APIKeyHash == key || u.APIKeyHash != HashAPIKey(key) {
		t.Error("raw key stored or hash mismatch")
	}
	if u.Credits != domain.DefaultCredits {
		t.Errorf("Credits = %d", u.Credits)
	}

	got, err := f.svc.Authenticate(ctx, key)
	if err != nil || got.ID != u.ID {
		t.Fatalf("Authenticate = %v, %v", got, err)
	}
	for _, bad := range []string{"", "sf_nope"} {
		if _, err := f.svc.Authenticate(ctx, bad); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("Authenticate(%q) err = %v", bad, err)
		}
	}
}

func TestEnsureAdmin_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.svc.EnsureAdmin(ctx, "sf_bootstrap")
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.svc.EnsureAdmin(ctx, "sf_bootstrap")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID || !a.IsAdmin {
		t.Errorf("a=%+v b=%+v", a, b)
	}
}

func TestGrantCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin, err := f.svc.EnsureAdmin(ctx, "sf_admin")
	if err != nil {
		t.Fatal(err)
	}
	u := f.user(t, "frank", 0)

	if _, err := f.svc.GrantCredits(ctx, u, u.ID, 50); !errors.Is(err, ErrForbidden) {
		t.Errorf("self-grant err = %v", err)
	}
	if _, err := f.svc.GrantCredits(ctx, admin, u.ID, 0); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("zero grant err = %v", err)
	}
	bal, err := f.svc.GrantCredits(ctx, admin, u.ID, 50)
	if err != nil || bal != 50 {
		t.Errorf("grant = %d, %v", bal, err)
	}
}

func TestScraperCRUD(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "gina", 100)
	sc := f.scraper(t, u)

	name, status, sched := "books v2", "paused", "0 * * * *"
	fields := []domain.FieldSpec{{Name: "isbn"}}
	updated, err := f.svc.UpdateScraper(ctx, u.ID, sc.ID, ScraperPatch{Name: &name, Status: &status, Schedule: &sched, Fields: &fields})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Name != name || updated.Status != domain.ScraperPaused || updated.Schedule != sched {
		t.Errorf("updated = %+v", updated)
	}
	if diff := cmp.Diff(fields, updated.Fields); diff != "" {
		t.Errorf("fields (-want +got):\n%s", diff)
	}
	if updated.TargetURL != sc.TargetURL {
		t.Error("unpatched field changed")
	}

	list, err := f.svc.ListScrapers(ctx, u.ID, domain.Page{})
	if err != nil || len(list) != 1 {
		t.Fatalf("list = %v, %v", list, err)
	}

	if _, err := f.svc.Script(ctx, u.ID, sc.ID); !errors.Is(err, domain.ErrNoScript) {
		t.Errorf("Script err = %v", err)
	}
	if err := f.svc.DeleteScraper(ctx, uuid.New(), sc.ID); !errors.Is(err, domain.ErrScraperNotFound) {
		t.Errorf("foreign delete err = %v", err)
	}
	if err := f.svc.DeleteScraper(ctx, u.ID, sc.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.GetScraper(ctx, u.ID, sc.ID); !errors.Is(err, domain.ErrScraperNotFound) {
		t.Errorf("get after delete err = %v", err)
	}
}

func TestCreateScraper_Validation(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "hank", 100)
	good := ScraperInput{Name: "n", TargetURL: "https://x.test", Fields: []domain.FieldSpec{{Name: "a"}}}

	tests := []struct {
		name   string
		mutate func(*ScraperInput)
	}{
		{"missing name", func(in *ScraperInput) { in.Name = " " }},
		{"relative url", func(in *ScraperInput) { in.TargetURL = "/books" }},
		{"no fields", func(in *ScraperInput) { in.Fields = nil }},
		{"blank field", func(in *ScraperInput) { in.Fields = []domain.FieldSpec{{Name: ""}} }},
		{"duplicate field", func(in *ScraperInput) { in.Fields = []domain.FieldSpec{{Name: "a"}, {Name: "a"}} }},
		{"bad schedule", func(in *ScraperInput) { in.Schedule = "whenever" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := good
			tt.mutate(&in)
			if _, err := f.svc.CreateScraper(context.Background(), u.ID, in); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestExecutions_Scoping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "ivy", 100)
	other := f.user(t, "jack", 100)
	sc := f.scraper(t, u)

	if _, err := f.svc.SubmitExecution(ctx, u.ID, sc.ID, "not a url", "json"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("bad url err = %v", err)
	}
	if _, err := f.svc.SubmitExecution(ctx, u.ID, sc.ID, "", "csv"); err != nil {
		t.Fatal(err)
	}
	if len(f.exec.reqs) != 1 || f.exec.reqs[0].Format != "csv" || f.exec.reqs[0].UserID != u.ID {
		t.Errorf("submitted = %+v", f.exec.reqs)
	}

	outPath := filepath.Join(f.outputs, "output_x.json")
	if err := os.WriteFile(outPath, []byte("[]"), 0600); err != nil {
		t.Fatal(err)
	}
	done := &domain.Execution{UserID: u.ID, ScraperID: sc.ID, Status: domain.ExecutionCompleted, OutputFilePath: outPath}
	escaped := &domain.Execution{UserID: u.ID, ScraperID: sc.ID, Status: domain.ExecutionCompleted, OutputFilePath: "/etc/passwd"}
	for _, e := range []*domain.Execution{done, escaped} {
		if err := f.store.Executions().Create(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := f.svc.GetExecution(ctx, other.ID, done.ID); !errors.Is(err, domain.ErrExecutionNotFound) {
		t.Errorf("foreign get err = %v", err)
	}
	if _, err := f.svc.ListExecutions(ctx, other.ID, sc.ID, domain.Page{}); !errors.Is(err, domain.ErrScraperNotFound) {
		t.Errorf("foreign list err = %v", err)
	}
	list, err := f.svc.ListExecutions(ctx, u.ID, sc.ID, domain.Page{})
	if err != nil || len(list) != 2 {
		t.Errorf("list = %d, %v", len(list), err)
	}

	if p, err := f.svc.ExecutionOutput(ctx, u.ID, done.ID); err != nil || p != outPath {
		t.Errorf("output = %q, %v", p, err)
	}
	if _, err := f.svc.ExecutionOutput(ctx, u.ID, escaped.ID); !errors.Is(err, ErrNoOutput) {
		t.Errorf("escaped output err = %v", err)
	}
}
