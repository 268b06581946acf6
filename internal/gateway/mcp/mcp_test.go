package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/scrapeforge/internal/credits"
	"github.com/jkaninda/scrapeforge/internal/domain"
	"github.com/jkaninda/scrapeforge/internal/generator"
	"github.com/jkaninda/scrapeforge/internal/orchestrator"
	"github.com/jkaninda/scrapeforge/internal/service"
	"github.com/jkaninda/scrapeforge/internal/storage/memory"
	"github.com/jkaninda/scrapeforge/internal/validator"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeExecutor struct{}

func (fakeExecutor) Submit(_ context.Context, req orchestrator.SubmitRequest) (*domain.Execution, error) {
	return &domain.Execution{
		ID:           domain.NewID(),
		ScraperID:    req.ScraperID,
		UserID:       req.UserID,
		InputURL:     req.URL,
		OutputFormat: domain.FormatJSON,
		Status:       domain.ExecutionPending,
	}, nil
}

func newTestServer(t *testing.T) (*Server, *service.Service) {
	t.Helper()
	store := memory.New()
	v := validator.New(discardLogger())
	gen := generator.New(nil, v, discardLogger(), generator.WithAttemptLog(store.Attempts()))
	ledger := credits.NewStoreLedger(store.Users(), discardLogger())
	svc := service.New(store, ledger, gen, v, fakeExecutor{}, service.Config{}, discardLogger())
	u, _, err := svc.CreateUser(context.Background(), "alice", false, "")
	if err != nil {
		t.Fatal(err)
	}
	return NewServer(svc, u, "test", discardLogger()), svc
}

func call(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	tc, ok := mcp.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("content is %T, want text", res.Content[0])
	}
	return tc.Text
}

func TestCreateGenerateRun(t *testing.T) {
	s, svc := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleCreateScraper(ctx, call(map[string]any{
		"name":       "books",
		"target_url": "https://books.example.com",
		"fields":     []any{"title", "price"},
	}))
	if err != nil || res.IsError {
		t.Fatalf("create_scraper: err=%v text=%q", err, resultText(t, res))
	}
	var sc scraperSummary
	if err := json.Unmarshal([]byte(resultText(t, res)), &sc); err != nil {
		t.Fatal(err)
	}
	if sc.Status != string(domain.ScraperDraft) || len(sc.Fields) != 2 {
		t.Errorf("scraper = %+v", sc)
	}

	res, err = s.handleGenerate(ctx, call(map[string]any{"scraper_id": sc.ID}))
	if err != nil || res.IsError {
		t.Fatalf("generate_script: err=%v text=%q", err, resultText(t, res))
	}
	if text := resultText(t, res); !strings.Contains(text, "Credits remaining: 90") {
		t.Errorf("generate output missing balance:\n%s", text)
	}
	if bal, _ := svc.Balance(ctx, s.user.ID); bal != domain.DefaultCredits-credits.GenerationCost {
		t.Errorf("balance = %d", bal)
	}

	res, err = s.handleRun(ctx, call(map[string]any{"scraper_id": sc.ID, "output_format": "csv"}))
	if err != nil || res.IsError {
		t.Fatalf("run_scraper: err=%v text=%q", err, resultText(t, res))
	}
	if !strings.Contains(resultText(t, res), `"status": "pending"`) {
		t.Errorf("run output = %s", resultText(t, res))
	}
}

func TestToolErrors(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)
		args    map[string]any
		want    string
	}{
		{"missing name", s.handleCreateScraper, map[string]any{"target_url": "https://a.example", "fields": []any{"x"}}, "name is required"},
		{"bad url", s.handleCreateScraper, map[string]any{"name": "n", "target_url": "ftp://a.example", "fields": []any{"x"}}, "http://"},
		{"non-uuid id", s.handleGenerate, map[string]any{"scraper_id": "abc"}, "must be a UUID"},
		{"unknown scraper", s.handleGenerate, map[string]any{"scraper_id": domain.NewID().String()}, "scraper not found"},
		{"unknown execution", s.handleGetExecution, map[string]any{"execution_id": domain.NewID().String()}, "execution not found"},
		{"missing script", s.handleValidate, map[string]any{}, "script is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tt.handler(ctx, call(tt.args))
			if err != nil {
				t.Fatalf("unexpected protocol error: %v", err)
			}
			if !res.IsError {
				t.Fatal("IsError = false")
			}
			if text := resultText(t, res); !strings.Contains(text, tt.want) {
				t.Errorf("error %q does not contain %q", text, tt.want)
			}
		})
	}
}

func TestValidateTool(t *testing.T) {
	s, _ := newTestServer(t)
	res, err := s.handleValidate(context.Background(), call(map[string]any{
		"script": "import subprocess\nsubprocess.run(['ls'])\n",
	}))
	if err != nil || res.IsError {
		t.Fatalf("validate_script: err=%v", err)
	}
	var got validator.Result
	if err := json.Unmarshal([]byte(resultText(t, res)), &got); err != nil {
		t.Fatal(err)
	}
	if got.Valid || len(got.Issues) == 0 {
		t.Errorf("result = %+v, want invalid with issues", got)
	}
}

func TestCreditsTool(t *testing.T) {
	s, _ := newTestServer(t)
	res, err := s.handleCredits(context.Background(), call(nil))
	if err != nil || res.IsError {
		t.Fatalf("get_credits: err=%v", err)
	}
	var got map[string]int
	if err := json.Unmarshal([]byte(resultText(t, res)), &got); err != nil {
		t.Fatal(err)
	}
	if got["credits"] != domain.DefaultCredits || got["generation_cost"] != credits.GenerationCost {
		t.Errorf("credits = %v", got)
	}
}
