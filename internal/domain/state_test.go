package domain

import (
	"errors"
	"testing"
	"time"
)

func TestExecutionStatus_CanTransition(t *testing.T) {
	all := []ExecutionStatus{ExecutionPending, ExecutionRunning, ExecutionCompleted, ExecutionFailed, ExecutionTimeout}
	allowed := map[ExecutionStatus][]ExecutionStatus{
		ExecutionPending: {ExecutionRunning, ExecutionFailed},
		ExecutionRunning: {ExecutionCompleted, ExecutionFailed, ExecutionTimeout},
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			if got := from.CanTransition(to); got != want {
				t.Errorf("%s -> %s: got %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestExecution_Lifecycle(t *testing.T) {
	e := &Execution{Status: ExecutionPending}
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := e.Start(start); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if e.StartedAt == nil || !e.StartedAt.Equal(start) {
		t.Fatalf("StartedAt = %v, want %v", e.StartedAt, start)
	}

	err := e.Finish(start.Add(300*time.Second), Outcome{
		Status:   ExecutionTimeout,
		Duration: 300 * time.Second,
		Error:    "execution timed out",
	})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if e.ExecutionTime != 300 {
		t.Errorf("ExecutionTime = %d, want 300", e.ExecutionTime)
	}
	if e.CompletedAt == nil || e.CompletedAt.Before(*e.StartedAt) {
		t.Errorf("CompletedAt = %v, must be set and >= StartedAt", e.CompletedAt)
	}
	if e.ErrorMessage != "execution timed out" {
		t.Errorf("ErrorMessage = %q", e.ErrorMessage)
	}

	// Terminal states are final.
	if err := e.Finish(time.Now(), Outcome{Status: ExecutionCompleted}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Finish: got %v, want ErrInvalidTransition", err)
	}
	if err := e.Start(time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Start after terminal: got %v, want ErrInvalidTransition", err)
	}
}

func TestExecution_FinishClampsClockSkew(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := &Execution{Status: ExecutionPending}
	if err := e.Start(start); err != nil {
		t.Fatal(err)
	}
	if err := e.Finish(start.Add(-time.Second), Outcome{Status: ExecutionCompleted, OutputFilePath: "/out/x.json"}); err != nil {
		t.Fatal(err)
	}
	if e.CompletedAt.Before(*e.StartedAt) {
		t.Errorf("CompletedAt %v before StartedAt %v", e.CompletedAt, e.StartedAt)
	}
	if e.OutputFilePath != "/out/x.json" {
		t.Errorf("OutputFilePath = %q", e.OutputFilePath)
	}
}

func TestExecution_PendingToFailed(t *testing.T) {
	e := &Execution{Status: ExecutionPending}
	if err := e.Finish(time.Now(), Outcome{Status: ExecutionFailed}); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if e.StartedAt != nil {
		t.Error("StartedAt should stay nil")
	}
	if e.ErrorMessage == "" {
		t.Error("failed execution must carry an error message")
	}
}

func TestExecution_FinishRejectsNonTerminal(t *testing.T) {
	e := &Execution{Status: ExecutionPending}
	if err := e.Finish(time.Now(), Outcome{Status: ExecutionRunning}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("got %v, want ErrInvalidTransition", err)
	}
}

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"", FormatJSON, false},
		{"json", FormatJSON, false},
		{" CSV ", FormatCSV, false},
		{"xml", FormatXML, false},
		{"yaml", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOutputFormat(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseScraperStatus(t *testing.T) {
	if s, err := ParseScraperStatus("Paused"); err != nil || s != ScraperPaused {
		t.Errorf("got %q, %v", s, err)
	}
	if _, err := ParseScraperStatus("deleted"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("got %v, want ErrInvalidStatus", err)
	}
}

func TestPage_Normalize(t *testing.T) {
	p := Page{Skip: -3, Limit: 0}.Normalize(20, 100)
	if p.Skip != 0 || p.Limit != 20 {
		t.Errorf("got %+v", p)
	}
	p = Page{Limit: 1000}.Normalize(20, 100)
	if p.Limit != 100 {
		t.Errorf("Limit = %d, want 100", p.Limit)
	}
}
