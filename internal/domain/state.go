package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrScraperNotFound   = errors.New("scraper not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrUserNotFound      = errors.New("user not found")
	ErrNoScript          = errors.New("no generated script available, generate a script first")
	ErrInvalidTransition = errors.New("invalid execution status transition")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrInvalidFormat     = errors.New("invalid output format")
)

// ErrInsufficientCredits is user visible: callers offer a top-up instead of a generic failure.
var ErrInsufficientCredits = errors.New("insufficient credits")

// ScraperStatus is the lifecycle state of a scraper definition.
type ScraperStatus string

const (
	ScraperDraft  ScraperStatus = "draft"
	ScraperActive ScraperStatus = "active"
	ScraperPaused ScraperStatus = "paused"
	ScraperError  ScraperStatus = "error"
)

// Valid reports whether s is a known scraper status.
func (s ScraperStatus) Valid() bool {
	switch s {
	case ScraperDraft, ScraperActive, ScraperPaused, ScraperError:
		return true
	}
	return false
}

// ParseScraperStatus converts user input into a ScraperStatus.
func ParseScraperStatus(v string) (ScraperStatus, error) {
	s := ScraperStatus(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, v)
	}
	return s, nil
}

// OutputFormat is the file format a script writes to OUTPUT_FILE.
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatCSV  OutputFormat = "csv"
	FormatXML  OutputFormat = "xml"
)

// ParseOutputFormat converts user input into an OutputFormat.
// An empty value selects JSON.
func ParseOutputFormat(v string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(strings.TrimSpace(v))); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatCSV, FormatXML:
		return f, nil
	}
	return "", fmt.Errorf("%w: %q (want json, csv or xml)", ErrInvalidFormat, v)
}

// ExecutionStatus is the state of an Execution.
//
//	pending -> running -> completed | failed | timeout
//	pending -> failed
//
// The three right-hand states are terminal.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionTimeout   ExecutionStatus = "timeout"
)

// Valid reports whether s is a known execution status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionPending, ExecutionRunning, ExecutionCompleted, ExecutionFailed, ExecutionTimeout:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionTimeout:
		return true
	case ExecutionPending, ExecutionRunning:
		return false
	}
	return false
}

// CanTransition reports whether moving from s to next is allowed.
func (s ExecutionStatus) CanTransition(next ExecutionStatus) bool {
	switch s {
	case ExecutionPending:
		return next == ExecutionRunning || next == ExecutionFailed
	case ExecutionRunning:
		return next == ExecutionCompleted || next == ExecutionFailed || next == ExecutionTimeout
	case ExecutionCompleted, ExecutionFailed, ExecutionTimeout:
		return false
	}
	return false
}

// Outcome is what a run reports back to its Execution.
type Outcome struct {
	Status         ExecutionStatus
	Duration       time.Duration
	OutputData     string
	OutputFilePath string
	Stdout         string
	Stderr         string
	Error          string
}

// Start moves a pending execution to running.
func (e *Execution) Start(now time.Time) error {
	if !e.Status.CanTransition(ExecutionRunning) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, ExecutionRunning)
	}
	now = now.UTC()
	e.Status = ExecutionRunning
	e.StartedAt = &now
	return nil
}

// Finish applies a terminal outcome. CompletedAt is never earlier than StartedAt.
func (e *Execution) Finish(now time.Time, o Outcome) error {
	if !o.Status.Terminal() || !e.Status.CanTransition(o.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, o.Status)
	}
	now = now.UTC()
	if e.StartedAt != nil && now.Before(*e.StartedAt) {
		now = *e.StartedAt
	}
	e.Status = o.Status
	e.CompletedAt = &now
	e.ExecutionTime = int(o.Duration / time.Second)
	e.Stdout = o.Stdout
	e.Stderr = o.Stderr

	switch o.Status {
	case ExecutionCompleted:
		e.OutputFilePath = o.OutputFilePath
		e.OutputData = o.OutputData
		e.ErrorMessage = ""
	case ExecutionFailed, ExecutionTimeout:
		e.ErrorMessage = o.Error
		if e.ErrorMessage == "" {
			e.ErrorMessage = string(o.Status)
		}
	}
	return nil
}
