// Package orchestrator schedules scraper executions onto a bounded pool of
// sandbox workers and drives each execution record through its lifecycle.
package orchestrator

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/scrapeforge/internal/domain"
)

var (
	ErrQueueFull = errors.New("execution queue is full")
	ErrStopped   = errors.New("execution scheduler stopped")
)

// RestartMessage is the error recorded on executions a previous process
// left pending or running.
const RestartMessage = "interrupted by restart"

// EngineConfig configures the execution scheduler.
type EngineConfig struct {
	MaxConcurrent int           // Worker goroutines. Default: 4.
	QueueSize     int           // Buffered jobs before Submit rejects. Default: 100.
	RunTimeout    time.Duration // Per-run sandbox timeout. Default: 300s.
	ScriptsDir    string        // Where <scraper_id>.py is written before each run.
}

func (c EngineConfig) concurrency() int {
	if c.MaxConcurrent > 0 {
		return c.MaxConcurrent
	}
	return 4
}

func (c EngineConfig) queueSize() int {
	if c.QueueSize > 0 {
		return c.QueueSize
	}
	return 100
}

func (c EngineConfig) runTimeout() time.Duration {
	if c.RunTimeout > 0 {
		return c.RunTimeout
	}
	return 300 * time.Second
}

// SubmitRequest asks for one run of a scraper's script.
// An empty URL runs against the scraper's target URL; an empty Format selects JSON.
type SubmitRequest struct {
	ScraperID uuid.UUID
	UserID    uuid.UUID
	URL       string
	Format    string
}

// Event reports an execution that changed state.
type Event struct {
	Execution domain.Execution
	At        time.Time
}

// Terminal reports whether the event closes the execution.
func (e Event) Terminal() bool {
	return e.Execution.Status.Terminal()
}

type job struct {
	exec   *domain.Execution
	script string
}
