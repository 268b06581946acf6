// Package service is the caller-facing facade over the generation and
// execution pipeline. Every operation is scoped to the calling user:
// resources owned by someone else are reported as not found.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jkaninda/scrapeforge/internal/credits"
	"github.com/jkaninda/scrapeforge/internal/domain"
	"github.com/jkaninda/scrapeforge/internal/generator"
	"github.com/jkaninda/scrapeforge/internal/orchestrator"
	"github.com/jkaninda/scrapeforge/internal/storage"
	"github.com/jkaninda/scrapeforge/internal/validator"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("invalid or missing API key")
	ErrForbidden    = errors.New("admin privileges required")
	ErrNoOutput     = errors.New("execution has no output file")
)

// Executor queues executions. *orchestrator.Orchestrator implements it.
type Executor interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*domain.Execution, error)
}

// CreditRecorder counts debits and refunds. *observability.MetricsCollector implements it.
type CreditRecorder interface {
	RecordCreditsSpent(n int)
	RecordCreditsRefunded(n int)
}

// Config holds facade settings.
type Config struct {
	GenerationCost int    // Credits per generation. Default: credits.GenerationCost.
	InitialCredits int    // Balance of new users. Default: domain.DefaultCredits.
	OutputsDir     string // Output downloads are confined to this directory.
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithCreditRecorder reports credit movements.
func WithCreditRecorder(r CreditRecorder) Option {
	return func(s *Service) { s.creditRec = r }
}

// Service implements the user-facing operations.
type Service struct {
	store     storage.Store
	ledger    credits.Ledger
	generator *generator.Generator
	validator *validator.Validator
	executor  Executor
	creditRec CreditRecorder
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Service. executor may be nil for commands that never run scripts.
func New(
	store storage.Store,
	ledger credits.Ledger,
	gen *generator.Generator,
	v *validator.Validator,
	executor Executor,
	cfg Config,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	if cfg.GenerationCost <= 0 {
		cfg.GenerationCost = credits.GenerationCost
	}
	if cfg.InitialCredits <= 0 {
		cfg.InitialCredits = domain.DefaultCredits
	}
	s := &Service{
		store:     store,
		ledger:    ledger,
		generator: gen,
		validator: v,
		executor:  executor,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GenerationCost returns the credits charged per generation.
func (s *Service) GenerationCost() int { return s.cfg.GenerationCost }

// Ping checks the datastore.
func (s *Service) Ping(ctx context.Context) error { return s.store.Ping(ctx) }
