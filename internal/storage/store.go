// Package storage defines the unified Store interface that abstracts all persistence operations.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL (production).
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/scrapeforge/internal/domain"
)

// Store is the unified persistence interface for ScrapeForge.
// Both SQLite and PostgreSQL backends implement this interface.
type Store interface {
	// Sub-store accessors. The returned stores share the same connection pool.
	Users() UserStore
	Scrapers() ScraperStore
	Executions() ExecutionStore
	Attempts() AttemptStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// UserStore persists users and their credit balances.
type UserStore interface {
	Create(ctx context.Context, u *domain.User) error
	Get(ctx context.Context, id uuid.UUID) (*domain.User, error)
	GetByAPIKeyHash(ctx context.Context, hash string) (*domain.User, error)
	List(ctx context.Context) ([]domain.User, error)

	// DebitCredits subtracts amount only when the balance covers it, in a
	// single conditional statement. It returns domain.ErrInsufficientCredits
	// when it does not.
	DebitCredits(ctx context.Context, id uuid.UUID, amount int) (int, error)
	AddCredits(ctx context.Context, id uuid.UUID, amount int) (int, error)
	GetCredits(ctx context.Context, id uuid.UUID) (int, error)
}

// ScraperStore persists scraper definitions.
type ScraperStore interface {
	Create(ctx context.Context, s *domain.Scraper) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Scraper, error)
	ListByUser(ctx context.Context, userID uuid.UUID, page domain.Page) ([]domain.Scraper, error)
	// ListScheduled returns active scrapers with a non-empty schedule.
	ListScheduled(ctx context.Context) ([]domain.Scraper, error)
	Update(ctx context.Context, s *domain.Scraper) error
	// Delete removes the scraper together with its executions and attempts.
	Delete(ctx context.Context, id uuid.UUID) error
	// RecordRun increments the usage counter and sets last_run_at.
	RecordRun(ctx context.Context, id uuid.UUID, at time.Time) error
}

// ExecutionStore persists execution records.
type ExecutionStore interface {
	Create(ctx context.Context, e *domain.Execution) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Execution, error)
	Update(ctx context.Context, e *domain.Execution) error
	// ListByScraper returns executions newest first.
	ListByScraper(ctx context.Context, scraperID uuid.UUID, page domain.Page) ([]domain.Execution, error)
	// FailUnfinished marks every pending or running execution failed with msg.
	FailUnfinished(ctx context.Context, msg string, now time.Time) (int64, error)
}

// AttemptStore is the append-only generation audit log.
type AttemptStore interface {
	AppendAttempt(ctx context.Context, a *domain.GenerationAttempt) error
	ListByScraper(ctx context.Context, scraperID uuid.UUID, page domain.Page) ([]domain.GenerationAttempt, error)
}

// Config holds storage configuration for driver selection.
type Config struct {
	Driver   string         `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres"
	SQLite   SQLiteConfig   `json:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/scrapeforge.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"`
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
