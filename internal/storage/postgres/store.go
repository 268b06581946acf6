package postgres

import (
	"context"
	"sync"

	"github.com/jkaninda/scrapeforge/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the existing DB and lazily creates sub-store repositories.
type Store struct {
	pgDB *DB

	mu         sync.Mutex
	users      *UserRepository
	scrapers   *ScraperRepository
	executions *ExecutionRepository
	attempts   *AttemptRepository
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Migrate(_ context.Context) error {
	// PostgreSQL migration is done in Open() via autoMigrate.
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

func (s *Store) Users() storage.UserStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = NewUserRepository(s.pgDB.GormDB())
	}
	return s.users
}

func (s *Store) Scrapers() storage.ScraperStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scrapers == nil {
		s.scrapers = NewScraperRepository(s.pgDB.GormDB())
	}
	return s.scrapers
}

func (s *Store) Executions() storage.ExecutionStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.executions == nil {
		s.executions = NewExecutionRepository(s.pgDB.GormDB())
	}
	return s.executions
}

func (s *Store) Attempts() storage.AttemptStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempts == nil {
		s.attempts = NewAttemptRepository(s.pgDB.GormDB())
	}
	return s.attempts
}

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)
