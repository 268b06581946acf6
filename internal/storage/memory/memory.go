// Package memory implements storage.Store using in-memory maps.
// Used by tests and by the offline CLI commands when no datastore is configured.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/scrapeforge/internal/domain"
	"github.com/jkaninda/scrapeforge/internal/storage"
)

// Store keeps every entity behind a single RWMutex.
type Store struct {
	mu         sync.RWMutex
	users      map[uuid.UUID]*domain.User
	scrapers   map[uuid.UUID]*domain.Scraper
	executions map[uuid.UUID]*domain.Execution
	attempts   []domain.GenerationAttempt
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		users:      make(map[uuid.UUID]*domain.User),
		scrapers:   make(map[uuid.UUID]*domain.Scraper),
		executions: make(map[uuid.UUID]*domain.Execution),
	}
}

func (s *Store) Users() storage.UserStore           { return (*userStore)(s) }
func (s *Store) Scrapers() storage.ScraperStore     { return (*scraperStore)(s) }
func (s *Store) Executions() storage.ExecutionStore { return (*executionStore)(s) }
func (s *Store) Attempts() storage.AttemptStore     { return (*attemptStore)(s) }

func (s *Store) Migrate(context.Context) error { return nil }
func (s *Store) Ping(context.Context) error    { return nil }
func (s *Store) Close() error                  { return nil }
func (s *Store) Driver() string                { return "memory" }

// --- users ---

type userStore Store

func (u *userStore) Create(_ context.Context, user *domain.User) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if user.ID == uuid.Nil {
		user.ID = domain.NewID()
	}
	if _, exists := u.users[user.ID]; exists {
		return fmt.Errorf("user %s already exists", user.ID)
	}
	for _, existing := range u.users {
		if existing.APIKeyHash == user.APIKeyHash {
			return fmt.Errorf("api key hash already registered")
		}
	}
	now := time.Now().UTC()
	user.CreatedAt, user.UpdatedAt = now, now
	cp := *user
	u.users[user.ID] = &cp
	return nil
}

func (u *userStore) Get(_ context.Context, id uuid.UUID) (*domain.User, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	user, ok := u.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUserNotFound, id)
	}
	cp := *user
	return &cp, nil
}

func (u *userStore) GetByAPIKeyHash(_ context.Context, hash string) (*domain.User, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	for _, user := range u.users {
		if user.APIKeyHash == hash {
			cp := *user
			return &cp, nil
		}
	}
	return nil, domain.ErrUserNotFound
}

func (u *userStore) List(context.Context) ([]domain.User, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]domain.User, 0, len(u.users))
	for _, user := range u.users {
		out = append(out, *user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (u *userStore) DebitCredits(_ context.Context, id uuid.UUID, amount int) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	user, ok := u.users[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrUserNotFound, id)
	}
	if user.Credits < amount {
		return user.Credits, domain.ErrInsufficientCredits
	}
	user.Credits -= amount
	user.UpdatedAt = time.Now().UTC()
	return user.Credits, nil
}

func (u *userStore) AddCredits(_ context.Context, id uuid.UUID, amount int) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	user, ok := u.users[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrUserNotFound, id)
	}
	user.Credits += amount
	user.UpdatedAt = time.Now().UTC()
	return user.Credits, nil
}

func (u *userStore) GetCredits(_ context.Context, id uuid.UUID) (int, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	user, ok := u.users[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrUserNotFound, id)
	}
	return user.Credits, nil
}

// --- scrapers ---

type scraperStore Store

func cloneScraper(sc *domain.Scraper) *domain.Scraper {
	cp := *sc
	cp.Fields = slices.Clone(sc.Fields)
	cp.Tags = slices.Clone(sc.Tags)
	if sc.LastRunAt != nil {
		t := *sc.LastRunAt
		cp.LastRunAt = &t
	}
	return &cp
}

func (s *scraperStore) Create(_ context.Context, sc *domain.Scraper) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc.ID == uuid.Nil {
		sc.ID = domain.NewID()
	}
	if _, exists := s.scrapers[sc.ID]; exists {
		return fmt.Errorf("scraper %s already exists", sc.ID)
	}
	if sc.Status == "" {
		sc.Status = domain.ScraperDraft
	}
	now := time.Now().UTC()
	sc.CreatedAt, sc.UpdatedAt = now, now
	s.scrapers[sc.ID] = cloneScraper(sc)
	return nil
}

func (s *scraperStore) Get(_ context.Context, id uuid.UUID) (*domain.Scraper, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scrapers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrScraperNotFound, id)
	}
	return cloneScraper(sc), nil
}

func (s *scraperStore) ListByUser(_ context.Context, userID uuid.UUID, page domain.Page) ([]domain.Scraper, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Scraper
	for _, sc := range s.scrapers {
		if sc.UserID == userID {
			out = append(out, *cloneScraper(sc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return paginate(out, page.Normalize(20, 100)), nil
}

func (s *scraperStore) ListScheduled(context.Context) ([]domain.Scraper, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Scraper
	for _, sc := range s.scrapers {
		if sc.Status == domain.ScraperActive && sc.Schedule != "" {
			out = append(out, *cloneScraper(sc))
		}
	}
	return out, nil
}

func (s *scraperStore) Update(_ context.Context, sc *domain.Scraper) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.scrapers[sc.ID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrScraperNotFound, sc.ID)
	}
	cp := cloneScraper(sc)
	cp.UserID = existing.UserID
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	sc.UpdatedAt = cp.UpdatedAt
	s.scrapers[sc.ID] = cp
	return nil
}

func (s *scraperStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scrapers[id]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrScraperNotFound, id)
	}
	delete(s.scrapers, id)
	for eid, e := range s.executions {
		if e.ScraperID == id {
			delete(s.executions, eid)
		}
	}
	s.attempts = slices.DeleteFunc(s.attempts, func(a domain.GenerationAttempt) bool {
		return a.ScraperID != nil && *a.ScraperID == id
	})
	return nil
}

func (s *scraperStore) RecordRun(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scrapers[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrScraperNotFound, id)
	}
	at = at.UTC()
	sc.UsageCount++
	sc.LastRunAt = &at
	return nil
}

// --- executions ---

type executionStore Store

func (e *executionStore) Create(_ context.Context, exec *domain.Execution) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if exec.ID == uuid.Nil {
		exec.ID = domain.NewID()
	}
	if _, exists := e.executions[exec.ID]; exists {
		return fmt.Errorf("execution %s already exists", exec.ID)
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	cp := *exec
	e.executions[exec.ID] = &cp
	return nil
}

func (e *executionStore) Get(_ context.Context, id uuid.UUID) (*domain.Execution, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exec, ok := e.executions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, id)
	}
	cp := *exec
	return &cp, nil
}

func (e *executionStore) Update(_ context.Context, exec *domain.Execution) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.executions[exec.ID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, exec.ID)
	}
	cp := *exec
	e.executions[exec.ID] = &cp
	return nil
}

func (e *executionStore) ListByScraper(_ context.Context, scraperID uuid.UUID, page domain.Page) ([]domain.Execution, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []domain.Execution
	for _, exec := range e.executions {
		if exec.ScraperID == scraperID {
			out = append(out, *exec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, page.Normalize(20, 100)), nil
}

func (e *executionStore) FailUnfinished(_ context.Context, msg string, now time.Time) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now = now.UTC()
	var n int64
	for _, exec := range e.executions {
		if exec.Status == domain.ExecutionPending || exec.Status == domain.ExecutionRunning {
			exec.Status = domain.ExecutionFailed
			exec.ErrorMessage = msg
			completed := now
			exec.CompletedAt = &completed
			n++
		}
	}
	return n, nil
}

// --- attempts ---

type attemptStore Store

func (a *attemptStore) AppendAttempt(_ context.Context, attempt *domain.GenerationAttempt) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if attempt.ID == uuid.Nil {
		attempt.ID = domain.NewID()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	a.attempts = append(a.attempts, *attempt)
	return nil
}

func (a *attemptStore) ListByScraper(_ context.Context, scraperID uuid.UUID, page domain.Page) ([]domain.GenerationAttempt, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []domain.GenerationAttempt
	for i := len(a.attempts) - 1; i >= 0; i-- {
		if sid := a.attempts[i].ScraperID; sid != nil && *sid == scraperID {
			out = append(out, a.attempts[i])
		}
	}
	return paginate(out, page.Normalize(20, 100)), nil
}

func paginate[T any](items []T, page domain.Page) []T {
	if page.Skip >= len(items) {
		return nil
	}
	items = items[page.Skip:]
	if len(items) > page.Limit {
		items = items[:page.Limit]
	}
	return items
}

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)
