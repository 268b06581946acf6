// Package credits implements the per-user credit ledger that gates script
// generation. Debits are atomic compare-and-decrement operations: a balance
// is never driven below zero.
package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jkaninda/scrapeforge/internal/domain"
)

// GenerationCost is the default price of one script generation.
const GenerationCost = 10

var (
	// ErrInsufficientCredits aliases the domain sentinel so callers can match either.
	ErrInsufficientCredits = domain.ErrInsufficientCredits
	ErrInvalidAmount       = errors.New("credit amount must be positive")
)

// Ledger debits and credits user balances.
type Ledger interface {
	// TryDebit removes amount if the balance covers it and returns the new
	// balance. It returns ErrInsufficientCredits otherwise.
	TryDebit(ctx context.Context, userID uuid.UUID, amount int) (int, error)
	// Credit adds amount and returns the new balance.
	Credit(ctx context.Context, userID uuid.UUID, amount int) (int, error)
	// Balance returns the current balance.
	Balance(ctx context.Context, userID uuid.UUID) (int, error)
}

// BalanceStore is the datastore side of StoreLedger. DebitCredits must be a
// single conditional update (credits >= amount) evaluated by the store.
type BalanceStore interface {
	DebitCredits(ctx context.Context, userID uuid.UUID, amount int) (int, error)
	AddCredits(ctx context.Context, userID uuid.UUID, amount int) (int, error)
	GetCredits(ctx context.Context, userID uuid.UUID) (int, error)
}

// StoreLedger adapts a BalanceStore to Ledger.
type StoreLedger struct {
	store  BalanceStore
	logger *slog.Logger
}

// NewStoreLedger creates a datastore-backed ledger.
func NewStoreLedger(store BalanceStore, logger *slog.Logger) *StoreLedger {
	return &StoreLedger{store: store, logger: logger}
}

func (l *StoreLedger) TryDebit(ctx context.Context, userID uuid.UUID, amount int) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	remaining, err := l.store.DebitCredits(ctx, userID, amount)
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			l.logger.WarnContext(ctx, "insufficient credits",
				slog.String("user_id", userID.String()),
				slog.Int("amount", amount),
			)
			return 0, err
		}
		return 0, fmt.Errorf("debiting credits: %w", err)
	}
	l.logger.InfoContext(ctx, "credits debited",
		slog.String("user_id", userID.String()),
		slog.Int("amount", amount),
		slog.Int("remaining", remaining),
	)
	return remaining, nil
}

func (l *StoreLedger) Credit(ctx context.Context, userID uuid.UUID, amount int) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	balance, err := l.store.AddCredits(ctx, userID, amount)
	if err != nil {
		return 0, fmt.Errorf("adding credits: %w", err)
	}
	l.logger.InfoContext(ctx, "credits added",
		slog.String("user_id", userID.String()),
		slog.Int("amount", amount),
		slog.Int("balance", balance),
	)
	return balance, nil
}

func (l *StoreLedger) Balance(ctx context.Context, userID uuid.UUID) (int, error) {
	return l.store.GetCredits(ctx, userID)
}

// MemoryLedger keeps balances in memory. Unknown users start with
// domain.DefaultCredits. Thread-safe; state resets on restart.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int
	initial  int
}

// NewMemoryLedger creates an in-memory ledger.
func NewMemoryLedger(initial int) *MemoryLedger {
	return &MemoryLedger{balances: make(map[uuid.UUID]int), initial: initial}
}

// Set overwrites a balance.
func (m *MemoryLedger) Set(userID uuid.UUID, balance int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] = balance
}

func (m *MemoryLedger) TryDebit(_ context.Context, userID uuid.UUID, amount int) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balanceLocked(userID)
	if bal < amount {
		return bal, fmt.Errorf("%w: balance %d, need %d", ErrInsufficientCredits, bal, amount)
	}
	m.balances[userID] = bal - amount
	return bal - amount, nil
}

func (m *MemoryLedger) Credit(_ context.Context, userID uuid.UUID, amount int) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balanceLocked(userID) + amount
	m.balances[userID] = bal
	return bal, nil
}

func (m *MemoryLedger) Balance(_ context.Context, userID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balanceLocked(userID), nil
}

func (m *MemoryLedger) balanceLocked(userID uuid.UUID) int {
	bal, ok := m.balances[userID]
	if !ok {
		bal = m.initial
		m.balances[userID] = bal
	}
	return bal
}
