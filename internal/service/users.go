package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/jkaninda/scrapeforge/internal/domain"
)

// apiKeyPrefix marks ScrapeForge keys so they are recognizable in leaks.
const apiKeyPrefix = "sf_"

// HashAPIKey returns the stored form of an API key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// NewAPIKey returns a random API key.
func NewAPIKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	return apiKeyPrefix + hex.EncodeToString(b), nil
}

// CreateUser registers a user and returns it with its API key. The key is
// not recoverable afterwards; only its hash is stored. An empty apiKey
// generates one.
func (s *Service) CreateUser(ctx context.Context, name string, admin bool, apiKey string) (*domain.User, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if apiKey == "" {
		var err error
		if apiKey, err = NewAPIKey(); err != nil {
			return nil, "", err
		}
	}
	u := &domain.User{
		ID:         domain.NewID(),
		Name:       name,
		APIKeyHash: HashAPIKey(apiKey),
		Credits:    s.cfg.InitialCredits,
		IsAdmin:    admin,
	}
	if err := s.store.Users().Create(ctx, u); err != nil {
		return nil, "", fmt.Errorf("creating user: %w", err)
	}
	s.logger.InfoContext(ctx, "user created",
		slog.String("user_id", u.ID.String()),
		slog.String("name", u.Name),
		slog.Bool("admin", admin),
	)
	return u, apiKey, nil
}

// EnsureAdmin returns the user holding apiKey, creating an admin user for it
// when none exists.
func (s *Service) EnsureAdmin(ctx context.Context, apiKey string) (*domain.User, error) {
	u, err := s.store.Users().GetByAPIKeyHash(ctx, HashAPIKey(apiKey))
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, domain.ErrUserNotFound) {
		return nil, err
	}
	u, _, err = s.CreateUser(ctx, "admin", true, apiKey)
	return u, err
}

// Authenticate resolves an API key to its user.
func (s *Service) Authenticate(ctx context.Context, apiKey string) (*domain.User, error) {
	if apiKey == "" {
		return nil, ErrUnauthorized
	}
	u, err := s.store.Users().GetByAPIKeyHash(ctx, HashAPIKey(apiKey))
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	return u, nil
}

// Balance returns the caller's credit balance.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.ledger.Balance(ctx, userID)
}

// GrantCredits adds credits to a user's balance. Only admins may call it.
func (s *Service) GrantCredits(ctx context.Context, caller *domain.User, userID uuid.UUID, amount int) (int, error) {
	if caller == nil || !caller.IsAdmin {
		return 0, ErrForbidden
	}
	if amount <= 0 {
		return 0, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	bal, err := s.ledger.Credit(ctx, userID, amount)
	if err != nil {
		return 0, err
	}
	s.logger.InfoContext(ctx, "credits granted",
		slog.String("admin_id", caller.ID.String()),
		slog.String("user_id", userID.String()),
		slog.Int("amount", amount),
		slog.Int("balance", bal),
	)
	return bal, nil
}

// ListUsers returns all users. Only admins may call it.
func (s *Service) ListUsers(ctx context.Context, caller *domain.User) ([]domain.User, error) {
	if caller == nil || !caller.IsAdmin {
		return nil, ErrForbidden
	}
	return s.store.Users().List(ctx)
}

// User returns the user with id.
func (s *Service) User(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	return s.store.Users().Get(ctx, id)
}
