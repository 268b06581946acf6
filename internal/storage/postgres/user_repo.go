package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/scrapeforge/internal/domain"
)

// UserRepository manages user records and credit balances.
type UserRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a UserRepository.
func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create persists a new user.
func (r *UserRepository) Create(ctx context.Context, u *domain.User) error {
	if u.ID == uuid.Nil {
		u.ID = domain.NewID()
	}
	model := toUserModel(u)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating user %q: %w", u.Name, err)
	}
	u.CreatedAt, u.UpdatedAt = model.CreatedAt, model.UpdatedAt
	return nil
}

// Get retrieves a user by ID.
func (r *UserRepository) Get(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	var user UserModel
	if err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, notFound(err, domain.ErrUserNotFound, "getting user %s", id)
	}
	return toUserDomain(&user), nil
}

// GetByAPIKeyHash retrieves the user owning an API key.
func (r *UserRepository) GetByAPIKeyHash(ctx context.Context, hash string) (*domain.User, error) {
	var user UserModel
	if err := r.db.WithContext(ctx).Where("api_key_hash = ?", hash).First(&user).Error; err != nil {
		return nil, notFound(err, domain.ErrUserNotFound, "looking up api key")
	}
	return toUserDomain(&user), nil
}

// List returns all users ordered by name.
func (r *UserRepository) List(ctx context.Context) ([]domain.User, error) {
	var models []UserModel
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	users := make([]domain.User, len(models))
	for i := range models {
		users[i] = *toUserDomain(&models[i])
	}
	return users, nil
}

// DebitCredits subtracts amount in one conditional UPDATE so concurrent
// debits can never overdraw the balance.
func (r *UserRepository) DebitCredits(ctx context.Context, id uuid.UUID, amount int) (int, error) {
	result := r.db.WithContext(ctx).
		Model(&UserModel{}).
		Where("id = ? AND credits >= ?", id, amount).
		Updates(map[string]any{
			"credits":    gorm.Expr("credits - ?", amount),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("debiting user %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetCredits(ctx, id); err != nil {
			return 0, err
		}
		return 0, domain.ErrInsufficientCredits
	}
	return r.GetCredits(ctx, id)
}

// AddCredits increases the balance by amount.
func (r *UserRepository) AddCredits(ctx context.Context, id uuid.UUID, amount int) (int, error) {
	result := r.db.WithContext(ctx).
		Model(&UserModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"credits":    gorm.Expr("credits + ?", amount),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("crediting user %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, fmt.Errorf("crediting user %s: %w", id, domain.ErrUserNotFound)
	}
	return r.GetCredits(ctx, id)
}

// GetCredits returns the current balance.
func (r *UserRepository) GetCredits(ctx context.Context, id uuid.UUID) (int, error) {
	var user UserModel
	if err := r.db.WithContext(ctx).Select("credits").First(&user, "id = ?", id).Error; err != nil {
		return 0, notFound(err, domain.ErrUserNotFound, "reading credits for user %s", id)
	}
	return user.Credits, nil
}

// notFound maps gorm.ErrRecordNotFound to sentinel and wraps everything
// else with the formatted context.
func notFound(err, sentinel error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
