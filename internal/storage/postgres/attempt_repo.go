package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/scrapeforge/internal/domain"
)

// AttemptRepository implements the append-only generation audit log.
type AttemptRepository struct {
	db *gorm.DB
}

// NewAttemptRepository creates an AttemptRepository.
func NewAttemptRepository(db *gorm.DB) *AttemptRepository {
	return &AttemptRepository{db: db}
}

// AppendAttempt inserts one audit row.
func (r *AttemptRepository) AppendAttempt(ctx context.Context, a *domain.GenerationAttempt) error {
	if a.ID == uuid.Nil {
		a.ID = domain.NewID()
	}
	model := toAttemptModel(a)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("recording generation attempt: %w", err)
	}
	return nil
}

// ListByScraper returns a scraper's attempts, newest first.
func (r *AttemptRepository) ListByScraper(ctx context.Context, scraperID uuid.UUID, page domain.Page) ([]domain.GenerationAttempt, error) {
	page = page.Normalize(20, 100)
	var models []GenerationAttemptModel
	if err := r.db.WithContext(ctx).
		Where("scraper_id = ?", scraperID).
		Order("created_at DESC").
		Offset(page.Skip).
		Limit(page.Limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing generation attempts: %w", err)
	}
	out := make([]domain.GenerationAttempt, len(models))
	for i := range models {
		out[i] = *toAttemptDomain(&models[i])
	}
	return out, nil
}
