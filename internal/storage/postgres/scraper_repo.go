package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/scrapeforge/internal/domain"
)

// ScraperRepository implements scraper persistence.
type ScraperRepository struct {
	db *gorm.DB
}

// NewScraperRepository creates a ScraperRepository.
func NewScraperRepository(db *gorm.DB) *ScraperRepository {
	return &ScraperRepository{db: db}
}

// Create persists a new scraper.
func (r *ScraperRepository) Create(ctx context.Context, s *domain.Scraper) error {
	if s.ID == uuid.Nil {
		s.ID = domain.NewID()
	}
	if s.Status == "" {
		s.Status = domain.ScraperDraft
	}
	model := toScraperModel(s)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating scraper: %w", err)
	}
	s.CreatedAt, s.UpdatedAt = model.CreatedAt, model.UpdatedAt
	return nil
}

// Get retrieves a scraper by ID.
func (r *ScraperRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Scraper, error) {
	var model ScraperModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return nil, notFound(err, domain.ErrScraperNotFound, "getting scraper %s", id)
	}
	return toScraperDomain(&model), nil
}

// ListByUser returns a user's scrapers, most recently updated first.
func (r *ScraperRepository) ListByUser(ctx context.Context, userID uuid.UUID, page domain.Page) ([]domain.Scraper, error) {
	page = page.Normalize(20, 100)
	var models []ScraperModel
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Offset(page.Skip).
		Limit(page.Limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing scrapers: %w", err)
	}
	return toScrapers(models), nil
}

// ListScheduled returns active scrapers that carry a cron schedule.
func (r *ScraperRepository) ListScheduled(ctx context.Context) ([]domain.Scraper, error) {
	var models []ScraperModel
	if err := r.db.WithContext(ctx).
		Where("status = ? AND schedule <> ''", string(domain.ScraperActive)).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing scheduled scrapers: %w", err)
	}
	return toScrapers(models), nil
}

// Update persists all mutable fields of an existing scraper.
func (r *ScraperRepository) Update(ctx context.Context, s *domain.Scraper) error {
	model := toScraperModel(s)
	model.UpdatedAt = time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&ScraperModel{}).
		Where("id = ?", s.ID).
		Select("*").
		Omit("id", "user_id", "created_at").
		Updates(&model)
	if result.Error != nil {
		return fmt.Errorf("updating scraper %s: %w", s.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrScraperNotFound
	}
	s.UpdatedAt = model.UpdatedAt
	return nil
}

// Delete removes the scraper, its executions, and its generation attempts.
func (r *ScraperRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("scraper_id = ?", id).Delete(&ExecutionModel{}).Error; err != nil {
			return fmt.Errorf("deleting executions of scraper %s: %w", id, err)
		}
		if err := tx.Where("scraper_id = ?", id).Delete(&GenerationAttemptModel{}).Error; err != nil {
			return fmt.Errorf("deleting attempts of scraper %s: %w", id, err)
		}
		result := tx.Delete(&ScraperModel{}, "id = ?", id)
		if result.Error != nil {
			return fmt.Errorf("deleting scraper %s: %w", id, result.Error)
		}
		if result.RowsAffected == 0 {
			return domain.ErrScraperNotFound
		}
		return nil
	})
}

// RecordRun bumps usage_count and last_run_at in a single statement.
func (r *ScraperRepository) RecordRun(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&ScraperModel{}).
		Where("id = ?", id).
		UpdateColumns(map[string]any{
			"usage_count": gorm.Expr("usage_count + 1"),
			"last_run_at": at.UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("recording run for scraper %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrScraperNotFound
	}
	return nil
}

func toScrapers(models []ScraperModel) []domain.Scraper {
	out := make([]domain.Scraper, len(models))
	for i := range models {
		out[i] = *toScraperDomain(&models[i])
	}
	return out
}
