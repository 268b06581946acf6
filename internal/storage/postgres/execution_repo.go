package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/scrapeforge/internal/domain"
)

// ExecutionRepository implements execution persistence.
type ExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository creates an ExecutionRepository.
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Create persists a new execution record.
func (r *ExecutionRepository) Create(ctx context.Context, e *domain.Execution) error {
	if e.ID == uuid.Nil {
		e.ID = domain.NewID()
	}
	model := toExecutionModel(e)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating execution: %w", err)
	}
	e.CreatedAt = model.CreatedAt
	return nil
}

// Get retrieves an execution by ID.
func (r *ExecutionRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Execution, error) {
	var model ExecutionModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return nil, notFound(err, domain.ErrExecutionNotFound, "getting execution %s", id)
	}
	return toExecutionDomain(&model), nil
}

// Update writes the mutable columns of an execution.
func (r *ExecutionRepository) Update(ctx context.Context, e *domain.Execution) error {
	result := r.db.WithContext(ctx).
		Model(&ExecutionModel{}).
		Where("id = ?", e.ID).
		Updates(map[string]any{
			"status":           string(e.Status),
			"output_data":      e.OutputData,
			"output_file_path": e.OutputFilePath,
			"error_message":    e.ErrorMessage,
			"execution_time":   e.ExecutionTime,
			"stdout":           e.Stdout,
			"stderr":           e.Stderr,
			"started_at":       e.StartedAt,
			"completed_at":     e.CompletedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("updating execution %s: %w", e.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrExecutionNotFound
	}
	return nil
}

// ListByScraper returns a scraper's executions, newest first.
func (r *ExecutionRepository) ListByScraper(ctx context.Context, scraperID uuid.UUID, page domain.Page) ([]domain.Execution, error) {
	page = page.Normalize(20, 100)
	var models []ExecutionModel
	if err := r.db.WithContext(ctx).
		Where("scraper_id = ?", scraperID).
		Order("created_at DESC").
		Offset(page.Skip).
		Limit(page.Limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	out := make([]domain.Execution, len(models))
	for i := range models {
		out[i] = *toExecutionDomain(&models[i])
	}
	return out, nil
}

// FailUnfinished fails every execution left pending or running, typically
// by a process restart.
func (r *ExecutionRepository) FailUnfinished(ctx context.Context, msg string, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&ExecutionModel{}).
		Where("status IN ?", []string{string(domain.ExecutionPending), string(domain.ExecutionRunning)}).
		Updates(map[string]any{
			"status":        string(domain.ExecutionFailed),
			"error_message": msg,
			"completed_at":  now.UTC(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failing unfinished executions: %w", result.Error)
	}
	return result.RowsAffected, nil
}
