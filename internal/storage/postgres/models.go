package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONB is a json.RawMessage stored in a jsonb column (TEXT on SQLite).
type JSONB json.RawMessage

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "null", nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner. SQLite hands back TEXT as string.
func (j *JSONB) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("scanning JSONB: unsupported type %T", src)
	}
	return nil
}

// UserModel maps to the "users" table.
type UserModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name       string    `gorm:"not null"`
	APIKeyHash string    `gorm:"not null;uniqueIndex"`
	Credits    int       `gorm:"not null"`
	IsAdmin    bool      `gorm:"not null;default:false"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (UserModel) TableName() string { return "users" }

// ScraperModel maps to the "scrapers" table.
type ScraperModel struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID          uuid.UUID `gorm:"type:uuid;not null;index"`
	Name            string    `gorm:"not null"`
	Description     string
	TargetURL       string `gorm:"not null"`
	Fields          JSONB  `gorm:"type:jsonb;not null;default:'[]'"`
	Refinement      string
	GeneratedScript string
	Status          string `gorm:"not null;default:'draft';index"`
	IsPublic        bool   `gorm:"not null;default:false"`
	Tags            JSONB  `gorm:"type:jsonb;not null;default:'[]'"`
	Schedule        string
	UsageCount      int `gorm:"not null;default:0"`
	LastRunAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (ScraperModel) TableName() string { return "scrapers" }

// ExecutionModel maps to the "executions" table.
type ExecutionModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID         uuid.UUID `gorm:"type:uuid;not null;index"`
	ScraperID      uuid.UUID `gorm:"type:uuid;not null;index:idx_executions_scraper_created,priority:1"`
	InputURL       string    `gorm:"not null"`
	OutputFormat   string    `gorm:"not null;default:'json'"`
	Status         string    `gorm:"not null;index"`
	OutputData     string
	OutputFilePath string
	ErrorMessage   string
	ExecutionTime  int `gorm:"not null;default:0"` // seconds
	Stdout         string
	Stderr         string
	CreatedAt      time.Time `gorm:"index:idx_executions_scraper_created,priority:2"`
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

func (ExecutionModel) TableName() string { return "executions" }

// GenerationAttemptModel maps to the "generation_attempts" table.
// No UpdatedAt: the audit log is append-only.
type GenerationAttemptModel struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey"`
	UserID       uuid.UUID  `gorm:"type:uuid;not null;index"`
	ScraperID    *uuid.UUID `gorm:"type:uuid;index"`
	Prompt       string
	Script       string
	Model        string  `gorm:"not null"`
	TokensUsed   int     `gorm:"not null;default:0"`
	Cost         float64 `gorm:"type:numeric(14,6);not null;default:0"`
	Success      bool    `gorm:"not null"`
	ErrorMessage string
	CreatedAt    time.Time `gorm:"index"`
}

func (GenerationAttemptModel) TableName() string { return "generation_attempts" }
