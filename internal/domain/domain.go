// Package domain defines the entity types shared by the generation and
// execution pipeline.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// DefaultCredits is the balance a new user starts with.
const DefaultCredits = 100

// User owns scrapers and a credit balance.
// APIKeyHash is the hex SHA-256 of the bearer key; the raw key is never stored.
type User struct {
	ID         uuid.UUID
	Name       string
	APIKeyHash string
	Credits    int
	IsAdmin    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// FieldSpec describes one value the generated script must extract.
type FieldSpec struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Selector    string `json:"selector,omitempty" yaml:"selector,omitempty"`
	Required    bool   `json:"required" yaml:"required"`
}

// Scraper is a persisted scraper definition together with its generated script.
// GeneratedScript stays empty until the first successful generation.
type Scraper struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	Name            string
	Description     string
	TargetURL       string
	Fields          []FieldSpec
	Refinement      string // Free-text requirements passed to the generator.
	GeneratedScript string
	Status          ScraperStatus
	IsPublic        bool
	Tags            []string
	Schedule        string // Optional 5-field cron expression for recurring runs.
	UsageCount      int
	LastRunAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasScript reports whether a script has been generated for the scraper.
func (s *Scraper) HasScript() bool {
	return s != nil && s.GeneratedScript != ""
}

// FieldNames returns the field names in declaration order.
func (s *Scraper) FieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		names = append(names, f.Name)
	}
	return names
}

// Execution is one run of a scraper's script against a URL.
// It is mutated only through Start and Finish (see state.go).
type Execution struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	ScraperID      uuid.UUID
	InputURL       string
	OutputFormat   OutputFormat
	Status         ExecutionStatus
	OutputData     string
	OutputFilePath string
	ErrorMessage   string
	ExecutionTime  int // Whole seconds.
	Stdout         string
	Stderr         string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// GenerationAttempt is an append-only audit row, one per generation call.
type GenerationAttempt struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	ScraperID    *uuid.UUID
	Prompt       string
	Script       string
	Model        string
	TokensUsed   int
	Cost         float64
	Success      bool
	ErrorMessage string
	CreatedAt    time.Time
}

// Page bounds list queries. Zero Limit means the repository default.
type Page struct {
	Skip  int
	Limit int
}

// Normalize clamps the page into [1, max] with def as the default limit.
func (p Page) Normalize(def, max int) Page {
	if p.Skip < 0 {
		p.Skip = 0
	}
	if p.Limit <= 0 {
		p.Limit = def
	}
	if p.Limit > max {
		p.Limit = max
	}
	return p
}

// NewID generates a new random UUID.
func NewID() uuid.UUID {
	return uuid.New()
}
