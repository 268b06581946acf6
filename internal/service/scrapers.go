package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/jkaninda/scrapeforge/internal/domain"
	"github.com/jkaninda/scrapeforge/internal/scheduler"
)

// ScraperInput describes a new scraper.
type ScraperInput struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	TargetURL   string             `json:"target_url"`
	Fields      []domain.FieldSpec `json:"fields"`
	Tags        []string           `json:"tags,omitempty"`
	IsPublic    bool               `json:"is_public"`
	Schedule    string             `json:"schedule,omitempty"`
}

// ScraperPatch holds the fields to change. Nil fields are left alone.
type ScraperPatch struct {
	Name        *string             `json:"name,omitempty"`
	Description *string             `json:"description,omitempty"`
	TargetURL   *string             `json:"target_url,omitempty"`
	Fields      *[]domain.FieldSpec `json:"fields,omitempty"`
	Tags        *[]string           `json:"tags,omitempty"`
	Status      *string             `json:"status,omitempty"`
	IsPublic    *bool               `json:"is_public,omitempty"`
	Schedule    *string             `json:"schedule,omitempty"`
}

// CreateScraper stores a draft scraper owned by userID.
func (s *Service) CreateScraper(ctx context.Context, userID uuid.UUID, in ScraperInput) (*domain.Scraper, error) {
	sc := &domain.Scraper{
		ID:          domain.NewID(),
		UserID:      userID,
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		TargetURL:   strings.TrimSpace(in.TargetURL),
		Fields:      in.Fields,
		Tags:        in.Tags,
		IsPublic:    in.IsPublic,
		Schedule:    strings.TrimSpace(in.Schedule),
		Status:      domain.ScraperDraft,
	}
	if err := checkScraper(sc); err != nil {
		return nil, err
	}
	if err := s.store.Scrapers().Create(ctx, sc); err != nil {
		return nil, fmt.Errorf("creating scraper: %w", err)
	}
	s.logger.InfoContext(ctx, "scraper created",
		slog.String("scraper_id", sc.ID.String()),
		slog.String("user_id", userID.String()),
		slog.Int("fields", len(sc.Fields)),
	)
	return sc, nil
}

// GetScraper returns the caller's scraper.
func (s *Service) GetScraper(ctx context.Context, userID, id uuid.UUID) (*domain.Scraper, error) {
	sc, err := s.store.Scrapers().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sc.UserID != userID {
		return nil, fmt.Errorf("%w: %s", domain.ErrScraperNotFound, id)
	}
	return sc, nil
}

// ListScrapers returns the caller's scrapers, most recently updated first.
func (s *Service) ListScrapers(ctx context.Context, userID uuid.UUID, page domain.Page) ([]domain.Scraper, error) {
	return s.store.Scrapers().ListByUser(ctx, userID, page)
}

// UpdateScraper applies patch to the caller's scraper.
func (s *Service) UpdateScraper(ctx context.Context, userID, id uuid.UUID, patch ScraperPatch) (*domain.Scraper, error) {
	sc, err := s.GetScraper(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		sc.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Description != nil {
		sc.Description = *patch.Description
	}
	if patch.TargetURL != nil {
		sc.TargetURL = strings.TrimSpace(*patch.TargetURL)
	}
	if patch.Fields != nil {
		sc.Fields = *patch.Fields
	}
	if patch.Tags != nil {
		sc.Tags = *patch.Tags
	}
	if patch.Status != nil {
		st, err := domain.ParseScraperStatus(*patch.Status)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		sc.Status = st
	}
	if patch.IsPublic != nil {
		sc.IsPublic = *patch.IsPublic
	}
	if patch.Schedule != nil {
		sc.Schedule = strings.TrimSpace(*patch.Schedule)
	}
	if err := checkScraper(sc); err != nil {
		return nil, err
	}
	if err := s.store.Scrapers().Update(ctx, sc); err != nil {
		return nil, fmt.Errorf("updating scraper: %w", err)
	}
	return sc, nil
}

// DeleteScraper removes the caller's scraper and its executions.
func (s *Service) DeleteScraper(ctx context.Context, userID, id uuid.UUID) error {
	if _, err := s.GetScraper(ctx, userID, id); err != nil {
		return err
	}
	if err := s.store.Scrapers().Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting scraper: %w", err)
	}
	s.logger.InfoContext(ctx, "scraper deleted",
		slog.String("scraper_id", id.String()),
		slog.String("user_id", userID.String()),
	)
	return nil
}

// Script returns the caller's generated script.
func (s *Service) Script(ctx context.Context, userID, id uuid.UUID) (string, error) {
	sc, err := s.GetScraper(ctx, userID, id)
	if err != nil {
		return "", err
	}
	if !sc.HasScript() {
		return "", domain.ErrNoScript
	}
	return sc.GeneratedScript, nil
}

func checkScraper(sc *domain.Scraper) error {
	if sc.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if err := checkURL(sc.TargetURL); err != nil {
		return err
	}
	if len(sc.Fields) == 0 {
		return fmt.Errorf("%w: at least one field is required", ErrInvalidInput)
	}
	seen := make(map[string]bool, len(sc.Fields))
	for i, f := range sc.Fields {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			return fmt.Errorf("%w: fields[%d].name is required", ErrInvalidInput, i)
		}
		if seen[name] {
			return fmt.Errorf("%w: duplicate field %q", ErrInvalidInput, name)
		}
		seen[name] = true
	}
	if err := scheduler.ValidateSchedule(sc.Schedule); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: URL must start with http:// or https://", ErrInvalidInput)
	}
	return nil
}
