package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/jkaninda/scrapeforge/internal/domain"
	"github.com/jkaninda/scrapeforge/internal/generator"
	"github.com/jkaninda/scrapeforge/internal/validator"
)

// GenerationResult is returned by GenerateScript.
type GenerationResult struct {
	Scraper    *domain.Scraper
	Meta       generator.Metadata
	Validation validator.Result
	Remaining  int // Credits left after the debit.
}

// GenerateScript produces and stores a script for the caller's scraper.
// The generation cost is debited before the generator runs and refunded
// when no script could be produced or stored.
func (s *Service) GenerateScript(ctx context.Context, userID, scraperID uuid.UUID, description string) (*GenerationResult, error) {
	sc, err := s.GetScraper(ctx, userID, scraperID)
	if err != nil {
		return nil, err
	}

	cost := s.cfg.GenerationCost
	remaining, err := s.ledger.TryDebit(ctx, userID, cost)
	if err != nil {
		return nil, err
	}
	if s.creditRec != nil {
		s.creditRec.RecordCreditsSpent(cost)
	}

	description = strings.TrimSpace(description)
	if description == "" {
		description = sc.Refinement
	}
	sid := sc.ID
	res, err := s.generator.Generate(ctx, generator.Input{
		UserID:      userID,
		ScraperID:   &sid,
		TargetURL:   sc.TargetURL,
		Fields:      sc.FieldNames(),
		Description: description,
	})
	if err != nil {
		s.refund(ctx, userID, cost, err)
		if errors.Is(err, generator.ErrInvalidInput) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return nil, err
	}

	sc.GeneratedScript = res.Script
	sc.Refinement = description
	sc.Status = domain.ScraperActive
	if err := s.store.Scrapers().Update(ctx, sc); err != nil {
		s.refund(ctx, userID, cost, err)
		return nil, fmt.Errorf("storing script: %w", err)
	}

	s.logger.InfoContext(ctx, "script stored",
		slog.String("scraper_id", sc.ID.String()),
		slog.String("user_id", userID.String()),
		slog.String("model", res.Meta.Model),
		slog.Bool("fallback", res.Meta.Fallback()),
		slog.Bool("valid", res.Validation.Valid),
		slog.Int("credits_remaining", remaining),
	)
	return &GenerationResult{
		Scraper:    sc,
		Meta:       res.Meta,
		Validation: res.Validation,
		Remaining:  remaining,
	}, nil
}

// refund returns a debit after a failed generation. A failing refund is
// logged; the original error is what the caller sees.
func (s *Service) refund(ctx context.Context, userID uuid.UUID, amount int, cause error) {
	bal, err := s.ledger.Credit(ctx, userID, amount)
	if err != nil {
		s.logger.ErrorContext(ctx, "credit refund failed",
			slog.String("user_id", userID.String()),
			slog.Int("amount", amount),
			slog.String("cause", cause.Error()),
			slog.String("error", err.Error()),
		)
		return
	}
	if s.creditRec != nil {
		s.creditRec.RecordCreditsRefunded(amount)
	}
	s.logger.WarnContext(ctx, "generation failed, credits refunded",
		slog.String("user_id", userID.String()),
		slog.Int("amount", amount),
		slog.Int("balance", bal),
		slog.String("cause", cause.Error()),
	)
}

// ValidateScript runs the validator over an arbitrary script.
func (s *Service) ValidateScript(ctx context.Context, script string) validator.Result {
	return s.validator.Validate(ctx, script)
}

// GenerationHistory returns the audit rows of the caller's scraper, newest first.
func (s *Service) GenerationHistory(ctx context.Context, userID, scraperID uuid.UUID, page domain.Page) ([]domain.GenerationAttempt, error) {
	if _, err := s.GetScraper(ctx, userID, scraperID); err != nil {
		return nil, err
	}
	return s.store.Attempts().ListByScraper(ctx, scraperID, page)
}
