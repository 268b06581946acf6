package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/jkaninda/scrapeforge/internal/domain"
	"github.com/jkaninda/scrapeforge/internal/orchestrator"
)

// SubmitExecution queues a run of the caller's scraper. An empty url runs
// against the scraper's target URL.
func (s *Service) SubmitExecution(ctx context.Context, userID, scraperID uuid.UUID, url, format string) (*domain.Execution, error) {
	if s.executor == nil {
		return nil, orchestrator.ErrStopped
	}
	url = strings.TrimSpace(url)
	if url != "" {
		if err := checkURL(url); err != nil {
			return nil, err
		}
	}
	return s.executor.Submit(ctx, orchestrator.SubmitRequest{
		ScraperID: scraperID,
		UserID:    userID,
		URL:       url,
		Format:    format,
	})
}

// GetExecution returns the caller's execution.
func (s *Service) GetExecution(ctx context.Context, userID, id uuid.UUID) (*domain.Execution, error) {
	e, err := s.store.Executions().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.UserID != userID {
		return nil, fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, id)
	}
	return e, nil
}

// ListExecutions returns executions of the caller's scraper, newest first.
func (s *Service) ListExecutions(ctx context.Context, userID, scraperID uuid.UUID, page domain.Page) ([]domain.Execution, error) {
	if _, err := s.GetScraper(ctx, userID, scraperID); err != nil {
		return nil, err
	}
	list, err := s.store.Executions().ListByScraper(ctx, scraperID, page)
	if err != nil {
		return nil, err
	}
	out := list[:0]
	for _, e := range list {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ExecutionOutput returns the output file path of the caller's completed
// execution. The path is confined to the outputs directory.
func (s *Service) ExecutionOutput(ctx context.Context, userID, id uuid.UUID) (string, error) {
	e, err := s.GetExecution(ctx, userID, id)
	if err != nil {
		return "", err
	}
	if e.Status != domain.ExecutionCompleted || e.OutputFilePath == "" {
		return "", ErrNoOutput
	}
	path := filepath.Clean(e.OutputFilePath)
	if s.cfg.OutputsDir != "" {
		root := filepath.Clean(s.cfg.OutputsDir)
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", ErrNoOutput
		}
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoOutput
		}
		return "", err
	}
	return path, nil
}
