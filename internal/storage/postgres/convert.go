package postgres

import (
	"encoding/json"

	"github.com/jkaninda/scrapeforge/internal/domain"
)

// --- User ---

func toUserModel(u *domain.User) UserModel {
	return UserModel{
		ID:         u.ID,
		Name:       u.Name,
		APIKeyHash: u.APIKeyHash,
		Credits:    u.Credits,
		IsAdmin:    u.IsAdmin,
		CreatedAt:  u.CreatedAt,
		UpdatedAt:  u.UpdatedAt,
	}
}

func toUserDomain(m *UserModel) *domain.User {
	return &domain.User{
		ID:         m.ID,
		Name:       m.Name,
		APIKeyHash: m.APIKeyHash,
		Credits:    m.Credits,
		IsAdmin:    m.IsAdmin,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

// --- Scraper ---

func toScraperModel(s *domain.Scraper) ScraperModel {
	fields := s.Fields
	if fields == nil {
		fields = []domain.FieldSpec{}
	}
	tags := s.Tags
	if tags == nil {
		tags = []string{}
	}
	fieldsJSON, _ := json.Marshal(fields)
	tagsJSON, _ := json.Marshal(tags)

	return ScraperModel{
		ID:              s.ID,
		UserID:          s.UserID,
		Name:            s.Name,
		Description:     s.Description,
		TargetURL:       s.TargetURL,
		Fields:          JSONB(fieldsJSON),
		Refinement:      s.Refinement,
		GeneratedScript: s.GeneratedScript,
		Status:          string(s.Status),
		IsPublic:        s.IsPublic,
		Tags:            JSONB(tagsJSON),
		Schedule:        s.Schedule,
		UsageCount:      s.UsageCount,
		LastRunAt:       s.LastRunAt,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

func toScraperDomain(m *ScraperModel) *domain.Scraper {
	var fields []domain.FieldSpec
	if len(m.Fields) > 0 {
		_ = json.Unmarshal(m.Fields, &fields)
	}
	var tags []string
	if len(m.Tags) > 0 {
		_ = json.Unmarshal(m.Tags, &tags)
	}
	return &domain.Scraper{
		ID:              m.ID,
		UserID:          m.UserID,
		Name:            m.Name,
		Description:     m.Description,
		TargetURL:       m.TargetURL,
		Fields:          fields,
		Refinement:      m.Refinement,
		GeneratedScript: m.GeneratedScript,
		Status:          domain.ScraperStatus(m.Status),
		IsPublic:        m.IsPublic,
		Tags:            tags,
		Schedule:        m.Schedule,
		UsageCount:      m.UsageCount,
		LastRunAt:       m.LastRunAt,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

// --- Execution ---

func toExecutionModel(e *domain.Execution) ExecutionModel {
	return ExecutionModel{
		ID:             e.ID,
		UserID:         e.UserID,
		ScraperID:      e.ScraperID,
		InputURL:       e.InputURL,
		OutputFormat:   string(e.OutputFormat),
		Status:         string(e.Status),
		OutputData:     e.OutputData,
		OutputFilePath: e.OutputFilePath,
		ErrorMessage:   e.ErrorMessage,
		ExecutionTime:  e.ExecutionTime,
		Stdout:         e.Stdout,
		Stderr:         e.Stderr,
		CreatedAt:      e.CreatedAt,
		StartedAt:      e.StartedAt,
		CompletedAt:    e.CompletedAt,
	}
}

func toExecutionDomain(m *ExecutionModel) *domain.Execution {
	return &domain.Execution{
		ID:             m.ID,
		UserID:         m.UserID,
		ScraperID:      m.ScraperID,
		InputURL:       m.InputURL,
		OutputFormat:   domain.OutputFormat(m.OutputFormat),
		Status:         domain.ExecutionStatus(m.Status),
		OutputData:     m.OutputData,
		OutputFilePath: m.OutputFilePath,
		ErrorMessage:   m.ErrorMessage,
		ExecutionTime:  m.ExecutionTime,
		Stdout:         m.Stdout,
		Stderr:         m.Stderr,
		CreatedAt:      m.CreatedAt,
		StartedAt:      m.StartedAt,
		CompletedAt:    m.CompletedAt,
	}
}

// --- Generation attempt ---

func toAttemptModel(a *domain.GenerationAttempt) GenerationAttemptModel {
	return GenerationAttemptModel{
		ID:           a.ID,
		UserID:       a.UserID,
		ScraperID:    a.ScraperID,
		Prompt:       a.Prompt,
		Script:       a.Script,
		Model:        a.Model,
		TokensUsed:   a.TokensUsed,
		Cost:         a.Cost,
		Success:      a.Success,
		ErrorMessage: a.ErrorMessage,
		CreatedAt:    a.CreatedAt,
	}
}

func toAttemptDomain(m *GenerationAttemptModel) *domain.GenerationAttempt {
	return &domain.GenerationAttempt{
		ID:           m.ID,
		UserID:       m.UserID,
		ScraperID:    m.ScraperID,
		Prompt:       m.Prompt,
		Script:       m.Script,
		Model:        m.Model,
		TokensUsed:   m.TokensUsed,
		Cost:         m.Cost,
		Success:      m.Success,
		ErrorMessage: m.ErrorMessage,
		CreatedAt:    m.CreatedAt,
	}
}
