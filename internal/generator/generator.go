// Package generator turns a scraper description into a Python script.
//
// A configured llm.Provider is asked first. When no provider is configured,
// or the call fails, a deterministic template is rendered instead, so
// Generate always yields a script for valid input.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/scrapeforge/internal/domain"
	"github.com/jkaninda/scrapeforge/internal/llm"
	"github.com/jkaninda/scrapeforge/internal/validator"
)

// Model names recorded when no provider produced the script.
const (
	ModelTemplate = "template"
	ModelFallback = "fallback"
)

// Audit text caps, in characters.
const (
	maxPromptLog = 1000
	maxScriptLog = 10000
)

// ErrInvalidInput is returned before any attempt is made.
var ErrInvalidInput = errors.New("invalid generation input")

// AttemptLog persists generation audit rows.
type AttemptLog interface {
	AppendAttempt(ctx context.Context, a *domain.GenerationAttempt) error
}

// Config holds the provider call parameters.
type Config struct {
	Model        string
	MaxTokens    int
	Temperature  float64
	CostPerToken float64
	Timeout      time.Duration
}

// DefaultConfig mirrors the gpt-3.5-turbo pricing the cost model was built on.
func DefaultConfig() Config {
	return Config{
		Model:        "gpt-3.5-turbo",
		MaxTokens:    2000,
		Temperature:  0.1,
		CostPerToken: 0.000002,
		Timeout:      120 * time.Second,
	}
}

// Input describes one generation request.
type Input struct {
	UserID      uuid.UUID
	ScraperID   *uuid.UUID
	TargetURL   string
	Fields      []string
	Description string
}

// Metadata describes how a script was produced.
type Metadata struct {
	Provider   string  `json:"provider,omitempty"`
	Model      string  `json:"model"`
	TokensUsed int     `json:"tokens"`
	Cost       float64 `json:"cost"`
	Error      string  `json:"error,omitempty"`
}

// Fallback reports whether the template produced the script.
func (m Metadata) Fallback() bool {
	return m.Model == ModelTemplate || m.Model == ModelFallback
}

// Result is the outcome of Generate.
type Result struct {
	Script     string
	Prompt     string
	Meta       Metadata
	Validation validator.Result
}

// Option configures a Generator.
type Option func(*Generator)

// WithConfig overrides DefaultConfig. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(g *Generator) {
		if cfg.Model != "" {
			g.cfg.Model = cfg.Model
		}
		if cfg.MaxTokens > 0 {
			g.cfg.MaxTokens = cfg.MaxTokens
		}
		if cfg.Temperature > 0 {
			g.cfg.Temperature = cfg.Temperature
		}
		if cfg.CostPerToken > 0 {
			g.cfg.CostPerToken = cfg.CostPerToken
		}
		if cfg.Timeout > 0 {
			g.cfg.Timeout = cfg.Timeout
		}
	}
}

// WithAttemptLog sets the audit sink. Without one, attempts are only logged.
func WithAttemptLog(l AttemptLog) Option {
	return func(g *Generator) { g.attempts = l }
}

// Generator builds scripts. Safe for concurrent use.
type Generator struct {
	provider  llm.Provider // nil = template only
	validator *validator.Validator
	attempts  AttemptLog
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Generator. provider may be nil.
func New(provider llm.Provider, v *validator.Validator, logger *slog.Logger, opts ...Option) *Generator {
	g := &Generator{
		provider:  provider,
		validator: v,
		cfg:       DefaultConfig(),
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// HasProvider reports whether a remote provider is configured.
func (g *Generator) HasProvider() bool { return g.provider != nil }

// Generate produces a script for in. The only error is ErrInvalidInput;
// provider failures are absorbed into a template result whose
// Meta.Error carries the cause.
func (g *Generator) Generate(ctx context.Context, in Input) (*Result, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	prompt := BuildPrompt(in.TargetURL, in.Fields, in.Description)
	res := &Result{Prompt: prompt}

	if g.provider == nil {
		res.Script = TemplateScript(in.TargetURL, in.Fields, in.Description)
		res.Meta = Metadata{Model: ModelTemplate}
	} else if script, meta, err := g.callProvider(ctx, prompt); err != nil {
		g.fallback(ctx, in, res, err)
	} else {
		res.Script = script
		res.Meta = meta
	}

	if g.validator != nil {
		res.Validation = g.validator.Validate(ctx, res.Script)
		if !res.Validation.Valid {
			g.logger.WarnContext(ctx, "generated script has validation issues",
				slog.String("model", res.Meta.Model),
				slog.Any("issues", res.Validation.Messages()),
			)
		}
	}

	g.recordAttempt(ctx, in, res)
	return res, nil
}

func (g *Generator) callProvider(ctx context.Context, prompt string) (string, Metadata, error) {
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	req := llm.UserPrompt(SystemPrompt, prompt)
	req.Model = g.cfg.Model
	req.MaxTokens = g.cfg.MaxTokens
	req.Temperature = g.cfg.Temperature

	resp, err := g.provider.SendMessage(ctx, req)
	if err != nil {
		return "", Metadata{}, err
	}
	script := ExtractCode(resp.Content)
	if script == "" {
		return "", Metadata{}, fmt.Errorf("%s returned an empty script", g.provider.Name())
	}

	model := resp.Model
	if model == "" {
		model = g.cfg.Model
	}
	tokens := resp.Usage.Total()
	return script, Metadata{
		Provider:   g.provider.Name(),
		Model:      model,
		TokensUsed: tokens,
		Cost:       float64(tokens) * g.cfg.CostPerToken,
	}, nil
}

// fallback replaces a failed provider call with the template. The failure
// is kept on the metadata and the audit row instead of being returned.
func (g *Generator) fallback(ctx context.Context, in Input, res *Result, cause error) {
	g.logger.WarnContext(ctx, "generation provider failed, using template",
		slog.String("provider", g.provider.Name()),
		slog.Bool("unavailable", errors.Is(cause, llm.ErrProviderUnavailable)),
		slog.String("error", cause.Error()),
	)
	res.Script = TemplateScript(in.TargetURL, in.Fields, in.Description)
	res.Meta = Metadata{
		Provider: g.provider.Name(),
		Model:    ModelFallback,
		Error:    cause.Error(),
	}
}

// recordAttempt appends the audit row. A failing audit sink is logged and
// ignored so the caller still receives its script.
func (g *Generator) recordAttempt(ctx context.Context, in Input, res *Result) {
	attempt := &domain.GenerationAttempt{
		ID:           domain.NewID(),
		UserID:       in.UserID,
		ScraperID:    in.ScraperID,
		Prompt:       truncate(res.Prompt, maxPromptLog),
		Script:       truncate(res.Script, maxScriptLog),
		Model:        res.Meta.Model,
		TokensUsed:   res.Meta.TokensUsed,
		Cost:         res.Meta.Cost,
		Success:      res.Meta.Error == "",
		ErrorMessage: res.Meta.Error,
		CreatedAt:    g.now().UTC(),
	}

	g.logger.InfoContext(ctx, "script generated",
		slog.String("user_id", in.UserID.String()),
		slog.String("model", attempt.Model),
		slog.Int("tokens", attempt.TokensUsed),
		slog.Float64("cost", attempt.Cost),
		slog.Bool("success", attempt.Success),
	)

	if g.attempts == nil {
		return
	}
	if err := g.attempts.AppendAttempt(ctx, attempt); err != nil {
		g.logger.ErrorContext(ctx, "failed to record generation attempt",
			slog.String("attempt_id", attempt.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (in Input) validate() error {
	u, err := url.Parse(strings.TrimSpace(in.TargetURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: target URL must be an absolute http(s) URL", ErrInvalidInput)
	}
	if len(in.Fields) == 0 {
		return fmt.Errorf("%w: at least one field is required", ErrInvalidInput)
	}
	for _, f := range in.Fields {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("%w: field names must not be empty", ErrInvalidInput)
		}
	}
	return nil
}

// truncate cuts s to at most n characters.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
