package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// FallbackProvider tries providers in order and returns the first success.
type FallbackProvider struct {
	providers []Provider
	logger    *slog.Logger
}

// NewFallbackProvider creates a provider chain. At least one provider is required.
func NewFallbackProvider(providers []Provider, logger *slog.Logger) (*FallbackProvider, error) {
	if len(providers) == 0 {
		return nil, errors.New("fallback provider requires at least one provider")
	}
	return &FallbackProvider{providers: providers, logger: logger}, nil
}

// SendMessage tries each provider in order. The returned error joins every
// provider's failure.
func (f *FallbackProvider) SendMessage(ctx context.Context, req *Request) (*Response, error) {
	var errs []error
	for i, p := range f.providers {
		resp, err := p.SendMessage(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.InfoContext(ctx, "provider fallback succeeded",
					slog.String("provider", p.Name()),
					slog.Int("attempt", i+1),
				)
			}
			return resp, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		if ctx.Err() != nil {
			break
		}
		f.logger.WarnContext(ctx, "provider failed, trying next",
			slog.String("provider", p.Name()),
			slog.String("error", err.Error()),
			slog.Int("attempt", i+1),
			slog.Int("remaining", len(f.providers)-i-1),
		)
	}
	return nil, fmt.Errorf("all %d providers failed: %w", len(f.providers), errors.Join(errs...))
}

// Name joins the chained provider names, e.g. "openai+anthropic".
func (f *FallbackProvider) Name() string {
	names := make([]string, len(f.providers))
	for i, p := range f.providers {
		names[i] = p.Name()
	}
	return strings.Join(names, "+")
}
