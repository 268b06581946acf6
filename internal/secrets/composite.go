package secrets

import (
	"context"
	"fmt"
	"strings"
)

// CompositeProvider routes a reference to the provider registered for its
// scheme ("env", "file"). Providers are keyed by Name.
type CompositeProvider struct {
	byScheme map[string]Provider
}

// NewCompositeProvider registers providers by name. A later provider with
// the same name replaces an earlier one.
func NewCompositeProvider(providers ...Provider) *CompositeProvider {
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &CompositeProvider{byScheme: m}
}

func (p *CompositeProvider) Name() string { return "composite" }

func (p *CompositeProvider) Resolve(ctx context.Context, ref string) (*Secret, error) {
	scheme, _, ok := strings.Cut(ref, "://")
	if !ok {
		return nil, fmt.Errorf("%w: %q has no scheme", ErrSecretNotFound, ref)
	}
	provider, ok := p.byScheme[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: no provider for %s:// references", ErrSecretNotFound, scheme)
	}
	return provider.Resolve(ctx, ref)
}
