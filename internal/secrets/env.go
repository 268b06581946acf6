package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvProvider resolves "env://NAME" references.
type EnvProvider struct {
	lookup func(string) (string, bool)
}

// EnvOption configures an EnvProvider.
type EnvOption func(*EnvProvider)

// WithLookup replaces os.LookupEnv.
func WithLookup(fn func(string) (string, bool)) EnvOption {
	return func(p *EnvProvider) { p.lookup = fn }
}

// NewEnvProvider creates a provider backed by the process environment.
func NewEnvProvider(opts ...EnvOption) *EnvProvider {
	p := &EnvProvider{lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *EnvProvider) Name() string { return "env" }

// Resolve returns the trimmed value of the named variable. Unset and blank
// variables are both reported as ErrSecretNotFound.
func (p *EnvProvider) Resolve(_ context.Context, ref string) (*Secret, error) {
	name, ok := strings.CutPrefix(ref, "env://")
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an env:// reference", ErrSecretNotFound, ref)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: empty variable name", ErrSecretNotFound)
	}
	raw, _ := p.lookup(name)
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, fmt.Errorf("%w: %s is not set", ErrSecretNotFound, name)
	}
	return &Secret{
		Value:    value,
		Metadata: map[string]string{"source": "env", "variable": name},
	}, nil
}
