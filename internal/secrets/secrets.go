// Package secrets resolves credential references such as provider API keys.
// Config files carry references ("env://OPENAI_API_KEY"); the raw value is
// looked up at startup and never written back to disk or logs.
package secrets

import (
	"context"
	"fmt"
	"strings"
)

// Secret holds resolved credential material.
// This type MUST NOT be serialized or logged.
type Secret struct {
	Value    string            // The raw secret value.
	Metadata map[string]string // Backend-specific metadata (e.g., source, variable).
}

// Provider resolves opaque credential references into secret material.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Resolve takes a credential reference (e.g., "env://MY_KEY" or "file:///run/secrets/key")
	// and returns the raw secret. Returns ErrSecretNotFound if the reference cannot be resolved.
	Resolve(ctx context.Context, credentialRef string) (*Secret, error)

	// Name returns the provider identifier for logging (never includes secrets).
	Name() string
}

// ErrSecretNotFound is returned when a credential reference cannot be resolved.
var ErrSecretNotFound = fmt.Errorf("secret not found")

// IsReference reports whether v looks like a credential reference rather
// than a literal value.
func IsReference(v string) bool {
	return strings.HasPrefix(v, "env://") || strings.HasPrefix(v, "file://")
}

// ResolveValue returns v unchanged when it is a literal, and the resolved
// secret when it is a reference. An empty v stays empty.
func ResolveValue(ctx context.Context, p Provider, v string) (string, error) {
	if v == "" || !IsReference(v) {
		return v, nil
	}
	s, err := p.Resolve(ctx, v)
	if err != nil {
		return "", err
	}
	return s.Value, nil
}
