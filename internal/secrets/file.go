package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// FileProvider resolves credential references from files, as mounted by
// Docker or Kubernetes secrets. Reference format: "file:///run/secrets/name".
type FileProvider struct{}

// NewFileProvider creates a file-based secret provider.
func NewFileProvider() *FileProvider { return &FileProvider{} }

func (p *FileProvider) Name() string { return "file" }

func (p *FileProvider) Resolve(_ context.Context, credentialRef string) (*Secret, error) {
	const prefix = "file://"
	if !strings.HasPrefix(credentialRef, prefix) {
		return nil, fmt.Errorf("%w: file provider only handles file:// references, got %q",
			ErrSecretNotFound, credentialRef)
	}
	path := strings.TrimPrefix(credentialRef, prefix)
	if path == "" {
		return nil, fmt.Errorf("%w: empty file path", ErrSecretNotFound)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: file %q does not exist", ErrSecretNotFound, path)
		}
		return nil, fmt.Errorf("reading secret file %q: %w", path, err)
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return nil, fmt.Errorf("%w: file %q is empty", ErrSecretNotFound, path)
	}
	return &Secret{
		Value:    value,
		Metadata: map[string]string{"source": "file", "path": path},
	}, nil
}
