package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestResolveValue(t *testing.T) {
	t.Setenv("SCRAPEFORGE_TEST_KEY", "sk-env")
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "openai")
	if err := os.WriteFile(keyFile, []byte("sk-file\n"), 0600); err != nil {
		t.Fatal(err)
	}
	p := NewCompositeProvider(NewEnvProvider(), NewFileProvider())

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"empty stays empty", "", "", false},
		{"literal passes through", "sk-literal", "sk-literal", false},
		{"env reference", "env://SCRAPEFORGE_TEST_KEY", "sk-env", false},
		{"file reference trimmed", "file://" + keyFile, "sk-file", false},
		{"unset env", "env://SCRAPEFORGE_TEST_MISSING", "", true},
		{"missing file", "file://" + filepath.Join(dir, "nope"), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveValue(context.Background(), p, tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrSecretNotFound) {
				t.Errorf("err = %v, want ErrSecretNotFound", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEnvProvider_RejectsOtherSchemes(t *testing.T) {
	_, err := NewEnvProvider().Resolve(context.Background(), "file:///etc/passwd")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestEnvProvider_Lookup(t *testing.T) {
	env := map[string]string{"KEY": "  sk-padded\n", "BLANK": "   "}
	p := NewEnvProvider(WithLookup(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))

	s, err := p.Resolve(context.Background(), "env://KEY")
	if err != nil {
		t.Fatal(err)
	}
	if s.Value != "sk-padded" {
		t.Errorf("value = %q", s.Value)
	}
	if _, err := p.Resolve(context.Background(), "env://BLANK"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("blank: err = %v", err)
	}
}

func TestCompositeProvider_RoutesByScheme(t *testing.T) {
	p := NewCompositeProvider(NewEnvProvider(WithLookup(func(string) (string, bool) {
		return "from-env", true
	})))

	s, err := p.Resolve(context.Background(), "env://ANY")
	if err != nil || s.Value != "from-env" {
		t.Fatalf("env: %v, %v", s, err)
	}
	for _, ref := range []string{"vault://kv/key", "no-scheme"} {
		if _, err := p.Resolve(context.Background(), ref); !errors.Is(err, ErrSecretNotFound) {
			t.Errorf("%s: err = %v, want ErrSecretNotFound", ref, err)
		}
	}
}
