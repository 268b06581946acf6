package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type stubProvider struct {
	name  string
	resp  *Response
	err   error
	calls int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) SendMessage(context.Context, *Request) (*Response, error) {
	s.calls++
	return s.resp, s.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFallbackProvider_UsesFirstSuccess(t *testing.T) {
	primary := &stubProvider{name: "openai", err: ErrProviderUnavailable}
	secondary := &stubProvider{name: "anthropic", resp: &Response{Content: "ok"}}
	unused := &stubProvider{name: "ollama", resp: &Response{Content: "never"}}

	f, err := NewFallbackProvider([]Provider{primary, secondary, unused}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	resp, err := f.SendMessage(context.Background(), UserPrompt("", "p"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "ok" {
		t.Errorf("Content = %q", resp.Content)
	}
	if unused.calls != 0 {
		t.Errorf("third provider called %d times", unused.calls)
	}
	if f.Name() != "openai+anthropic+ollama" {
		t.Errorf("Name = %q", f.Name())
	}
}

func TestFallbackProvider_AllFail(t *testing.T) {
	a := &stubProvider{name: "a", err: ErrProviderUnavailable}
	b := &stubProvider{name: "b", err: errors.New("bad request")}

	f, _ := NewFallbackProvider([]Provider{a, b}, discardLogger())
	_, err := f.SendMessage(context.Background(), UserPrompt("", "p"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("joined error should keep ErrProviderUnavailable: %v", err)
	}
}

func TestNewFallbackProvider_Empty(t *testing.T) {
	if _, err := NewFallbackProvider(nil, discardLogger()); err == nil {
		t.Fatal("expected error for empty chain")
	}
}
