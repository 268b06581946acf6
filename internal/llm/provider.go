// Package llm defines the provider-agnostic interface to remote text
// generation services used for script generation.
package llm

import (
	"context"
	"errors"
)

// ErrProviderUnavailable marks a provider that is not configured or could
// not be reached. Callers treat it as a reason to degrade, not to fail.
var ErrProviderUnavailable = errors.New("generation provider unavailable")

// Provider is the abstraction over any generation backend (OpenAI, Anthropic, ...).
type Provider interface {
	// SendMessage sends a prompt and returns the completion.
	SendMessage(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "openai").
	Name() string
}

// Request is a single-turn generation request.
type Request struct {
	Model        string // Empty = provider default.
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	Temperature  float64
}

// Message is a single turn in the conversation.
type Message struct {
	Role    Role
	Content string
}

// Role identifies who sent a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// UserPrompt builds a request carrying one user message.
func UserPrompt(system, prompt string) *Request {
	return &Request{
		SystemPrompt: system,
		Messages:     []Message{{Role: RoleUser, Content: prompt}},
	}
}

// Response is what the provider returns.
type Response struct {
	Content    string
	Model      string // Model that actually served the request.
	Usage      Usage
	StopReason string
}

// Usage tracks token consumption for cost accounting.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}
