// Package llms provides the language-model capability the orchestrator and
// the outlet SQL gate depend on. Production talks to an OpenAI-compatible
// chat-completions endpoint; tests script replies through the same
// interface.
package llms

import (
	"context"
	"errors"
)

// Provider is the abstract completion capability.
type Provider interface {
	// Complete sends a pre-built prompt and returns the model's text.
	Complete(ctx context.Context, prompt string) (string, error)

	// Model returns the configured model name.
	Model() string

	// Close releases underlying resources.
	Close() error
}

// ErrRateLimited is returned when the client-side token bucket cannot admit
// the request within the configured wait. Callers map it to a resource
// error (HTTP 503).
var ErrRateLimited = errors.New("llm rate limit exceeded")
