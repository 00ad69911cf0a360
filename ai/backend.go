// Package ai defines the completion backend capability consumed by chains,
// the error taxonomy backends report, and the HTTP plumbing shared by the
// provider clients in its subpackages.
package ai

import (
	"context"

	"github.com/teranos/loom/prompt"
)

// Backend turns rendered messages into a single completion.
// Implementations must be safe for concurrent use; chains share them.
// Failures are reported as *BackendError.
type Backend interface {
	Complete(ctx context.Context, messages []prompt.Message) (*Completion, error)
}

// Describer is implemented by backends that can name themselves,
// e.g. for cache namespaces and logs.
type Describer interface {
	Provider() string
	Model() string
}

// Completion is one backend reply
type Completion struct {
	Role         prompt.Role `json:"role"`
	Content      string      `json:"content"`
	Model        string      `json:"model,omitempty"`
	Provider     string      `json:"provider,omitempty"`
	FinishReason string      `json:"finish_reason,omitempty"`
	Usage        Usage       `json:"usage"`
	// Cached is set when the reply was served from a completion cache
	Cached bool `json:"cached,omitempty"`
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// BackendFunc adapts a function to Backend
type BackendFunc func(ctx context.Context, messages []prompt.Message) (*Completion, error)

// Complete calls f
func (f BackendFunc) Complete(ctx context.Context, messages []prompt.Message) (*Completion, error) {
	return f(ctx, messages)
}

// Unwrapper is implemented by backends that decorate another backend
type Unwrapper interface {
	Unwrap() Backend
}

// Describe returns "provider/model" for the first backend in the decorator
// chain implementing Describer, else fallback.
func Describe(b Backend, fallback string) string {
	for b != nil {
		if d, ok := b.(Describer); ok {
			return d.Provider() + "/" + d.Model()
		}
		u, ok := b.(Unwrapper)
		if !ok {
			break
		}
		b = u.Unwrap()
	}
	return fallback
}

type chainKey struct{}

// WithChainName tags ctx with the chain issuing backend calls, for usage tracking
func WithChainName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, chainKey{}, name)
}

// ChainNameFromContext returns the chain name set by WithChainName
func ChainNameFromContext(ctx context.Context) string {
	if name, ok := ctx.Value(chainKey{}).(string); ok {
		return name
	}
	return ""
}
