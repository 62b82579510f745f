// Package llm provides unified LLM provider interfaces and implementations.
package llm

import (
	"context"

	"chatrelay/internal/types"
)

// Provider is the unified interface for all upstream LLM backends.
// Implementations: OpenAIProvider, AnthropicProvider
type Provider interface {
	// Identity
	Name() string  // Provider instance name (e.g., "openai", "bulk-local")
	Type() string  // Provider type (e.g., "openai", "anthropic")
	Model() string // Current upstream model name

	// Cloning with overrides
	WithModel(model string) Provider // Clone with different upstream model

	// Availability
	IsAvailable() bool // Ready to accept requests (credentials present)

	// Complete sends the messages and returns the full response text in one
	// shot. Used for summarization and single-shot judgment calls.
	Complete(ctx context.Context, messages []types.Message, systemPrompt string) (string, error)

	// Stream sends the messages and calls onDelta for each text fragment as
	// it arrives. Providers configured completionOnly perform a single
	// blocking Complete and emit exactly one delta with the full text; that
	// is a one-shot wrap, not true incremental streaming.
	Stream(ctx context.Context, messages []types.Message, systemPrompt string, onDelta func(delta string)) (*Response, error)
}

// Response carries the final result of a Stream or Complete call.
type Response struct {
	Text         string
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// ProviderConfig is the configuration for a single provider instance
type ProviderConfig struct {
	Type           string `json:"type"`           // "openai", "anthropic"
	APIKey         string `json:"apiKey"`         // Cloud credential; empty disables the provider
	BaseURL        string `json:"baseURL"`        // For OpenAI-compatible endpoints (xAI, local servers)
	MaxTokens      int    `json:"maxTokens"`      // Output limit override
	TimeoutSeconds int    `json:"timeoutSeconds"` // Per-call deadline (0 = defaults)
	CompletionOnly bool   `json:"completionOnly"` // Upstream cannot stream; wrap Complete as one delta
}

// Per-call deadlines when TimeoutSeconds is not configured.
const (
	DefaultStreamTimeout   = 30 // seconds
	DefaultCompleteTimeout = 15 // seconds
)

// New creates a provider instance from config. The alias is the key used in
// model chain references ("alias/model").
func New(alias string, cfg ProviderConfig) (Provider, error) {
	switch cfg.Type {
	case "openai":
		return NewOpenAIProvider(alias, cfg)
	case "anthropic":
		return NewAnthropicProvider(alias, cfg)
	default:
		return nil, &ErrUnknownType{Type: cfg.Type}
	}
}

// ErrUnknownType is returned for an unrecognized provider type in config.
type ErrUnknownType struct {
	Type string
}

func (e *ErrUnknownType) Error() string {
	return "unknown provider type: " + e.Type
}
