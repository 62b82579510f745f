// Package router maps logical model ids to concrete provider calls with
// ordered fallback.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	. "chatrelay/internal/logging"
	"chatrelay/internal/llm"
	"chatrelay/internal/types"
)

// ModelConfig describes one logical model exposed to users.
// Chain entries are "providerAlias/upstreamModel" refs; the first is the
// primary, the rest are fallbacks. Immutable after startup.
type ModelConfig struct {
	ID          string   `json:"id"`          // e.g. "nano", "mini", "flagship"
	DisplayName string   `json:"displayName"` // user-facing name
	BaseCost    int      `json:"baseCost"`    // minimum token debit per turn
	Chain       []string `json:"chain"`       // ordered provider/model refs
	Disabled    bool     `json:"disabled"`
}

// Result carries the outcome of a routed call.
type Result struct {
	Text         string
	ModelRef     string // provider/model ref that served the call
	FailedOver   bool   // true when not served by the primary
	InputTokens  int
	OutputTokens int
}

// ErrExhausted is returned when every adapter in a model's chain failed.
type ErrExhausted struct {
	Model   string
	LastErr error
}

func (e *ErrExhausted) Error() string {
	return fmt.Sprintf("all providers failed for model %s (last: %v)", e.Model, e.LastErr)
}

func (e *ErrExhausted) Unwrap() error { return e.LastErr }

// ErrUnknownModel is returned for a logical model id with no configuration.
type ErrUnknownModel struct {
	Model string
}

func (e *ErrUnknownModel) Error() string {
	return "unknown model: " + e.Model
}

// Router resolves logical models to provider instances and walks the
// fallback chain on failure.
type Router struct {
	providers map[string]llm.Provider // alias -> instance
	models    map[string]ModelConfig

	cooldowns  map[string]*providerCooldown // alias -> cooldown state
	cooldownMu sync.RWMutex
}

// New creates a router from configured providers and logical models.
// Models whose chains reference no usable provider are marked disabled so the
// mapping reflects which credentials are actually present.
func New(providers map[string]llm.Provider, models []ModelConfig) (*Router, error) {
	r := &Router{
		providers: providers,
		models:    make(map[string]ModelConfig, len(models)),
		cooldowns: make(map[string]*providerCooldown),
	}

	for _, m := range models {
		if m.ID == "" || len(m.Chain) == 0 {
			return nil, fmt.Errorf("model %q: id and chain are required", m.ID)
		}
		if !m.Disabled && !r.chainUsable(m.Chain) {
			L_warn("router: model disabled, no usable provider in chain", "model", m.ID)
			m.Disabled = true
		}
		r.models[m.ID] = m
	}

	L_info("router: created", "providers", len(providers), "models", len(r.models))
	return r, nil
}

// chainUsable reports whether at least one ref in the chain resolves to an
// available provider.
func (r *Router) chainUsable(chain []string) bool {
	for _, ref := range chain {
		if _, _, err := r.resolve(ref); err == nil {
			return true
		}
	}
	return false
}

// Model returns the configuration for a logical model id.
func (r *Router) Model(id string) (ModelConfig, bool) {
	m, ok := r.models[id]
	return m, ok
}

// Models returns all configured logical models, sorted by id.
func (r *Router) Models() []ModelConfig {
	out := make([]ModelConfig, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// resolve parses a "provider/model" ref and returns the bound provider.
func (r *Router) resolve(ref string) (llm.Provider, string, error) {
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) != 2 {
		return nil, "", fmt.Errorf("invalid model reference: %s (expected provider/model)", ref)
	}

	alias := parts[0]
	instance, ok := r.providers[alias]
	if !ok {
		return nil, "", fmt.Errorf("unknown provider: %s", alias)
	}
	if !instance.IsAvailable() {
		return nil, "", fmt.Errorf("provider %s is not available", alias)
	}

	return instance.WithModel(parts[1]), alias, nil
}

// Stream walks the model's chain calling each adapter's Stream until one
// succeeds. onDelta receives text fragments from whichever adapter serves the
// call; a failing adapter never reaches onDelta because stream creation
// errors surface before any delta.
func (r *Router) Stream(ctx context.Context, modelID string, messages []types.Message, systemPrompt string, onDelta func(delta string)) (*Result, error) {
	return r.walk(ctx, modelID, func(ctx context.Context, p llm.Provider) (*llm.Response, error) {
		return p.Stream(ctx, messages, systemPrompt, onDelta)
	})
}

// Complete walks the model's chain using single-shot completion. Used for
// summarization and judgment calls.
func (r *Router) Complete(ctx context.Context, modelID string, messages []types.Message, systemPrompt string) (*Result, error) {
	return r.walk(ctx, modelID, func(ctx context.Context, p llm.Provider) (*llm.Response, error) {
		text, err := p.Complete(ctx, messages, systemPrompt)
		if err != nil {
			return nil, err
		}
		return &llm.Response{Text: text}, nil
	})
}

// walk implements the shared fallback algorithm for Stream and Complete.
func (r *Router) walk(ctx context.Context, modelID string, call func(context.Context, llm.Provider) (*llm.Response, error)) (*Result, error) {
	cfg, ok := r.models[modelID]
	if !ok || cfg.Disabled {
		return nil, &ErrUnknownModel{Model: modelID}
	}

	var lastErr error
	primary := cfg.Chain[0]

	for _, ref := range cfg.Chain {
		provider, alias, err := r.resolve(ref)
		if err != nil {
			L_debug("router: ref unavailable", "model", modelID, "ref", ref, "error", err)
			continue
		}

		// Skip cooled-down providers without a network call
		if r.inCooldown(alias) {
			L_debug("router: provider in cooldown, skipping", "model", modelID, "ref", ref)
			continue
		}

		resp, err := call(ctx, provider)
		if err == nil {
			r.clearCooldown(alias)
			result := &Result{
				Text:         resp.Text,
				ModelRef:     ref,
				FailedOver:   ref != primary,
				InputTokens:  resp.InputTokens,
				OutputTokens: resp.OutputTokens,
			}
			if result.FailedOver {
				L_info("router: using fallback", "model", modelID, "ref", ref, "primary", primary)
			}
			return result, nil
		}

		// Respect caller cancellation: a closed client connection must not
		// burn through the rest of the chain.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		errType := llm.ClassifyError(err.Error())
		if !llm.IsFailoverError(errType) {
			L_warn("router: non-failover error, stopping",
				"model", modelID, "ref", ref, "errType", errType, "error", err)
			return nil, err
		}

		r.markCooldown(alias, errType)
		L_warn("router: trying next provider",
			"model", modelID, "failed", ref, "reason", errType, "error", err)
		lastErr = err
	}

	return nil, &ErrExhausted{Model: modelID, LastErr: lastErr}
}
