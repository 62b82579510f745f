package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	. "chatrelay/internal/logging"
	"chatrelay/internal/types"
)

// AnthropicProvider implements the Provider interface for Anthropic's Claude
// API. Also works with Anthropic-compatible APIs via BaseURL.
type AnthropicProvider struct {
	name      string
	client    *anthropic.Client
	model     string
	maxTokens int
	timeout   time.Duration
	apiKey    string // Stored for cloning
	baseURL   string
}

// NewAnthropicProvider creates a new Anthropic provider from ProviderConfig.
func NewAnthropicProvider(name string, cfg ProviderConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key not configured")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	L_debug("anthropic: provider initialized", "name", name, "baseURL", cfg.BaseURL, "maxTokens", maxTokens)

	return &AnthropicProvider{
		name:      name,
		client:    &client,
		maxTokens: maxTokens,
		timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
		apiKey:    cfg.APIKey,
		baseURL:   cfg.BaseURL,
	}, nil
}

// Name returns the provider instance name
func (p *AnthropicProvider) Name() string { return p.name }

// Type returns the provider type
func (p *AnthropicProvider) Type() string { return "anthropic" }

// Model returns the current upstream model name
func (p *AnthropicProvider) Model() string { return p.model }

// IsAvailable returns true if the provider is configured and ready
func (p *AnthropicProvider) IsAvailable() bool {
	return p != nil && p.client != nil
}

// WithModel returns a clone of the provider bound to a specific model
func (p *AnthropicProvider) WithModel(model string) Provider {
	clone := *p
	clone.model = model
	return &clone
}

func (p *AnthropicProvider) deadline(ctx context.Context, fallbackSeconds int) (context.Context, context.CancelFunc) {
	timeout := p.timeout
	if timeout == 0 {
		timeout = time.Duration(fallbackSeconds) * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// Complete sends the messages and returns the full response text.
// Implemented over Stream; Anthropic's API is stream-first.
func (p *AnthropicProvider) Complete(ctx context.Context, messages []types.Message, systemPrompt string) (string, error) {
	ctx, cancel := p.deadline(ctx, DefaultCompleteTimeout)
	defer cancel()

	resp, err := p.stream(ctx, messages, systemPrompt, nil)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Stream sends the messages and calls onDelta for each text fragment
func (p *AnthropicProvider) Stream(ctx context.Context, messages []types.Message, systemPrompt string, onDelta func(delta string)) (*Response, error) {
	ctx, cancel := p.deadline(ctx, DefaultStreamTimeout)
	defer cancel()

	return p.stream(ctx, messages, systemPrompt, onDelta)
}

func (p *AnthropicProvider) stream(ctx context.Context, messages []types.Message, systemPrompt string, onDelta func(delta string)) (*Response, error) {
	startTime := time.Now()
	L_debug("anthropic: stream request", "provider", p.name, "model", p.model, "messages", len(messages))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(p.maxTokens),
		Messages:  toAnthropicMessages(messages),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	response := &Response{}
	message := anthropic.Message{}

	for stream.Next() {
		event := stream.Current()

		if err := message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("accumulate error: %w", err)
		}

		switch eventVariant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch deltaVariant := eventVariant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				response.Text += deltaVariant.Text
				if onDelta != nil {
					onDelta(deltaVariant.Text)
				}
			}
		}
	}

	if err := stream.Err(); err != nil {
		L_error("anthropic: stream error", "provider", p.name, "model", p.model, "error", err)
		return nil, fmt.Errorf("stream error: %w", err)
	}

	response.StopReason = string(message.StopReason)
	response.InputTokens = int(message.Usage.InputTokens)
	response.OutputTokens = int(message.Usage.OutputTokens)

	L_debug("anthropic: stream complete",
		"provider", p.name,
		"duration", time.Since(startTime).Round(time.Millisecond),
		"stopReason", response.StopReason,
		"inputTokens", response.InputTokens,
		"outputTokens", response.OutputTokens)

	return response, nil
}

// toAnthropicMessages converts provider-agnostic messages. Anthropic takes
// the system prompt as a request param, so system-role messages are folded
// into user turns by the caller before reaching here.
func toAnthropicMessages(messages []types.Message) []anthropic.MessageParam {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case types.RoleAssistant:
			result = append(result, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return result
}
