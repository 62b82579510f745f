package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	. "chatrelay/internal/logging"
	"chatrelay/internal/types"
)

// OpenAIProvider implements the Provider interface for OpenAI-compatible APIs.
// Works with OpenAI, xAI, OpenRouter, LM Studio and other compatible endpoints
// via BaseURL.
type OpenAIProvider struct {
	name           string
	client         *openai.Client
	model          string
	maxTokens      int
	timeout        time.Duration
	completionOnly bool

	apiKey  string // Stored for cloning
	baseURL string

	available bool // Fixed at construction
}

// NewOpenAIProvider creates a new OpenAI-compatible provider from ProviderConfig.
// API key is optional for local servers.
func NewOpenAIProvider(name string, cfg ProviderConfig) (*OpenAIProvider, error) {
	baseURL := cfg.BaseURL

	apiKey := cfg.APIKey
	available := apiKey != "" || baseURL != ""
	if apiKey == "" {
		apiKey = "not-needed" // Placeholder for local servers that don't require auth
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		// OpenAI-compatible APIs expect the /v1 suffix
		if !strings.HasSuffix(baseURL, "/v1") && !strings.HasSuffix(baseURL, "/v1/") {
			baseURL = strings.TrimSuffix(baseURL, "/") + "/v1"
		}
		config.BaseURL = baseURL
	}

	client := openai.NewClientWithConfig(config)

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	L_debug("openai: provider initialized",
		"name", name,
		"baseURL", baseURL,
		"available", available,
		"completionOnly", cfg.CompletionOnly)

	return &OpenAIProvider{
		name:           name,
		client:         client,
		maxTokens:      maxTokens,
		timeout:        timeout,
		completionOnly: cfg.CompletionOnly,
		apiKey:         cfg.APIKey,
		baseURL:        baseURL,
		available:      available,
	}, nil
}

// Name returns the provider instance name
func (p *OpenAIProvider) Name() string { return p.name }

// Type returns the provider type
func (p *OpenAIProvider) Type() string { return "openai" }

// Model returns the current upstream model name
func (p *OpenAIProvider) Model() string { return p.model }

// IsAvailable reports whether the provider can accept requests
func (p *OpenAIProvider) IsAvailable() bool {
	return p.available
}

// WithModel returns a clone of the provider bound to a different upstream model
func (p *OpenAIProvider) WithModel(model string) Provider {
	clone := *p
	clone.model = model
	return &clone
}

// deadline applies the configured per-call timeout to ctx
func (p *OpenAIProvider) deadline(ctx context.Context, fallbackSeconds int) (context.Context, context.CancelFunc) {
	timeout := p.timeout
	if timeout == 0 {
		timeout = time.Duration(fallbackSeconds) * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// Complete sends the messages and returns the full response text
func (p *OpenAIProvider) Complete(ctx context.Context, messages []types.Message, systemPrompt string) (string, error) {
	ctx, cancel := p.deadline(ctx, DefaultCompleteTimeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		Messages:  toOpenAIMessages(messages, systemPrompt),
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		L_error("openai: completion failed", "provider", p.name, "model", p.model, "error", err)
		return "", fmt.Errorf("completion error: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completion error: empty response from %s", p.name)
	}

	return resp.Choices[0].Message.Content, nil
}

// Stream sends the messages and calls onDelta for each text fragment.
// For completionOnly providers this performs one blocking Complete and emits
// a single delta with the full text.
func (p *OpenAIProvider) Stream(ctx context.Context, messages []types.Message, systemPrompt string, onDelta func(delta string)) (*Response, error) {
	if p.completionOnly {
		return p.oneShot(ctx, messages, systemPrompt, onDelta)
	}

	ctx, cancel := p.deadline(ctx, DefaultStreamTimeout)
	defer cancel()

	startTime := time.Now()
	L_debug("openai: stream request", "provider", p.name, "model", p.model, "messages", len(messages))

	req := openai.ChatCompletionRequest{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		Messages:  toOpenAIMessages(messages, systemPrompt),
		Stream:    true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true, // Get token counts in stream
		},
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		logOpenAIError("stream creation failed", p.name, p.model, err)
		return nil, fmt.Errorf("stream error: %w", err)
	}
	defer stream.Close()

	response := &Response{}

	for {
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				L_debug("openai: stream complete",
					"provider", p.name,
					"duration", time.Since(startTime).Round(time.Millisecond),
					"textLen", len(response.Text))
				break
			}
			logOpenAIError("stream recv failed", p.name, p.model, err)
			return nil, fmt.Errorf("stream error: %w", err)
		}

		if chunk.Usage != nil {
			response.InputTokens = chunk.Usage.PromptTokens
			response.OutputTokens = chunk.Usage.CompletionTokens
		}

		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			response.StopReason = string(choice.FinishReason)
		}
		if choice.Delta.Content != "" {
			response.Text += choice.Delta.Content
			if onDelta != nil {
				onDelta(choice.Delta.Content)
			}
		}
	}

	return response, nil
}

// oneShot wraps Complete as a single-delta stream for upstreams that cannot
// stream.
func (p *OpenAIProvider) oneShot(ctx context.Context, messages []types.Message, systemPrompt string, onDelta func(delta string)) (*Response, error) {
	text, err := p.Complete(ctx, messages, systemPrompt)
	if err != nil {
		return nil, err
	}
	if onDelta != nil && text != "" {
		onDelta(text)
	}
	return &Response{Text: text, StopReason: "stop"}, nil
}

// toOpenAIMessages converts provider-agnostic messages, prepending the system
// prompt when present.
func toOpenAIMessages(messages []types.Message, systemPrompt string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	for _, msg := range messages {
		result = append(result, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}
	return result
}

// logOpenAIError extracts structured detail from go-openai error types
func logOpenAIError(msg, provider, model string, err error) {
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	if errors.As(err, &apiErr) {
		L_error("openai: "+msg,
			"provider", provider,
			"model", model,
			"statusCode", apiErr.HTTPStatusCode,
			"code", apiErr.Code,
			"message", apiErr.Message,
			"type", apiErr.Type)
	} else if errors.As(err, &reqErr) {
		L_error("openai: "+msg,
			"provider", provider,
			"model", model,
			"statusCode", reqErr.HTTPStatusCode,
			"error", reqErr.Error())
	} else {
		L_error("openai: "+msg, "provider", provider, "model", model, "error", err)
	}
}
