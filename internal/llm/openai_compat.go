package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAICompatProvider implements the Provider interface for OpenAI and
// OpenAI-compatible endpoints (Ollama, LM Studio).
type OpenAICompatProvider struct {
	client *openai.Client
	name   string
	model  string
	logger *slog.Logger
	config ProviderConfig
}

// NewOpenAICompatProvider creates a provider for an OpenAI-compatible API.
// For hosted OpenAI, leave BaseURL empty and supply an API key; for local
// endpoints, set BaseURL and any placeholder key.
func NewOpenAICompatProvider(name string, cfg ProviderConfig, logger *slog.Logger) (*OpenAICompatProvider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required for provider %q", name)
	}

	if logger == nil {
		logger = slog.Default()
	}

	apiKey := cfg.APIKey
	if apiKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("API key is required for provider %q", name)
	}
	if apiKey == "" {
		// Local endpoints ignore the key but the client requires one.
		apiKey = "not-needed"
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAICompatProvider{
		client: openai.NewClientWithConfig(clientCfg),
		name:   name,
		model:  cfg.Model,
		logger: logger.With("component", "openai_compat_provider", "provider", name),
		config: cfg,
	}, nil
}

// Complete sends a single-turn chat completion request.
func (p *OpenAICompatProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.config.MaxTokens
	}

	p.logger.Debug("sending request",
		"model", p.model,
		"prompt_len", len(req.Prompt),
	)

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: float32(req.Temperature),
		Stop:        req.StopSequences,
	})
	if err != nil {
		return nil, p.classify(err)
	}

	if len(resp.Choices) == 0 {
		return nil, NewError(KindTransient, p.name, fmt.Errorf("empty choices in response"))
	}

	choice := resp.Choices[0]
	return &CompletionResponse{
		Text:       choice.Message.Content,
		StopReason: convertFinishReason(choice.FinishReason),
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
		Model: resp.Model,
	}, nil
}

// Name returns the provider name.
func (p *OpenAICompatProvider) Name() string {
	return p.name
}

// Model returns the model name.
func (p *OpenAICompatProvider) Model() string {
	return p.model
}

// classify maps SDK errors onto the shared error taxonomy.
func (p *OpenAICompatProvider) classify(err error) *Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(p.name, apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(p.name, reqErr.HTTPStatusCode, err)
	}
	return classifyStatus(p.name, 0, err)
}

// convertFinishReason converts an OpenAI finish reason to our StopReason type.
func convertFinishReason(reason openai.FinishReason) StopReason {
	switch reason {
	case openai.FinishReasonLength:
		return StopReasonMaxTokens
	case openai.FinishReasonStop:
		return StopReasonEndTurn
	default:
		return StopReasonStop
	}
}
