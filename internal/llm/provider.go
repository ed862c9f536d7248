// Package llm provides a unified interface for interacting with various LLM providers.
package llm

import (
	"context"
)

// Provider defines the interface that all LLM providers must implement.
type Provider interface {
	// Complete sends a single-turn completion request and returns the response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider name (e.g., "anthropic", "ollama", "lmstudio").
	Name() string

	// Model returns the model name being used.
	Model() string
}

// StopReason indicates why the model stopped generating.
type StopReason string

const (
	StopReasonEndTurn   StopReason = "end_turn"
	StopReasonMaxTokens StopReason = "max_tokens"
	StopReasonStop      StopReason = "stop"
)

// CompletionRequest represents a single-turn request to the LLM.
type CompletionRequest struct {
	// Prompt is the user prompt.
	Prompt string `json:"prompt"`

	// SystemPrompt is the system prompt, if any.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// MaxTokens is the maximum number of tokens to generate.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness in the response.
	Temperature float64 `json:"temperature,omitempty"`

	// StopSequences are sequences that will stop generation.
	StopSequences []string `json:"stop_sequences,omitempty"`
}

// CompletionResponse represents a response from the LLM.
type CompletionResponse struct {
	// Text is the generated text.
	Text string `json:"text"`

	// StopReason indicates why the model stopped generating.
	StopReason StopReason `json:"stop_reason"`

	// Usage contains token usage information.
	Usage Usage `json:"usage"`

	// Model is the model that generated the response.
	Model string `json:"model"`
}

// Usage contains token usage information.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// TotalTokens returns the total number of tokens used.
func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens
}

// ProviderConfig holds common configuration for LLM providers.
type ProviderConfig struct {
	// Provider is the provider name (anthropic, openai, ollama, lmstudio).
	Provider string `json:"provider"`

	// Model is the model to use.
	Model string `json:"model"`

	// APIKey is the API key for authentication.
	APIKey string `json:"api_key,omitempty"`

	// BaseURL is the base URL for the API (for Ollama/LM Studio).
	BaseURL string `json:"base_url,omitempty"`

	// MaxTokens is the default maximum tokens to generate.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature is the default temperature.
	Temperature float64 `json:"temperature,omitempty"`
}

// DefaultProviderConfig returns the default provider configuration.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Provider:  "anthropic",
		Model:     "claude-sonnet-4-20250514",
		MaxTokens: 4096,
	}
}
