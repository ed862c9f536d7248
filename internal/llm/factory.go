package llm

import (
	"fmt"
	"log/slog"

	"github.com/veridata/fact-extract/internal/config"
)

// NewProvider creates an LLM provider based on the configuration.
func NewProvider(cfg *config.LLMConfig, logger *slog.Logger) (Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Provider {
	case "anthropic":
		return NewAnthropicProvider(ProviderConfig{
			Provider:    "anthropic",
			Model:       cfg.Model,
			APIKey:      cfg.AnthropicKey,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		}, logger)

	case "openai":
		return NewOpenAICompatProvider("openai", ProviderConfig{
			Provider:    "openai",
			Model:       cfg.Model,
			APIKey:      cfg.OpenAIKey,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		}, logger)

	case "ollama":
		return NewOpenAICompatProvider("ollama", ProviderConfig{
			Provider:    "ollama",
			Model:       cfg.Model,
			BaseURL:     cfg.OllamaBaseURL,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		}, logger)

	case "lmstudio":
		return NewOpenAICompatProvider("lmstudio", ProviderConfig{
			Provider:    "lmstudio",
			Model:       cfg.Model,
			BaseURL:     cfg.LMStudioBaseURL,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		}, logger)

	default:
		return nil, fmt.Errorf("unknown LLM provider: %q", cfg.Provider)
	}
}
