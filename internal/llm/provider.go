// Package llm wraps the language-model providers used for machine
// translation and chapter summaries.
package llm

import (
	"context"
	"errors"
)

// Provider defines the interface for language-model providers.
type Provider interface {
	// Test sends a test message and returns the response.
	Test(ctx context.Context) (string, error)
	// Name returns the provider name.
	Name() string
	// Complete generates a response for the given system prompt and content.
	Complete(ctx context.Context, systemPrompt, content string) (string, error)
}

// Config holds the configuration for a provider.
type Config struct {
	Kind    string // openai, anthropic, compatible
	APIKey  string
	BaseURL string // optional for openai and anthropic, required for compatible
	Model   string
}

// Provider kind constants
const (
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderCompatible = "compatible"
)

var (
	ErrInvalidProvider = errors.New("invalid provider")
	ErrMissingAPIKey   = errors.New("API key is required")
	ErrMissingBaseURL  = errors.New("base URL is required for compatible provider")
	ErrMissingModel    = errors.New("model is required")
)

// NewProvider creates a provider from the config.
func NewProvider(cfg Config) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.Model == "" {
		return nil, ErrMissingModel
	}

	switch cfg.Kind {
	case ProviderOpenAI:
		return NewOpenAIProvider(cfg.APIKey, cfg.BaseURL, cfg.Model)
	case ProviderAnthropic:
		return NewAnthropicProvider(cfg.APIKey, cfg.BaseURL, cfg.Model)
	case ProviderCompatible:
		if cfg.BaseURL == "" {
			return nil, ErrMissingBaseURL
		}
		return NewCompatibleProvider(cfg.APIKey, cfg.BaseURL, cfg.Model)
	default:
		return nil, ErrInvalidProvider
	}
}
