package llm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-reports/pkg/config"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// NewClient creates the client for the configured provider.
func NewClient(cfg *Config, logger *zap.Logger) (LLMClient, error) {
	switch cfg.Provider {
	case ProviderOpenAI, "":
		return NewOpenAIClient(cfg, logger)
	case ProviderAnthropic:
		return NewAnthropicClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// NewClientFromConfig builds a client from application configuration.
func NewClientFromConfig(cfg config.LLMConfig, logger *zap.Logger) (LLMClient, error) {
	return NewClient(&Config{
		Provider: cfg.Provider,
		Endpoint: cfg.BaseURL,
		Model:    cfg.Model,
		APIKey:   cfg.APIKey,
	}, logger)
}
