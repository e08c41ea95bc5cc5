package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-reports/pkg/config"
)

func TestNewClient_SelectsProvider(t *testing.T) {
	logger := zap.NewNop()

	c, err := NewClient(&Config{Provider: ProviderOpenAI, Model: "gpt-4o-mini", Endpoint: "http://localhost:11434/v1/"}, logger)
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, c.GetProvider())
	assert.Equal(t, "gpt-4o-mini", c.GetModel())

	c, err = NewClient(&Config{Provider: ProviderAnthropic, Model: "claude-sonnet-4-5", APIKey: "k"}, logger)
	require.NoError(t, err)
	assert.Equal(t, ProviderAnthropic, c.GetProvider())
}

func TestNewClient_Errors(t *testing.T) {
	logger := zap.NewNop()

	_, err := NewClient(&Config{Provider: "mystery", Model: "m"}, logger)
	assert.Error(t, err)

	_, err = NewClient(&Config{Provider: ProviderOpenAI}, logger)
	assert.Error(t, err, "model is required")

	_, err = NewClient(&Config{Provider: ProviderAnthropic, Model: "m"}, logger)
	assert.Error(t, err, "anthropic needs an api key")
}

func TestNewClientFromConfig(t *testing.T) {
	c, err := NewClientFromConfig(config.LLMConfig{Provider: "openai", Model: "local-model", BaseURL: "http://llm:8000/v1"}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "local-model", c.GetModel())
}
