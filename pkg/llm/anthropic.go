package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/liushuangls/go-anthropic/v2"
	"go.uber.org/zap"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicClient talks to the Anthropic Messages API.
type AnthropicClient struct {
	client   *anthropic.Client
	endpoint string
	model    string
	logger   *zap.Logger
}

// NewAnthropicClient creates an Anthropic client. An API key is required.
func NewAnthropicClient(cfg *Config, logger *zap.Logger) (*AnthropicClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required for anthropic")
	}

	var opts []anthropic.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, anthropic.WithBaseURL(strings.TrimSuffix(cfg.Endpoint, "/")))
	}

	return &AnthropicClient{
		client:   anthropic.NewClient(cfg.APIKey, opts...),
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		logger:   logger.Named("llm"),
	}, nil
}

// Generate sends one user message with a system prompt and concatenates the
// text blocks of the answer.
func (c *AnthropicClient) Generate(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	temperature := float32(req.Temperature)

	c.logger.Debug("LLM request",
		zap.String("model", c.model),
		zap.Int("prompt_len", len(req.Prompt)),
		zap.Float64("temperature", req.Temperature))

	start := time.Now()

	resp, err := c.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:       anthropic.Model(c.model),
		System:      req.System,
		MaxTokens:   maxTokens,
		Temperature: &temperature,
		Messages: []anthropic.Message{
			{Role: anthropic.RoleUser, Content: []anthropic.MessageContent{
				{Type: "text", Text: &req.Prompt},
			}},
		},
	})
	if err != nil {
		c.logger.Error("LLM request failed",
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, c.classify(err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != nil {
			b.WriteString(*block.Text)
		}
	}
	if b.Len() == 0 {
		return nil, NewErrorWithContext(ErrorTypeResponse, "no text in response", false, nil, c.model, c.endpoint, 0)
	}

	c.logger.Info("LLM request completed",
		zap.Int("prompt_tokens", resp.Usage.InputTokens),
		zap.Int("completion_tokens", resp.Usage.OutputTokens),
		zap.Duration("elapsed", time.Since(start)))

	return &Response{
		Content:          b.String(),
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
	}, nil
}

// GetModel returns the configured model name.
func (c *AnthropicClient) GetModel() string {
	return c.model
}

// GetProvider implements LLMClient.
func (c *AnthropicClient) GetProvider() string {
	return ProviderAnthropic
}

// classify maps Anthropic error types, which appear in the error text as
// e.g. "rate_limit_error", onto the shared classification.
func (c *AnthropicClient) classify(err error) error {
	llmErr := ClassifyError(err)
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "authentication_error") || strings.Contains(lower, "permission_error"):
		llmErr.Type, llmErr.Retryable = ErrorTypeAuth, false
	case strings.Contains(lower, "rate_limit_error") || strings.Contains(lower, "overloaded_error"):
		llmErr.Type, llmErr.Retryable = ErrorTypeRateLimit, true
	case strings.Contains(lower, "not_found_error"):
		llmErr.Type, llmErr.Retryable = ErrorTypeModel, false
	}
	llmErr.Model = c.model
	llmErr.Endpoint = c.endpoint
	return llmErr
}
