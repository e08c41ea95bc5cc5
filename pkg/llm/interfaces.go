// Package llm provides chat-completion clients for report synthesis.
package llm

import "context"

// Request is a single-turn completion request.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Response is the model's text answer with usage stats.
type Response struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// LLMClient generates text. Implementations return *Error on failure.
// Use this interface for dependency injection to enable mocking in tests.
type LLMClient interface {
	Generate(ctx context.Context, req Request) (*Response, error)

	// GetModel returns the configured model name.
	GetModel() string

	// GetProvider returns "openai" or "anthropic".
	GetProvider() string
}

var (
	_ LLMClient = (*OpenAIClient)(nil)
	_ LLMClient = (*AnthropicClient)(nil)
)
