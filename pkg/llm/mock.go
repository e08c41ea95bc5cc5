package llm

import (
	"context"
	"sync"
)

// MockLLMClient is a configurable mock for testing LLM functionality.
// Set the function fields to control behavior in tests.
type MockLLMClient struct {
	// GenerateFunc is called when Generate is invoked.
	// If nil, returns an empty response and nil error.
	GenerateFunc func(ctx context.Context, req Request) (*Response, error)

	// Model is returned by GetModel. Defaults to "mock-model".
	Model string

	mu       sync.Mutex
	requests []Request
}

// NewMockLLMClient creates a new mock with sensible defaults.
func NewMockLLMClient() *MockLLMClient {
	return &MockLLMClient{Model: "mock-model"}
}

// Generate implements LLMClient.
func (m *MockLLMClient) Generate(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	return &Response{}, nil
}

// GetModel implements LLMClient.
func (m *MockLLMClient) GetModel() string {
	return m.Model
}

// GetProvider implements LLMClient.
func (m *MockLLMClient) GetProvider() string {
	return "mock"
}

// Requests returns a copy of every request received.
func (m *MockLLMClient) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// GenerateCalls returns how many times Generate was called.
func (m *MockLLMClient) GenerateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

var _ LLMClient = (*MockLLMClient)(nil)
