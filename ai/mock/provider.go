package mock

import "github.com/poiesic/passim/ai"

// MockProvider is a test double for ai.Provider.
type MockProvider struct {
	embedder *MockEmbedder
	model    string
}

var _ ai.Provider = (*MockProvider)(nil)

// NewMockProvider creates a new mock provider with a default mock embedder
// reporting the model name "mock-embedder".
//
// Returns ai.Provider interface for consistency with production constructors.
// Use GetMockEmbedder() to access the concrete embedder for test assertions.
func NewMockProvider() ai.Provider {
	return NewMockProviderWithEmbedder(NewMockEmbedder(), "mock-embedder")
}

// NewMockProviderWithEmbedder creates a mock provider around a custom embedder and model name.
func NewMockProviderWithEmbedder(embedder *MockEmbedder, model string) ai.Provider {
	return &MockProvider{
		embedder: embedder,
		model:    model,
	}
}

// Embedder returns the mock embedder.
func (p *MockProvider) Embedder() ai.Embedder {
	return p.embedder
}

// Model returns the configured model name.
func (p *MockProvider) Model() string {
	return p.model
}

// Close is a no-op for mock provider.
func (p *MockProvider) Close() error {
	return nil
}

// GetMockEmbedder returns the underlying mock embedder for test assertions.
func (p *MockProvider) GetMockEmbedder() *MockEmbedder {
	return p.embedder
}
