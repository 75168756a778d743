package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockProvider is a configurable Provider for tests. Set GenerateFunc to
// control behaviour, or queue canned results with Enqueue.
type MockProvider struct {
	ProviderName string
	ModelName    string

	// GenerateFunc is called when Generate is invoked and the queue is empty.
	// If nil, an empty response is returned.
	GenerateFunc func(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)

	// PingFunc is called when Ping is invoked. If nil, Ping succeeds.
	PingFunc func(ctx context.Context) error

	mu        sync.Mutex
	queue     []mockResult
	requests  []*GenerateRequest
	pingCalls int
}

type mockResult struct {
	resp *GenerateResponse
	err  error
}

// NewMockProvider creates a mock with the given name.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{ProviderName: name, ModelName: "mock-model"}
}

// Enqueue adds a canned result returned by the next Generate call.
func (m *MockProvider) Enqueue(content string, err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	var resp *GenerateResponse
	if err == nil {
		resp = &GenerateResponse{
			Content:          content,
			Model:            m.Model(),
			PromptTokens:     100,
			CompletionTokens: 20,
			TotalTokens:      120,
		}
	}
	m.queue = append(m.queue, mockResult{resp: resp, err: err})
	return m
}

// Name implements Provider.
func (m *MockProvider) Name() string {
	if m.ProviderName == "" {
		return "mock"
	}
	return m.ProviderName
}

// Model implements Provider.
func (m *MockProvider) Model() string {
	if m.ModelName == "" {
		return "mock-model"
	}
	return m.ModelName
}

// Generate implements Provider.
func (m *MockProvider) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	if len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		return next.resp, next.err
	}
	fn := m.GenerateFunc
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(ctx, req)
	}
	return &GenerateResponse{Model: m.Model()}, nil
}

// Ping implements Provider.
func (m *MockProvider) Ping(ctx context.Context) error {
	m.mu.Lock()
	m.pingCalls++
	fn := m.PingFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

// Requests returns every request Generate received.
func (m *MockProvider) Requests() []*GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*GenerateRequest(nil), m.requests...)
}

// GenerateCalls returns how many times Generate was called.
func (m *MockProvider) GenerateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// PingCalls returns how many times Ping was called.
func (m *MockProvider) PingCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingCalls
}

// MockEmbedder returns deterministic vectors derived from the input text.
type MockEmbedder struct {
	ModelName  string
	Dimensions int
	// Err, when set, is returned by every Embed call.
	Err error

	mu    sync.Mutex
	calls int
	texts int
}

// NewMockEmbedder creates a mock embedder producing vectors of the given size.
func NewMockEmbedder(dimensions int) *MockEmbedder {
	return &MockEmbedder{ModelName: "mock-embedding", Dimensions: dimensions}
}

// Model implements Embedder.
func (m *MockEmbedder) Model() string { return m.ModelName }

// Embed implements Embedder. Each vector is a bag-of-characters histogram so
// texts that share characters end up close under cosine similarity.
func (m *MockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.calls++
	m.texts += len(texts)
	err := m.Err
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if m.Dimensions <= 0 {
		return nil, fmt.Errorf("mock embedder: dimensions must be positive")
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, m.Dimensions)
		for _, r := range text {
			vec[int(r)%m.Dimensions]++
		}
		out[i] = vec
	}
	return out, nil
}

// Calls returns the number of Embed calls and total texts embedded.
func (m *MockEmbedder) Calls() (calls, texts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls, m.texts
}

var (
	_ Provider = (*MockProvider)(nil)
	_ Embedder = (*MockEmbedder)(nil)
)
