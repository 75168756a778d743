package llm

import (
	"context"
	"time"
)

// GenerateRequest is a single-turn completion request.
type GenerateRequest struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
	// JSONMode asks the provider for a JSON object response when supported.
	JSONMode bool
}

// GenerateResponse is the provider's answer plus usage accounting.
type GenerateResponse struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Latency          time.Duration
}

// Provider is a text-generation backend. Implementations must be safe for
// concurrent use.
type Provider interface {
	Name() string
	Model() string
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
	// Ping performs a cheap liveness call used by the health prober.
	Ping(ctx context.Context) error
}

// Embedder turns texts into vectors. Output order matches input order.
type Embedder interface {
	Model() string
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
