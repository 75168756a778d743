package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// EmbedderConfig configures an OpenAI-compatible embedding client.
type EmbedderConfig struct {
	Endpoint  string
	Model     string
	APIKey    string
	BatchSize int
	Timeout   time.Duration
	// FailureThreshold consecutive failed batches open the circuit.
	FailureThreshold uint32
	// RetryAfter is how long the circuit stays open before a trial batch.
	RetryAfter time.Duration
}

// OpenAIEmbedder implements Embedder. Large inputs are split into batches
// that run on a shared worker pool; a circuit breaker makes a dead endpoint
// fail fast instead of stalling every retrieval.
type OpenAIEmbedder struct {
	client   *openai.Client
	model    string
	endpoint string
	batch    int
	timeout  time.Duration
	pool     *WorkerPool
	breaker  *gobreaker.CircuitBreaker[[][]float32]
	logger   *zap.Logger
}

// NewOpenAIEmbedder creates an embedder.
func NewOpenAIEmbedder(cfg EmbedderConfig, pool *WorkerPool, logger *zap.Logger) (*OpenAIEmbedder, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientConfig.BaseURL = strings.TrimSuffix(cfg.Endpoint, "/")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 30 * time.Second
	}

	logger = logger.Named("embedder")
	threshold := cfg.FailureThreshold
	breaker := gobreaker.NewCircuitBreaker[[][]float32](gobreaker.Settings{
		Name:    "embedder",
		Timeout: cfg.RetryAfter,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return !CountsAgainstHealth(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Embedding circuit changed state",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &OpenAIEmbedder{
		client:   openai.NewClientWithConfig(clientConfig),
		model:    cfg.Model,
		endpoint: clientConfig.BaseURL,
		batch:    cfg.BatchSize,
		timeout:  cfg.Timeout,
		pool:     pool,
		breaker:  breaker,
		logger:   logger,
	}, nil
}

// Model implements Embedder.
func (e *OpenAIEmbedder) Model() string { return e.model }

// Embed implements Embedder. The whole call fails if any batch fails.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var items []WorkItem[[][]float32]
	for start := 0; start < len(texts); start += e.batch {
		end := min(start+e.batch, len(texts))
		batch := texts[start:end]
		items = append(items, WorkItem[[][]float32]{
			ID: fmt.Sprintf("embed-%d-%d", start, end),
			Execute: func(ctx context.Context) ([][]float32, error) {
				return e.embedBatch(ctx, batch)
			},
		})
	}

	results := Process(ctx, e.pool, items, nil)
	out := make([][]float32, 0, len(texts))
	for _, r := range results {
		if r.Err != nil {
			return nil, r.Err
		}
		out = append(out, r.Result...)
	}
	return out, nil
}

func (e *OpenAIEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	vectors, err := e.breaker.Execute(func() ([][]float32, error) {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		resp, err := e.client.CreateEmbeddings(callCtx, openai.EmbeddingRequest{
			Model: openai.EmbeddingModel(e.model),
			Input: batch,
		})
		if err != nil {
			return nil, e.wrapError(err)
		}
		if len(resp.Data) != len(batch) {
			return nil, e.wrapError(NewError(ErrorTypeUnknown,
				fmt.Sprintf("expected %d embeddings, got %d", len(batch), len(resp.Data)), false, nil))
		}

		vectors := make([][]float32, len(batch))
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(batch) {
				return nil, e.wrapError(NewError(ErrorTypeUnknown, "embedding index out of range", false, nil))
			}
			vectors[d.Index] = d.Embedding
		}
		return vectors, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: embedder: %v", ErrProviderUnavailable, err)
	}
	return vectors, err
}

func (e *OpenAIEmbedder) wrapError(err error) error {
	llmErr := ClassifyError(err)
	llmErr.Provider = "embedder"
	llmErr.Model = e.model
	llmErr.Endpoint = e.endpoint
	return llmErr
}

var _ Embedder = (*OpenAIEmbedder)(nil)
