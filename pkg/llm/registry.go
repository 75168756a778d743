package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ekaya-inc/ekaya-nlq/pkg/config"
)

// NewProviderFromConfig builds the adapter for one configured provider.
func NewProviderFromConfig(cfg config.ProviderConfig, logger *zap.Logger) (Provider, error) {
	clientCfg := &Config{
		Name:     cfg.Name,
		Endpoint: config.ResolveURLForDocker(cfg.BaseURL),
		Model:    cfg.Model,
		APIKey:   cfg.APIKey(),
	}

	switch cfg.Kind {
	case "openai":
		return NewClient(clientCfg, logger)
	case "anthropic":
		return NewAnthropicClient(clientCfg, cfg.MaxTokens, logger)
	default:
		return nil, fmt.Errorf("provider %q: unsupported kind %q", cfg.Name, cfg.Kind)
	}
}

// ProviderRegistry holds the configured providers with their rate limiters
// and routes every call through the shared health registry.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	limiters  map[string]*rate.Limiter
	health    *HealthRegistry
	logger    *zap.Logger
}

// NewProviderRegistry creates an empty registry backed by health.
func NewProviderRegistry(health *HealthRegistry, logger *zap.Logger) *ProviderRegistry {
	return &ProviderRegistry{
		providers: make(map[string]Provider),
		limiters:  make(map[string]*rate.Limiter),
		health:    health,
		logger:    logger.Named("providers"),
	}
}

// Register adds a provider. requestsPerSecond <= 0 disables rate limiting.
func (r *ProviderRegistry) Register(p Provider, requestsPerSecond float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers[p.Name()] = p
	if requestsPerSecond > 0 {
		burst := max(1, int(requestsPerSecond))
		r.limiters[p.Name()] = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
	r.health.Register(p.Name())
}

// Get returns a provider by name.
func (r *ProviderRegistry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns registered provider names, sorted.
func (r *ProviderRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Health returns the shared health registry.
func (r *ProviderRegistry) Health() *HealthRegistry {
	return r.health
}

// Generate waits for the provider's rate limiter, then calls it through its
// circuit so the outcome feeds provider health.
func (r *ProviderRegistry) Generate(ctx context.Context, name string, req *GenerateRequest) (*GenerateResponse, error) {
	r.mu.RLock()
	p, ok := r.providers[name]
	limiter := r.limiters[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", ErrProviderUnavailable, name)
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}
	}

	var resp *GenerateResponse
	err := r.health.Execute(name, func() error {
		var callErr error
		resp, callErr = p.Generate(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Ping checks a provider through its circuit.
func (r *ProviderRegistry) Ping(ctx context.Context, name string) error {
	p, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%w: unknown provider %q", ErrProviderUnavailable, name)
	}
	return r.health.Execute(name, func() error {
		return p.Ping(ctx)
	})
}
