package llm

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

// HealthConfig tunes the per-provider circuit.
type HealthConfig struct {
	// FailureThreshold consecutive failures mark a provider unhealthy.
	FailureThreshold uint32
	// Window clears failure counts periodically while the circuit is closed.
	Window time.Duration
	// ProbeAfter is how long an unhealthy provider waits before a probe is admitted.
	ProbeAfter time.Duration
}

// DefaultHealthConfig returns the defaults used when config omits them.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureThreshold: 3,
		Window:           time.Minute,
		ProbeAfter:       30 * time.Second,
	}
}

// ErrProviderUnavailable is returned when a provider's circuit rejects a call.
var ErrProviderUnavailable = errors.New("provider unavailable")

// StateChangeFunc observes provider health transitions.
type StateChangeFunc func(provider string, from, to models.ProviderHealthState)

type providerHealth struct {
	breaker    *gobreaker.CircuitBreaker[struct{}]
	successes  atomic.Uint64
	failures   atomic.Uint64
	lastChange atomic.Int64 // unix nanos
}

// HealthRegistry tracks health for every configured provider. It is
// process-wide, safe for concurrent use, and reset on restart.
type HealthRegistry struct {
	mu        sync.RWMutex
	providers map[string]*providerHealth
	config    HealthConfig
	onChange  []StateChangeFunc
	logger    *zap.Logger
}

// NewHealthRegistry creates an empty registry.
func NewHealthRegistry(cfg HealthConfig, logger *zap.Logger) *HealthRegistry {
	def := DefaultHealthConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ProbeAfter <= 0 {
		cfg.ProbeAfter = def.ProbeAfter
	}
	return &HealthRegistry{
		providers: make(map[string]*providerHealth),
		config:    cfg,
		logger:    logger.Named("provider-health"),
	}
}

// OnStateChange registers a listener. Listeners must not block.
func (h *HealthRegistry) OnStateChange(fn StateChangeFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = append(h.onChange, fn)
}

// Register adds a provider, starting healthy. Registering twice is a no-op.
func (h *HealthRegistry) Register(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.providers[name]; ok {
		return
	}

	ph := &providerHealth{}
	ph.lastChange.Store(time.Now().UnixNano())
	threshold := h.config.FailureThreshold
	ph.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    h.config.Window,
		Timeout:     h.config.ProbeAfter,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Caller cancellation says nothing about the provider.
		IsSuccessful: func(err error) bool {
			return !CountsAgainstHealth(err)
		},
		OnStateChange: func(provider string, from, to gobreaker.State) {
			ph.lastChange.Store(time.Now().UnixNano())
			h.notify(provider, toHealthState(from), toHealthState(to))
		},
	})
	h.providers[name] = ph
}

func (h *HealthRegistry) notify(provider string, from, to models.ProviderHealthState) {
	h.logger.Info("Provider health changed",
		zap.String("provider", provider),
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	h.mu.RLock()
	listeners := append([]StateChangeFunc(nil), h.onChange...)
	h.mu.RUnlock()
	for _, fn := range listeners {
		fn(provider, from, to)
	}
}

func (h *HealthRegistry) get(name string) (*providerHealth, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ph, ok := h.providers[name]
	return ph, ok
}

// State returns the current health state. Unknown providers are unhealthy.
func (h *HealthRegistry) State(name string) models.ProviderHealthState {
	ph, ok := h.get(name)
	if !ok {
		return models.ProviderUnhealthy
	}
	return toHealthState(ph.breaker.State())
}

// IsAvailable reports whether the router may plan this provider. A probing
// provider is available; its circuit admits a single trial call.
func (h *HealthRegistry) IsAvailable(name string) bool {
	return h.State(name) != models.ProviderUnhealthy
}

// Execute runs fn through the provider's circuit and records the outcome.
// When the circuit rejects the call, fn is not run and the returned error
// wraps ErrProviderUnavailable.
func (h *HealthRegistry) Execute(name string, fn func() error) error {
	ph, ok := h.get(name)
	if !ok {
		return fmt.Errorf("%w: unknown provider %q", ErrProviderUnavailable, name)
	}

	_, err := ph.breaker.Execute(func() (struct{}, error) {
		callErr := fn()
		switch {
		case callErr == nil:
			ph.successes.Add(1)
		case CountsAgainstHealth(callErr):
			ph.failures.Add(1)
		}
		return struct{}{}, callErr
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, name, err)
	}
	return err
}

// Snapshot returns the health of every registered provider, sorted by name.
func (h *HealthRegistry) Snapshot() []models.ProviderHealth {
	h.mu.RLock()
	names := make([]string, 0, len(h.providers))
	for name := range h.providers {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)

	out := make([]models.ProviderHealth, 0, len(names))
	for _, name := range names {
		ph, ok := h.get(name)
		if !ok {
			continue
		}
		counts := ph.breaker.Counts()
		out = append(out, models.ProviderHealth{
			Provider:            name,
			State:               toHealthState(ph.breaker.State()),
			ConsecutiveFailures: counts.ConsecutiveFailures,
			TotalSuccesses:      ph.successes.Load(),
			TotalFailures:       ph.failures.Load(),
			LastChange:          time.Unix(0, ph.lastChange.Load()),
		})
	}
	return out
}

// Providers returns the registered provider names, sorted.
func (h *HealthRegistry) Providers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.providers))
	for name := range h.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func toHealthState(s gobreaker.State) models.ProviderHealthState {
	switch s {
	case gobreaker.StateOpen:
		return models.ProviderUnhealthy
	case gobreaker.StateHalfOpen:
		return models.ProviderProbing
	default:
		return models.ProviderHealthy
	}
}
