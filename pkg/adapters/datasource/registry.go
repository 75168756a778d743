package datasource

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-nlq/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-nlq/pkg/config"
)

// AdapterInfo describes a registered adapter type.
type AdapterInfo struct {
	Type        string `json:"type"`         // "postgres"
	DisplayName string `json:"display_name"` // "PostgreSQL"
	Description string `json:"description"`
}

// AdapterFactory builds a target adapter for one configured data source.
type AdapterFactory func(ctx context.Context, cfg *config.DataSourceConfig, connMgr *ConnectionManager) (TargetAdapter, error)

// AdapterRegistration pairs adapter info with its factory.
type AdapterRegistration struct {
	Info    AdapterInfo
	Factory AdapterFactory
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]AdapterRegistration)
)

// Register is called by each adapter's init() function.
func Register(reg AdapterRegistration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[reg.Info.Type] = reg
}

// RegisteredAdapters returns info for all registered adapter types, sorted by type.
func RegisteredAdapters() []AdapterInfo {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]AdapterInfo, 0, len(registry))
	for _, reg := range registry {
		result = append(result, reg.Info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Type < result[j].Type })
	return result
}

// GetFactory returns the factory for an adapter type, or nil.
func GetFactory(dsType string) AdapterFactory {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if reg, ok := registry[dsType]; ok {
		return reg.Factory
	}
	return nil
}

// IsRegistered checks if an adapter type is available.
func IsRegistered(dsType string) bool {
	return GetFactory(dsType) != nil
}

// TargetRegistry resolves data source IDs to live target adapters.
type TargetRegistry struct {
	mu       sync.RWMutex
	adapters map[uuid.UUID]TargetAdapter
}

// NewTargetRegistry creates an empty registry.
func NewTargetRegistry() *TargetRegistry {
	return &TargetRegistry{adapters: make(map[uuid.UUID]TargetAdapter)}
}

// Open builds adapters for every configured data source.
func Open(ctx context.Context, sources []config.DataSourceConfig, connMgr *ConnectionManager) (*TargetRegistry, error) {
	reg := NewTargetRegistry()
	for i := range sources {
		src := &sources[i]
		id, err := src.ParsedID()
		if err != nil {
			reg.Close()
			return nil, fmt.Errorf("datasource %q: %w", src.Name, err)
		}
		factory := GetFactory(src.Type)
		if factory == nil {
			reg.Close()
			return nil, fmt.Errorf("datasource %q: unsupported type %q", src.Name, src.Type)
		}
		adapter, err := factory(ctx, src, connMgr)
		if err != nil {
			reg.Close()
			return nil, fmt.Errorf("datasource %q: %w", src.Name, err)
		}
		reg.Set(id, adapter)
	}
	return reg, nil
}

// Set registers or replaces the adapter for a data source.
func (r *TargetRegistry) Set(dataSourceID uuid.UUID, adapter TargetAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.adapters[dataSourceID]; ok && old != adapter {
		_ = old.Close()
	}
	r.adapters[dataSourceID] = adapter
}

// Get returns the adapter for a data source or apperrors.ErrUnknownDataSource.
func (r *TargetRegistry) Get(dataSourceID uuid.UUID) (TargetAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[dataSourceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrUnknownDataSource, dataSourceID)
	}
	return adapter, nil
}

// IDs returns the registered data source IDs.
func (r *TargetRegistry) IDs() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Close closes every adapter.
func (r *TargetRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, adapter := range r.adapters {
		_ = adapter.Close()
		delete(r.adapters, id)
	}
}
