package datasource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nlq/pkg/logging"
	"github.com/ekaya-inc/ekaya-nlq/pkg/retry"
)

const (
	DefaultConnectionTTL   = 5 * time.Minute
	DefaultCleanupInterval = 1 * time.Minute
	DefaultPoolMaxConns    = 10
	DefaultPoolMinConns    = 0
)

// ConnectionManagerConfig holds configuration for the connection manager.
type ConnectionManagerConfig struct {
	TTL          time.Duration
	PoolMaxConns int32
	PoolMinConns int32
}

// ConnectionManager keeps one pgx pool per target data source, pings pools
// before reuse and closes pools idle for longer than the TTL.
type ConnectionManager struct {
	mu           sync.RWMutex
	connections  map[uuid.UUID]*managedConnection
	ttl          time.Duration
	poolMaxConns int32
	poolMinConns int32
	stopped      bool
	stopChan     chan struct{}
	logger       *zap.Logger
}

type managedConnection struct {
	pool     *pgxpool.Pool
	lastUsed time.Time
	mu       sync.Mutex
}

// NewConnectionManager creates a connection manager and starts its cleanup
// goroutine, which runs until Close is called.
func NewConnectionManager(cfg ConnectionManagerConfig, logger *zap.Logger) *ConnectionManager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConnectionTTL
	}
	if cfg.PoolMaxConns <= 0 {
		cfg.PoolMaxConns = DefaultPoolMaxConns
	}
	if cfg.PoolMinConns < 0 {
		cfg.PoolMinConns = DefaultPoolMinConns
	}

	m := &ConnectionManager{
		connections:  make(map[uuid.UUID]*managedConnection),
		ttl:          cfg.TTL,
		poolMaxConns: cfg.PoolMaxConns,
		poolMinConns: cfg.PoolMinConns,
		stopChan:     make(chan struct{}),
		logger:       logger.Named("connections"),
	}

	go m.cleanupExpiredConnections()
	return m
}

// GetOrCreatePool returns the pool for a data source, creating it on first
// use. An existing pool that fails its health check is replaced.
func (m *ConnectionManager) GetOrCreatePool(ctx context.Context, dataSourceID uuid.UUID, connString string) (*pgxpool.Pool, error) {
	m.mu.RLock()
	managed, exists := m.connections[dataSourceID]
	stopped := m.stopped
	m.mu.RUnlock()

	if stopped {
		return nil, fmt.Errorf("connection manager is closed")
	}

	if exists {
		managed.mu.Lock()
		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := retry.Do(healthCtx, retry.Immediate(1), func() error {
			return managed.pool.Ping(healthCtx)
		})
		cancel()

		if err != nil {
			m.logger.Warn("connection unhealthy, recreating",
				zap.String("data_source_id", dataSourceID.String()),
				zap.String("error", logging.SanitizeError(err)),
			)
			managed.mu.Unlock()
			m.removeConnection(dataSourceID)
			return m.createNewPool(ctx, dataSourceID, connString)
		}

		managed.lastUsed = time.Now()
		managed.mu.Unlock()
		return managed.pool, nil
	}

	return m.createNewPool(ctx, dataSourceID, connString)
}

func (m *ConnectionManager) createNewPool(ctx context.Context, dataSourceID uuid.UUID, connString string) (*pgxpool.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Another goroutine may have created it while we waited for the lock.
	if managed, exists := m.connections[dataSourceID]; exists && managed != nil {
		managed.mu.Lock()
		defer managed.mu.Unlock()
		managed.lastUsed = time.Now()
		return managed.pool, nil
	}

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		m.logger.Error("failed to parse connection string",
			zap.String("data_source_id", dataSourceID.String()),
			zap.String("error", logging.SanitizeError(err)),
		)
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolConfig.MaxConns = m.poolMaxConns
	poolConfig.MinConns = m.poolMinConns
	poolConfig.MaxConnIdleTime = m.ttl

	pool, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*pgxpool.Pool, error) {
		return pgxpool.NewWithConfig(ctx, poolConfig)
	})
	if err != nil {
		m.logger.Error("failed to create pool after retries",
			zap.String("data_source_id", dataSourceID.String()),
			zap.String("error", logging.SanitizeError(err)),
		)
		return nil, fmt.Errorf("failed to create pool for data source %s: %w", dataSourceID, err)
	}

	m.connections[dataSourceID] = &managedConnection{pool: pool, lastUsed: time.Now()}
	m.logger.Info("created new connection pool",
		zap.String("data_source_id", dataSourceID.String()),
		zap.Int("total_pools", len(m.connections)),
	)
	return pool, nil
}

func (m *ConnectionManager) removeConnection(dataSourceID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if managed, exists := m.connections[dataSourceID]; exists && managed != nil {
		if managed.pool != nil {
			managed.pool.Close()
		}
		delete(m.connections, dataSourceID)
		m.logger.Debug("removed connection", zap.String("data_source_id", dataSourceID.String()))
	}
}

func (m *ConnectionManager) cleanupExpiredConnections() {
	ticker := time.NewTicker(DefaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.performCleanup(time.Now())
		case <-m.stopChan:
			return
		}
	}
}

// performCleanup closes pools unused for longer than the TTL.
// Lock order: manager lock, then connection lock.
func (m *ConnectionManager) performCleanup(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return 0
	}

	var expired []uuid.UUID
	for id, managed := range m.connections {
		if managed == nil {
			continue
		}
		managed.mu.Lock()
		idle := now.Sub(managed.lastUsed)
		managed.mu.Unlock()
		if idle > m.ttl {
			expired = append(expired, id)
		}
	}

	for _, id := range expired {
		if managed := m.connections[id]; managed != nil && managed.pool != nil {
			managed.pool.Close()
		}
		delete(m.connections, id)
	}

	if len(expired) > 0 {
		m.logger.Info("cleaned up expired connections",
			zap.Int("count", len(expired)),
			zap.Int("remaining", len(m.connections)),
		)
	}
	return len(expired)
}

// Close closes every pool and stops the cleanup goroutine. Idempotent.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil
	}
	m.stopped = true
	close(m.stopChan)

	for _, managed := range m.connections {
		if managed != nil && managed.pool != nil {
			managed.pool.Close()
		}
	}
	m.connections = make(map[uuid.UUID]*managedConnection)
	m.logger.Info("connection manager closed")
	return nil
}

// ConnectionStats describes the connection manager state.
type ConnectionStats struct {
	TotalConnections  int     `json:"total_connections"`
	TTLSeconds        float64 `json:"ttl_seconds"`
	OldestIdleSeconds int     `json:"oldest_idle_seconds"`
}

// GetStats returns statistics about the connection manager.
func (m *ConnectionManager) GetStats() ConnectionStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	stats := ConnectionStats{
		TotalConnections: len(m.connections),
		TTLSeconds:       m.ttl.Seconds(),
	}
	for _, managed := range m.connections {
		if managed == nil {
			continue
		}
		managed.mu.Lock()
		idle := int(now.Sub(managed.lastUsed).Seconds())
		managed.mu.Unlock()
		if idle > stats.OldestIdleSeconds {
			stats.OldestIdleSeconds = idle
		}
	}
	return stats
}
