package datasource

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestConnectionManager_InvalidConnectionString(t *testing.T) {
	cm := NewConnectionManager(ConnectionManagerConfig{}, zaptest.NewLogger(t))
	defer cm.Close()

	_, err := cm.GetOrCreatePool(context.Background(), uuid.New(), "invalid connection string")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
	assert.Equal(t, 0, cm.GetStats().TotalConnections)
}

func TestConnectionManager_DefaultConfig(t *testing.T) {
	cm := NewConnectionManager(ConnectionManagerConfig{}, zaptest.NewLogger(t))
	defer cm.Close()

	assert.Equal(t, DefaultConnectionTTL, cm.ttl)
	assert.Equal(t, int32(DefaultPoolMaxConns), cm.poolMaxConns)
	assert.Equal(t, int32(DefaultPoolMinConns), cm.poolMinConns)
}

func TestConnectionManager_CloseIsIdempotent(t *testing.T) {
	cm := NewConnectionManager(ConnectionManagerConfig{TTL: time.Minute}, zaptest.NewLogger(t))

	require.NoError(t, cm.Close())
	require.NoError(t, cm.Close())

	_, err := cm.GetOrCreatePool(context.Background(), uuid.New(), "postgres://localhost/db")
	require.Error(t, err, "closed manager refuses new pools")
	assert.Equal(t, 0, cm.performCleanup(time.Now()))
}
