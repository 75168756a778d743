package datasource

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-nlq/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-nlq/pkg/config"
)

type stubAdapter struct {
	closed bool
}

func (s *stubAdapter) Explain(ctx context.Context, sql string) (*PlanEstimate, error) {
	return &PlanEstimate{}, nil
}

func (s *stubAdapter) Execute(ctx context.Context, sql string, rowCap int, timeout time.Duration) (*ExecuteResult, error) {
	return &ExecuteResult{}, nil
}

func (s *stubAdapter) Close() error {
	s.closed = true
	return nil
}

func TestRegister_AndGetFactory(t *testing.T) {
	Register(AdapterRegistration{
		Info: AdapterInfo{Type: "stub", DisplayName: "Stub"},
		Factory: func(ctx context.Context, cfg *config.DataSourceConfig, connMgr *ConnectionManager) (TargetAdapter, error) {
			return &stubAdapter{}, nil
		},
	})

	assert.True(t, IsRegistered("stub"))
	assert.False(t, IsRegistered("oracle"))
	assert.Nil(t, GetFactory("oracle"))

	var found bool
	for _, info := range RegisteredAdapters() {
		if info.Type == "stub" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestOpen_BuildsAdaptersByID(t *testing.T) {
	Register(AdapterRegistration{
		Info: AdapterInfo{Type: "stub"},
		Factory: func(ctx context.Context, cfg *config.DataSourceConfig, connMgr *ConnectionManager) (TargetAdapter, error) {
			return &stubAdapter{}, nil
		},
	})
	id := uuid.New()

	reg, err := Open(context.Background(), []config.DataSourceConfig{{ID: id.String(), Name: "shop", Type: "stub"}}, nil)
	require.NoError(t, err)
	defer reg.Close()

	adapter, err := reg.Get(id)
	require.NoError(t, err)
	assert.NotNil(t, adapter)
	assert.Equal(t, []uuid.UUID{id}, reg.IDs())

	_, err = reg.Get(uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrUnknownDataSource)
}

func TestOpen_UnsupportedType(t *testing.T) {
	_, err := Open(context.Background(), []config.DataSourceConfig{{ID: uuid.NewString(), Name: "x", Type: "oracle"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported type")
}

func TestTargetRegistry_SetClosesReplaced(t *testing.T) {
	reg := NewTargetRegistry()
	id := uuid.New()
	first := &stubAdapter{}
	second := &stubAdapter{}

	reg.Set(id, first)
	reg.Set(id, second)
	assert.True(t, first.closed)
	assert.False(t, second.closed)

	reg.Close()
	assert.True(t, second.closed)
	assert.Empty(t, reg.IDs())
}
