package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nlq/pkg/config"
	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

type staticHealth []models.ProviderHealth

func (s staticHealth) Snapshot() []models.ProviderHealth { return s }

func TestHealthHandler_Ping(t *testing.T) {
	cfg := &config.Config{Version: "test-version", Env: "test"}
	handler := NewHealthHandler(cfg, staticHealth(nil), zap.NewNop())

	rec := httptest.NewRecorder()
	handler.Ping(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp PingResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test-version", resp.Version)
	assert.Equal(t, "ekaya-nlq", resp.Service)
	assert.Equal(t, "test", resp.Environment)
}

func TestHealthHandler_Health(t *testing.T) {
	handler := NewHealthHandler(&config.Config{}, staticHealth(nil), zap.NewNop())

	rec := httptest.NewRecorder()
	handler.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestHealthHandler_Providers(t *testing.T) {
	tests := []struct {
		name       string
		health     staticHealth
		wantStatus int
	}{
		{
			name: "one healthy provider",
			health: staticHealth{
				{Provider: "primary", State: models.ProviderUnhealthy, ConsecutiveFailures: 3},
				{Provider: "fallback", State: models.ProviderHealthy},
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "probing counts as available",
			health: staticHealth{
				{Provider: "primary", State: models.ProviderProbing},
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "all unhealthy",
			health: staticHealth{
				{Provider: "primary", State: models.ProviderUnhealthy},
			},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "none registered",
			health:     nil,
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHealthHandler(&config.Config{}, tt.health, zap.NewNop())
			rec := httptest.NewRecorder()
			handler.Providers(rec, httptest.NewRequest(http.MethodGet, "/api/providers/health", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			var body struct {
				Providers []models.ProviderHealth `json:"providers"`
			}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Len(t, body.Providers, len(tt.health))
		})
	}
}
