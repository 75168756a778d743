package handlers

import (
	"net/http"
	"os"
	"runtime"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nlq/pkg/config"
	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

// PingResponse contains service status and version information.
type PingResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Service     string `json:"service"`
	GoVersion   string `json:"go_version"`
	Hostname    string `json:"hostname"`
	Environment string `json:"environment"`
}

// ProviderHealthSource reports the provider breakers.
type ProviderHealthSource interface {
	Snapshot() []models.ProviderHealth
}

// HealthHandler handles health check, ping and provider health endpoints.
type HealthHandler struct {
	cfg       *config.Config
	providers ProviderHealthSource
	logger    *zap.Logger
}

// NewHealthHandler creates a new HealthHandler with the given configuration.
func NewHealthHandler(cfg *config.Config, providers ProviderHealthSource, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{cfg: cfg, providers: providers, logger: logger}
}

// RegisterRoutes registers the health handler's routes on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/ping", h.Ping)
	mux.HandleFunc("GET /api/providers/health", h.Providers)
}

// Health handles GET /health requests.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ping handles GET /ping requests.
// Returns detailed service information including version and environment.
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	hostname, err := os.Hostname()
	if err != nil {
		http.Error(w, "failed to get hostname", http.StatusInternalServerError)
		return
	}

	response := PingResponse{
		Status:      "ok",
		Version:     h.cfg.Version,
		Service:     "ekaya-nlq",
		GoVersion:   runtime.Version(),
		Hostname:    hostname,
		Environment: h.cfg.Env,
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode ping response", zap.Error(err))
	}
}

// Providers handles GET /api/providers/health. The status is 503 when no
// provider can take traffic.
func (h *HealthHandler) Providers(w http.ResponseWriter, r *http.Request) {
	snapshot := h.providers.Snapshot()
	status := http.StatusServiceUnavailable
	for _, p := range snapshot {
		if p.State != models.ProviderUnhealthy {
			status = http.StatusOK
			break
		}
	}
	if snapshot == nil {
		snapshot = []models.ProviderHealth{}
	}

	if err := WriteJSON(w, status, map[string]any{"providers": snapshot}); err != nil {
		h.logger.Error("Failed to encode provider health response", zap.Error(err))
	}
}
