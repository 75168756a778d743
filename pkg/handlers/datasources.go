package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
	"github.com/ekaya-inc/ekaya-nlq/pkg/services/workqueue"
)

// ReindexService schedules background reindexing.
type ReindexService interface {
	Trigger(dataSourceID uuid.UUID, reason string) bool
}

// SchemaSyncService refreshes a data source catalog from the live database.
type SchemaSyncService interface {
	Sync(ctx context.Context, dataSourceID uuid.UUID) (*models.Catalog, error)
}

// DataSourceLookup resolves configured data sources.
type DataSourceLookup interface {
	IDs() []uuid.UUID
}

// TaskLister exposes background task snapshots.
type TaskLister interface {
	GetTasks() []workqueue.TaskSnapshot
}

// ReindexResponse reports whether a reindex was scheduled.
type ReindexResponse struct {
	DataSourceID uuid.UUID `json:"data_source_id"`
	Queued       bool      `json:"queued"`
}

// SyncResponse summarizes a schema sync.
type SyncResponse struct {
	DataSourceID  uuid.UUID `json:"data_source_id"`
	Objects       int       `json:"objects"`
	Relationships int       `json:"relationships"`
	ReindexQueued bool      `json:"reindex_queued"`
}

// DataSourcesHandler serves data source maintenance endpoints.
type DataSourcesHandler struct {
	targets   DataSourceLookup
	reindexer ReindexService
	sync      SchemaSyncService
	tasks     TaskLister
	logger    *zap.Logger
}

// NewDataSourcesHandler creates a data sources handler.
func NewDataSourcesHandler(targets DataSourceLookup, reindexer ReindexService, sync SchemaSyncService, tasks TaskLister, logger *zap.Logger) *DataSourcesHandler {
	return &DataSourcesHandler{
		targets:   targets,
		reindexer: reindexer,
		sync:      sync,
		tasks:     tasks,
		logger:    logger,
	}
}

// RegisterRoutes registers the data source routes on the given mux.
func (h *DataSourcesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/datasources", h.List)
	mux.HandleFunc("POST /api/datasources/{did}/reindex", h.Reindex)
	mux.HandleFunc("POST /api/datasources/{did}/sync", h.Sync)
	mux.HandleFunc("GET /api/reindex/tasks", h.Tasks)
}

func (h *DataSourcesHandler) known(id uuid.UUID) bool {
	for _, known := range h.targets.IDs() {
		if known == id {
			return true
		}
	}
	return false
}

// List handles GET /api/datasources
func (h *DataSourcesHandler) List(w http.ResponseWriter, r *http.Request) {
	ids := h.targets.IDs()
	if ids == nil {
		ids = []uuid.UUID{}
	}
	if err := WriteJSON(w, http.StatusOK, map[string]any{"data_sources": ids}); err != nil {
		h.logger.Error("Failed to write data sources response", zap.Error(err))
	}
}

// Reindex handles POST /api/datasources/{did}/reindex
func (h *DataSourcesHandler) Reindex(w http.ResponseWriter, r *http.Request) {
	dsID, ok := ParseDataSourceID(w, r, h.logger)
	if !ok {
		return
	}
	if !h.known(dsID) {
		ErrorResponse(w, http.StatusNotFound, "unknown_data_source", "Unknown data source")
		return
	}

	queued := h.reindexer.Trigger(dsID, "api")
	if err := WriteJSON(w, http.StatusAccepted, ReindexResponse{DataSourceID: dsID, Queued: queued}); err != nil {
		h.logger.Error("Failed to write reindex response", zap.Error(err))
	}
}

// Sync handles POST /api/datasources/{did}/sync
func (h *DataSourcesHandler) Sync(w http.ResponseWriter, r *http.Request) {
	dsID, ok := ParseDataSourceID(w, r, h.logger)
	if !ok {
		return
	}

	catalog, err := h.sync.Sync(r.Context(), dsID)
	if err != nil {
		WriteServiceError(w, err, h.logger, "sync schema")
		return
	}

	resp := SyncResponse{
		DataSourceID:  dsID,
		Objects:       len(catalog.Objects),
		Relationships: len(catalog.Relationships),
		ReindexQueued: true,
	}
	if err := WriteJSON(w, http.StatusOK, resp); err != nil {
		h.logger.Error("Failed to write sync response", zap.Error(err))
	}
}

// Tasks handles GET /api/reindex/tasks
func (h *DataSourcesHandler) Tasks(w http.ResponseWriter, r *http.Request) {
	tasks := h.tasks.GetTasks()
	if tasks == nil {
		tasks = []workqueue.TaskSnapshot{}
	}
	if err := WriteJSON(w, http.StatusOK, map[string]any{"tasks": tasks}); err != nil {
		h.logger.Error("Failed to write tasks response", zap.Error(err))
	}
}
