package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
	"github.com/ekaya-inc/ekaya-nlq/pkg/services"
)

// SessionService is the orchestrator surface the handlers use.
type SessionService interface {
	Create(ctx context.Context, userID string, dataSourceID uuid.UUID, question string) (*models.QuerySession, error)
	Run(ctx context.Context, sessionID uuid.UUID, opts services.RunOptions) (*services.RunResult, error)
	Get(ctx context.Context, sessionID uuid.UUID) (*services.RunResult, error)
	Cancel(ctx context.Context, sessionID uuid.UUID) (*models.QuerySession, error)
}

// FeedbackService records and lists session feedback.
type FeedbackService interface {
	Submit(ctx context.Context, sessionID uuid.UUID, req services.FeedbackRequest) (*models.Feedback, error)
	List(ctx context.Context, sessionID uuid.UUID) ([]*models.Feedback, error)
}

// SessionsHandler serves the query session API.
type SessionsHandler struct {
	sessions SessionService
	feedback FeedbackService
	logger   *zap.Logger
}

// NewSessionsHandler creates a sessions handler.
func NewSessionsHandler(sessions SessionService, feedback FeedbackService, logger *zap.Logger) *SessionsHandler {
	return &SessionsHandler{
		sessions: sessions,
		feedback: feedback,
		logger:   logger,
	}
}

// RegisterRoutes registers the session routes on the given mux.
func (h *SessionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessions", h.Create)
	mux.HandleFunc("GET /api/sessions/{sid}", h.Get)
	mux.HandleFunc("POST /api/sessions/{sid}/run", h.Run)
	mux.HandleFunc("POST /api/sessions/{sid}/cancel", h.Cancel)
	mux.HandleFunc("POST /api/sessions/{sid}/feedback", h.SubmitFeedback)
	mux.HandleFunc("GET /api/sessions/{sid}/feedback", h.ListFeedback)
}

// CreateSessionRequest starts a session. With Run set the pipeline runs
// before the response is written.
type CreateSessionRequest struct {
	DataSourceID uuid.UUID `json:"data_source_id"`
	UserID       string    `json:"user_id"`
	Question     string    `json:"question"`
	Run          bool      `json:"run"`
}

// RunSessionRequest bounds a run. An empty body runs to completion.
type RunSessionRequest struct {
	MaxSteps int `json:"max_steps"`
}

// Create handles POST /api/sessions
func (h *SessionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.DataSourceID == uuid.Nil {
		ErrorResponse(w, http.StatusBadRequest, "invalid_data_source_id", "data_source_id is required")
		return
	}

	session, err := h.sessions.Create(r.Context(), req.UserID, req.DataSourceID, req.Question)
	if err != nil {
		WriteServiceError(w, err, h.logger, "create session")
		return
	}

	if !req.Run {
		if err := WriteJSON(w, http.StatusCreated, services.RunResult{Session: session}); err != nil {
			h.logger.Error("Failed to write session response", zap.Error(err))
		}
		return
	}

	result, err := h.sessions.Run(r.Context(), session.ID, services.RunOptions{})
	if err != nil {
		WriteServiceError(w, err, h.logger, "run session")
		return
	}
	if err := WriteJSON(w, http.StatusCreated, result); err != nil {
		h.logger.Error("Failed to write session response", zap.Error(err))
	}
}

// Get handles GET /api/sessions/{sid}
func (h *SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := ParseSessionID(w, r, h.logger)
	if !ok {
		return
	}

	result, err := h.sessions.Get(r.Context(), sessionID)
	if err != nil {
		WriteServiceError(w, err, h.logger, "get session")
		return
	}
	if err := WriteJSON(w, http.StatusOK, result); err != nil {
		h.logger.Error("Failed to write session response", zap.Error(err))
	}
}

// Run handles POST /api/sessions/{sid}/run
func (h *SessionsHandler) Run(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := ParseSessionID(w, r, h.logger)
	if !ok {
		return
	}

	var req RunSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
			return
		}
	}
	if req.MaxSteps < 0 {
		ErrorResponse(w, http.StatusBadRequest, "invalid_parameters", "max_steps must not be negative")
		return
	}

	result, err := h.sessions.Run(r.Context(), sessionID, services.RunOptions{MaxSteps: req.MaxSteps})
	if err != nil {
		WriteServiceError(w, err, h.logger, "run session")
		return
	}
	if err := WriteJSON(w, http.StatusOK, result); err != nil {
		h.logger.Error("Failed to write run response", zap.Error(err))
	}
}

// Cancel handles POST /api/sessions/{sid}/cancel
func (h *SessionsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := ParseSessionID(w, r, h.logger)
	if !ok {
		return
	}

	session, err := h.sessions.Cancel(r.Context(), sessionID)
	if err != nil {
		WriteServiceError(w, err, h.logger, "cancel session")
		return
	}
	if err := WriteJSON(w, http.StatusOK, session); err != nil {
		h.logger.Error("Failed to write cancel response", zap.Error(err))
	}
}

// SubmitFeedback handles POST /api/sessions/{sid}/feedback
func (h *SessionsHandler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := ParseSessionID(w, r, h.logger)
	if !ok {
		return
	}

	var req services.FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	fb, err := h.feedback.Submit(r.Context(), sessionID, req)
	if err != nil {
		WriteServiceError(w, err, h.logger, "submit feedback")
		return
	}
	if err := WriteJSON(w, http.StatusCreated, fb); err != nil {
		h.logger.Error("Failed to write feedback response", zap.Error(err))
	}
}

// ListFeedback handles GET /api/sessions/{sid}/feedback
func (h *SessionsHandler) ListFeedback(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := ParseSessionID(w, r, h.logger)
	if !ok {
		return
	}

	items, err := h.feedback.List(r.Context(), sessionID)
	if err != nil {
		WriteServiceError(w, err, h.logger, "list feedback")
		return
	}
	if items == nil {
		items = []*models.Feedback{}
	}
	if err := WriteJSON(w, http.StatusOK, map[string]any{"feedback": items}); err != nil {
		h.logger.Error("Failed to write feedback response", zap.Error(err))
	}
}
