package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nlq/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-nlq/pkg/logging"
)

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

var errorMappings = []errorMapping{
	{apperrors.ErrNotFound, http.StatusNotFound, "not_found", "Session not found"},
	{apperrors.ErrUnknownDataSource, http.StatusNotFound, "unknown_data_source", "Unknown data source"},
	{apperrors.ErrInvalidQuestion, http.StatusBadRequest, "invalid_question", "Question is required"},
	{apperrors.ErrInvalidRating, http.StatusBadRequest, "invalid_rating", "Rating must be between 1 and 5"},
	{apperrors.ErrSessionTerminal, http.StatusConflict, "session_terminal", "Session has already finished"},
	{apperrors.ErrSessionBusy, http.StatusConflict, "session_busy", "Session is already running"},
	{apperrors.ErrSessionNotTerminal, http.StatusConflict, "session_not_terminal", "Session has not finished yet"},
	{apperrors.ErrConflict, http.StatusConflict, "conflict", "Conflicting update"},
	{context.Canceled, http.StatusServiceUnavailable, "interrupted", "Request ended before the run finished; the session can be resumed"},
	{context.DeadlineExceeded, http.StatusServiceUnavailable, "interrupted", "Request ended before the run finished; the session can be resumed"},
}

// WriteServiceError maps service errors onto status codes. Unmapped errors
// are logged and reported as internal errors without their text.
func WriteServiceError(w http.ResponseWriter, err error, logger *zap.Logger, action string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			if werr := ErrorResponse(w, m.status, m.code, m.message); werr != nil {
				logger.Error("Failed to write error response", zap.Error(werr))
			}
			return
		}
	}
	logger.Error("Failed to "+action, zap.String("error", logging.SanitizeError(err)))
	if werr := ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to "+action); werr != nil {
		logger.Error("Failed to write error response", zap.Error(werr))
	}
}
