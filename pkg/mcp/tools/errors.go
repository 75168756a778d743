package tools

import (
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ekaya-inc/ekaya-nlq/pkg/apperrors"
)

// ErrorResponse represents a structured error in tool results.
// Returning it as a tool result keeps actionable errors visible to the
// calling model instead of being swallowed by the MCP client.
type ErrorResponse struct {
	Error   bool   `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// NewErrorResult creates a tool result containing a structured error.
// Use this for recoverable errors the caller can fix (invalid parameters,
// unknown session). System failures should still return Go errors.
func NewErrorResult(code, message string) *mcp.CallToolResult {
	return NewErrorResultWithDetails(code, message, nil)
}

// NewErrorResultWithDetails creates an error result with additional context.
func NewErrorResultWithDetails(code, message string, details any) *mcp.CallToolResult {
	resp := ErrorResponse{
		Error:   true,
		Code:    code,
		Message: message,
		Details: details,
	}
	jsonBytes, _ := json.Marshal(resp)
	result := mcp.NewToolResultText(string(jsonBytes))
	result.IsError = true
	return result
}

var inputErrors = []struct {
	target error
	code   string
}{
	{apperrors.ErrNotFound, "session_not_found"},
	{apperrors.ErrUnknownDataSource, "unknown_data_source"},
	{apperrors.ErrInvalidQuestion, "invalid_question"},
	{apperrors.ErrInvalidRating, "invalid_rating"},
	{apperrors.ErrSessionTerminal, "session_terminal"},
	{apperrors.ErrSessionBusy, "session_busy"},
	{apperrors.ErrSessionNotTerminal, "session_not_terminal"},
}

// inputErrorResult converts service errors the caller can act on into
// error results. It returns nil for anything else.
func inputErrorResult(err error) *mcp.CallToolResult {
	for _, e := range inputErrors {
		if errors.Is(err, e.target) {
			return NewErrorResult(e.code, e.target.Error())
		}
	}
	return nil
}
