package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nlq/pkg/logging"
)

// ToolCallRecorder receives the outcome of every tool call.
type ToolCallRecorder interface {
	RecordToolCall(tool, result string, d time.Duration)
}

// AuditLogger logs MCP tool calls and reports their outcome to a recorder.
type AuditLogger struct {
	recorder ToolCallRecorder
	logger   *zap.Logger

	// startTimes tracks when tool calls begin, keyed by request ID.
	startTimes sync.Map
}

// NewAuditLogger creates an AuditLogger. recorder may be nil.
func NewAuditLogger(recorder ToolCallRecorder, logger *zap.Logger) *AuditLogger {
	return &AuditLogger{
		recorder: recorder,
		logger:   logger.Named("mcp-audit"),
	}
}

// Hooks returns mcp-go Hooks configured to capture tool call events.
func (a *AuditLogger) Hooks() *server.Hooks {
	hooks := &server.Hooks{}
	hooks.AddBeforeCallTool(a.beforeCallTool)
	hooks.AddAfterCallTool(a.afterCallTool)
	hooks.AddOnError(a.onError)
	return hooks
}

// toolCallEvent is one audited tool call.
type toolCallEvent struct {
	Tool     string
	Params   map[string]any
	Result   string
	Summary  map[string]any
	Duration time.Duration
	Err      error
}

func (a *AuditLogger) beforeCallTool(_ context.Context, id any, _ *mcplib.CallToolRequest) {
	a.startTimes.Store(id, time.Now())
}

func (a *AuditLogger) afterCallTool(_ context.Context, id any, req *mcplib.CallToolRequest, result *mcplib.CallToolResult) {
	startTime, _ := a.loadAndDeleteStart(id)

	event := buildEvent(req)
	event.Duration = time.Since(startTime)
	event.Summary = summarizeResult(result)
	event.Result = resultLabel(event.Summary)

	a.record(event)
}

func (a *AuditLogger) onError(_ context.Context, id any, method mcplib.MCPMethod, message any, err error) {
	if method != mcplib.MethodToolsCall {
		return
	}
	req, ok := message.(*mcplib.CallToolRequest)
	if !ok {
		return
	}

	startTime, _ := a.loadAndDeleteStart(id)

	event := buildEvent(req)
	event.Duration = time.Since(startTime)
	event.Result = "failure"
	event.Err = err

	a.record(event)
}

func (a *AuditLogger) loadAndDeleteStart(id any) (time.Time, bool) {
	if v, ok := a.startTimes.LoadAndDelete(id); ok {
		return v.(time.Time), true
	}
	return time.Now(), false
}

func buildEvent(req *mcplib.CallToolRequest) *toolCallEvent {
	return &toolCallEvent{
		Tool:   req.Params.Name,
		Params: sanitizeParams(req.Params.Arguments),
	}
}

func (a *AuditLogger) record(event *toolCallEvent) {
	if a.recorder != nil {
		a.recorder.RecordToolCall(event.Tool, event.Result, event.Duration)
	}

	fields := []zap.Field{
		zap.String("tool", event.Tool),
		zap.String("result", event.Result),
		zap.Duration("duration", event.Duration),
		zap.Any("params", event.Params),
	}
	if len(event.Summary) > 0 {
		fields = append(fields, zap.Any("summary", event.Summary))
	}

	switch {
	case event.Err != nil:
		fields = append(fields, zap.String("error", logging.SanitizeError(event.Err)))
		a.logger.Error("MCP tool call failed", fields...)
	case event.Result != "ok":
		a.logger.Warn("MCP tool call returned an error result", fields...)
	default:
		a.logger.Info("MCP tool call", fields...)
	}
}

// maxParamLength caps free-text parameters in audit logs.
const maxParamLength = 500

// sanitizeParams sanitizes request parameters before they are logged.
// SQL parameters have their literals redacted, user identifiers are hashed
// and long text is truncated.
func sanitizeParams(args any) map[string]any {
	params, ok := args.(map[string]any)
	if !ok || len(params) == 0 {
		return nil
	}

	sanitized := make(map[string]any, len(params))
	for k, v := range params {
		sanitized[k] = sanitizeValue(k, v)
	}
	return sanitized
}

func sanitizeValue(key string, value any) any {
	if isIdentityParam(key) {
		return hashSensitiveValue(value)
	}

	switch val := value.(type) {
	case string:
		if isSQLParam(key) {
			return logging.SanitizeQuery(val)
		}
		return logging.TruncateString(val, maxParamLength)
	case map[string]any:
		return sanitizeParams(val)
	default:
		return value
	}
}

// isSQLParam returns true if a parameter key likely contains SQL.
func isSQLParam(key string) bool {
	lower := strings.ToLower(key)
	return lower == "sql" || strings.HasSuffix(lower, "_sql")
}

func isIdentityParam(key string) bool {
	lower := strings.ToLower(key)
	return lower == "user_id" || lower == "email"
}

func hashSensitiveValue(value any) string {
	if str, ok := value.(string); ok {
		return logging.HashIdentifier(str)
	}
	return logging.HashIdentifier(fmt.Sprintf("%v", value))
}

// summarizeResult extracts the fields worth logging from a tool result:
// the error code of an error result, or the session outcome of an answer.
func summarizeResult(result *mcplib.CallToolResult) map[string]any {
	if result == nil {
		return nil
	}

	summary := map[string]any{
		"is_error": result.IsError,
	}

	for _, c := range result.Content {
		tc, ok := c.(mcplib.TextContent)
		if !ok {
			continue
		}
		var partial struct {
			Code         string `json:"code"`
			Status       string `json:"status"`
			FailureCause string `json:"failure_cause"`
			RowCount     *int   `json:"row_count"`
			SessionID    string `json:"session_id"`
		}
		if err := json.Unmarshal([]byte(tc.Text), &partial); err != nil {
			break
		}
		if partial.Code != "" {
			summary["code"] = partial.Code
		}
		if partial.Status != "" {
			summary["status"] = partial.Status
		}
		if partial.FailureCause != "" {
			summary["failure_cause"] = partial.FailureCause
		}
		if partial.RowCount != nil {
			summary["row_count"] = *partial.RowCount
		}
		if partial.SessionID != "" {
			summary["session_id"] = partial.SessionID
		}
		break
	}

	return summary
}

// resultLabel reduces a summary to a low-cardinality metric label.
func resultLabel(summary map[string]any) string {
	if isError, _ := summary["is_error"].(bool); !isError {
		return "ok"
	}
	if code, ok := summary["code"].(string); ok && code != "" {
		return code
	}
	return "error"
}
