package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func serveMCP(t *testing.T, logger *zap.Logger, status int, reqBody, respBody string) *httptest.ResponseRecorder {
	t.Helper()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(respBody))
	})
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(reqBody))
	rec := httptest.NewRecorder()
	MCPRequestLogger(logger)(handler).ServeHTTP(rec, req)
	return rec
}

func TestMCPRequestLogger_ToolCall(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	rec := serveMCP(t, zap.New(core), http.StatusOK,
		`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"ask_question","arguments":{"question":"top customers","user_id":"analyst-7"}}}`,
		`{"jsonrpc":"2.0","id":7,"result":{"content":[{"type":"text","text":"{\"session_id\":\"3f1c\",\"status\":\"succeeded\"}"}]}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"session_id`, "body is passed through unchanged")

	require.Equal(t, 2, logs.Len())
	call := logs.All()[0]
	assert.Equal(t, "MCP tool call", call.Message)
	assert.Equal(t, "mcp-http", call.LoggerName)
	assert.Equal(t, "ask_question", call.ContextMap()["tool"])
	assert.Equal(t, "7", call.ContextMap()["rpc_id"])
	args := call.ContextMap()["arguments"].(map[string]any)
	assert.Equal(t, "top customers", args["question"])
	assert.True(t, strings.HasPrefix(args["user_id"].(string), "sha256:"))

	done := logs.All()[1]
	assert.Equal(t, "MCP request completed", done.Message)
	assert.Equal(t, "3f1c", done.ContextMap()["session_id"])
	assert.Equal(t, int64(http.StatusOK), done.ContextMap()["status"])
	assert.NotContains(t, done.ContextMap(), "tool_error")
}

func TestMCPRequestLogger_ToolErrorResult(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	serveMCP(t, zap.New(core), http.StatusOK,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"get_session","arguments":{"session_id":"nope"}}}`,
		`{"jsonrpc":"2.0","id":2,"result":{"isError":true,"content":[{"type":"text","text":"{\"error\":true,\"code\":\"invalid_parameters\"}"}]}}`)

	require.Equal(t, 2, logs.Len())
	done := logs.All()[1]
	assert.Equal(t, true, done.ContextMap()["tool_error"])
	assert.NotContains(t, done.ContextMap(), "session_id")
}

func TestMCPRequestLogger_RPCError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	serveMCP(t, zap.New(core), http.StatusOK,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"drop_everything"}}`,
		`{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"tool 'drop_everything' not found"}}`)

	require.Equal(t, 2, logs.Len())
	failed := logs.All()[1]
	assert.Equal(t, zapcore.InfoLevel, failed.Level)
	assert.Equal(t, "MCP request failed", failed.Message)
	assert.Equal(t, int64(-32602), failed.ContextMap()["error_code"])
}

func TestMCPRequestLogger_NonToolMethod(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	serveMCP(t, zap.New(core), http.StatusOK,
		`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`)

	require.Equal(t, 1, logs.Len(), "only the completion is logged")
	assert.Equal(t, "tools/list", logs.All()[0].ContextMap()["method"])
}

func TestMCPRequestLogger_MalformedRequest(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	rec := serveMCP(t, zap.New(core), http.StatusBadRequest, `{invalid json`, `{"error":"bad request"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "Unparsed MCP request", logs.All()[0].Message)
}

func TestMCPRequestLogger_LargeResponseIsNotInspected(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	big := `{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"` +
		strings.Repeat("x", maxCapturedResponse) + `"}]}}`

	rec := serveMCP(t, zap.New(core), http.StatusOK,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_session"}}`, big)

	assert.Equal(t, len(big), rec.Body.Len(), "full body reaches the client")
	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "MCP request completed", logs.All()[1].Message)
}

func TestMCPRequestLogger_NilLogger(t *testing.T) {
	called := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(`{}`))
	MCPRequestLogger(nil)(handler).ServeHTTP(httptest.NewRecorder(), req)

	assert.True(t, called)
}

func TestSanitizeArguments(t *testing.T) {
	result := sanitizeArguments(map[string]any{
		"api_key":       "abc123",
		"AccessToken":   "xyz789",
		"question":      strings.Repeat("x", 250),
		"corrected_sql": "SELECT * FROM shop.customers WHERE email = 'ann@example.com'",
		"user_id":       "analyst-7",
		"rating":        float64(4),
		"max_steps":     nil,
	})

	assert.Equal(t, "[REDACTED]", result["api_key"])
	assert.Equal(t, "[REDACTED]", result["AccessToken"])

	question := result["question"].(string)
	assert.Len(t, question, maxArgumentLogLength+3)
	assert.True(t, strings.HasSuffix(question, "..."))

	sql := result["corrected_sql"].(string)
	assert.NotContains(t, sql, "ann@example.com")
	assert.Contains(t, sql, "shop.customers")

	assert.NotEqual(t, "analyst-7", result["user_id"])
	assert.Equal(t, float64(4), result["rating"])
	assert.Nil(t, result["max_steps"])

	assert.Nil(t, sanitizeArguments(nil))
}
