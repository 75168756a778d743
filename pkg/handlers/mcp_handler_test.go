package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nlq/pkg/config"
	"github.com/ekaya-inc/ekaya-nlq/pkg/mcp"
	"github.com/ekaya-inc/ekaya-nlq/pkg/mcp/tools"
	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

func newTestMCPMux(t *testing.T, cfg config.MCPConfig) *http.ServeMux {
	t.Helper()
	logger := zap.NewNop()
	mcpServer := mcp.NewServer("test", "test-version", logger)
	tools.RegisterHealthTool(mcpServer.MCP(), "test-version", staticHealth{
		{Provider: "primary", State: models.ProviderHealthy},
	})
	handler := NewMCPHandler(mcpServer, logger, cfg)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	return mux
}

func TestNewMCPHandler(t *testing.T) {
	logger := zap.NewNop()
	mcpServer := mcp.NewServer("test", "1.0.0", logger)

	cfg := config.MCPConfig{Enabled: true, LogRequests: true, MaxRows: 25}
	handler := NewMCPHandler(mcpServer, logger, cfg)

	if handler.httpServer == nil {
		t.Fatal("expected non-nil http server")
	}
	if handler.mcpConfig != cfg {
		t.Errorf("expected config %+v, got %+v", cfg, handler.mcpConfig)
	}
}

func TestMCPHandler_RegisterRoutes(t *testing.T) {
	mux := newTestMCPMux(t, config.MCPConfig{Enabled: true})

	body := `{"jsonrpc":"2.0","method":"tools/list","id":1}`
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("/mcp: expected status %d, got %d", http.StatusOK, rec.Code)
	}

	var response map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response["jsonrpc"] != "2.0" {
		t.Errorf("expected jsonrpc 2.0, got %v", response["jsonrpc"])
	}
	if response["id"] != float64(1) {
		t.Errorf("expected id 1, got %v", response["id"])
	}
}

func TestMCPHandler_RejectsNonPOST(t *testing.T) {
	mux := newTestMCPMux(t, config.MCPConfig{Enabled: true})

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
	if rec.Header().Get("Allow") != "POST" {
		t.Errorf("expected Allow: POST, got %q", rec.Header().Get("Allow"))
	}
}

func TestLimitBody(t *testing.T) {
	var readErr error
	handler := limitBody(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}), 8)

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(strings.Repeat("x", 9)))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var maxErr *http.MaxBytesError
	if !errors.As(readErr, &maxErr) {
		t.Errorf("expected MaxBytesError, got %v", readErr)
	}
}

func TestMCPHandler_ToolsCall(t *testing.T) {
	mux := newTestMCPMux(t, config.MCPConfig{Enabled: true, LogRequests: true})

	body := `{"jsonrpc":"2.0","method":"tools/call","params":{"name":"health"},"id":1}`
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	var response struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int    `json:"id"`
		Result  struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"result"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if len(response.Result.Content) == 0 {
		t.Fatal("expected content in response")
	}

	var healthResult struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal([]byte(response.Result.Content[0].Text), &healthResult); err != nil {
		t.Fatalf("failed to unmarshal health result: %v", err)
	}

	if healthResult.Status != "ok" {
		t.Errorf("expected status 'ok', got '%s'", healthResult.Status)
	}
	if healthResult.Version != "test-version" {
		t.Errorf("expected version 'test-version', got '%s'", healthResult.Version)
	}
}
