package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

type staticHealth []models.ProviderHealth

func (s staticHealth) Snapshot() []models.ProviderHealth { return s }

func newTestServer() *server.MCPServer {
	return server.NewMCPServer("test", "1.0.0", server.WithToolCapabilities(true))
}

// listTools returns the registered tool names via tools/list.
func listTools(t *testing.T, s *server.MCPServer) []string {
	t.Helper()
	result := s.HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","method":"tools/list","id":1}`))
	resultBytes, err := json.Marshal(result)
	require.NoError(t, err)

	var response struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(resultBytes, &response))

	names := make([]string, 0, len(response.Result.Tools))
	for _, tool := range response.Result.Tools {
		names = append(names, tool.Name)
	}
	return names
}

// callTool invokes a tool via tools/call and returns its text content and
// whether the result was flagged as an error.
func callTool(t *testing.T, s *server.MCPServer, name string, args map[string]any) (string, bool) {
	t.Helper()
	msg, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  map[string]any{"name": name, "arguments": args},
	})
	require.NoError(t, err)

	result := s.HandleMessage(context.Background(), msg)
	resultBytes, err := json.Marshal(result)
	require.NoError(t, err)

	var response struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(resultBytes, &response))
	if response.Error != nil {
		return response.Error.Message, true
	}
	require.NotEmpty(t, response.Result.Content, "expected content in response")
	return response.Result.Content[0].Text, response.Result.IsError
}

func TestRegisterHealthTool(t *testing.T) {
	s := newTestServer()
	RegisterHealthTool(s, "test-version", staticHealth(nil))

	assert.Contains(t, listTools(t, s), "health")
}

func TestHealthTool_Execute(t *testing.T) {
	s := newTestServer()
	RegisterHealthTool(s, "1.2.3", staticHealth{
		{Provider: "primary", State: models.ProviderUnhealthy},
		{Provider: "fallback", State: models.ProviderHealthy},
	})

	text, isError := callTool(t, s, "health", nil)
	require.False(t, isError)

	var health healthResult
	require.NoError(t, json.Unmarshal([]byte(text), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "1.2.3", health.Version)
	assert.Len(t, health.Providers, 2)
}

func TestHealthTool_DegradedWithoutProviders(t *testing.T) {
	s := newTestServer()
	RegisterHealthTool(s, `1.0.0-beta"test`, staticHealth{{Provider: "primary", State: models.ProviderUnhealthy}})

	text, _ := callTool(t, s, "health", nil)

	var health healthResult
	require.NoError(t, json.Unmarshal([]byte(text), &health))
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, `1.0.0-beta"test`, health.Version)
}
