package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

// ProviderHealthSource reports the provider breakers.
type ProviderHealthSource interface {
	Snapshot() []models.ProviderHealth
}

type healthResult struct {
	Status    string                  `json:"status"`
	Version   string                  `json:"version"`
	Providers []models.ProviderHealth `json:"providers"`
}

// RegisterHealthTool adds a health check tool to the MCP server.
// The status is "degraded" when no provider can take traffic.
func RegisterHealthTool(s *server.MCPServer, version string, providers ProviderHealthSource) {
	tool := mcp.NewTool(
		"health",
		mcp.WithDescription("Returns server health status, version and LLM provider health"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		snapshot := providers.Snapshot()
		status := "degraded"
		for _, p := range snapshot {
			if p.State != models.ProviderUnhealthy {
				status = "ok"
				break
			}
		}
		if snapshot == nil {
			snapshot = []models.ProviderHealth{}
		}
		return jsonResult(healthResult{Status: status, Version: version, Providers: snapshot})
	})
}
