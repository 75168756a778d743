package handlers

import (
	"net/http"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nlq/pkg/config"
	"github.com/ekaya-inc/ekaya-nlq/pkg/mcp"
	"github.com/ekaya-inc/ekaya-nlq/pkg/middleware"
)

// maxMCPRequestBytes caps a JSON-RPC request body. Corrected SQL is the
// largest argument any pipeline tool takes.
const maxMCPRequestBytes = 1 << 20

// MCPHandler serves the pipeline's MCP tools over streamable HTTP.
type MCPHandler struct {
	httpServer *server.StreamableHTTPServer
	logger     *zap.Logger
	mcpConfig  config.MCPConfig
}

// NewMCPHandler creates a handler for mcpServer.
func NewMCPHandler(mcpServer *mcp.Server, logger *zap.Logger, mcpConfig config.MCPConfig) *MCPHandler {
	return &MCPHandler{
		httpServer: mcpServer.NewStreamableHTTPServer(),
		logger:     logger,
		mcpConfig:  mcpConfig,
	}
}

// RegisterRoutes mounts POST /mcp. Other methods get 405 from the mux;
// the server is stateless, so there is no GET event stream to offer.
func (h *MCPHandler) RegisterRoutes(mux *http.ServeMux) {
	var handler http.Handler = h.httpServer
	if h.mcpConfig.LogRequests {
		handler = middleware.MCPRequestLogger(h.logger)(handler)
	}
	mux.Handle("POST /mcp", limitBody(handler, maxMCPRequestBytes))
}

func limitBody(next http.Handler, n int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, n)
		next.ServeHTTP(w, r)
	})
}
