package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nlq/pkg/logging"
)

const maxArgumentLogLength = 200

// maxCapturedResponse bounds how much of a response body is buffered for
// inspection. Larger responses are still written through in full.
const maxCapturedResponse = 64 << 10

// MCPRequestLogger returns middleware that logs JSON-RPC traffic on the MCP
// endpoint. Each tool call gets one debug entry with its sanitized arguments
// and one completion entry carrying the session it touched, whether the tool
// reported an error, and the JSON-RPC error code if the call failed outright.
// A nil logger disables the middleware.
func MCPRequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if logger == nil {
			return next
		}
		log := logger.Named("mcp-http")

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				log.Error("Failed to read MCP request body", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			var req rpcRequest
			if err := json.Unmarshal(body, &req); err != nil {
				// Batches and malformed bodies are left to the MCP server.
				log.Debug("Unparsed MCP request", zap.Int("bytes", len(body)), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.String("rpc_id", string(req.ID)),
			}
			if req.Method == "tools/call" {
				fields = append(fields, zap.String("tool", req.Params.Name))
				log.Debug("MCP tool call",
					append(fields, zap.Any("arguments", sanitizeArguments(req.Params.Arguments)))...)
			}

			capture := &mcpResponseCapture{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(capture, r)

			fields = append(fields,
				zap.Int("status", capture.status),
				zap.Duration("duration", time.Since(start)))

			var resp rpcResponse
			if capture.truncated || json.Unmarshal(capture.body.Bytes(), &resp) != nil {
				log.Debug("MCP request completed", fields...)
				return
			}

			if resp.Error != nil {
				log.Info("MCP request failed", append(fields,
					zap.Int("error_code", resp.Error.Code),
					zap.String("error_message", resp.Error.Message))...)
				return
			}
			if resp.Result != nil && resp.Result.IsError {
				fields = append(fields, zap.Bool("tool_error", true))
			}
			if sessionID := resp.Result.sessionID(); sessionID != "" {
				fields = append(fields, zap.String("session_id", sessionID))
			}
			log.Debug("MCP request completed", fields...)
		})
	}
}

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"params"`
}

type rpcResponse struct {
	Result *rpcResult `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type rpcResult struct {
	IsError bool `json:"isError"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// sessionID pulls the session a pipeline tool answered about out of its
// JSON text content.
func (r *rpcResult) sessionID() string {
	if r == nil {
		return ""
	}
	for _, c := range r.Content {
		if c.Type != "text" {
			continue
		}
		var payload struct {
			SessionID string `json:"session_id"`
			Session   struct {
				ID string `json:"id"`
			} `json:"session"`
		}
		if json.Unmarshal([]byte(c.Text), &payload) != nil {
			continue
		}
		if payload.SessionID != "" {
			return payload.SessionID
		}
		if payload.Session.ID != "" {
			return payload.Session.ID
		}
	}
	return ""
}

// mcpResponseCapture tees the response body into a bounded buffer and
// remembers the status code.
type mcpResponseCapture struct {
	http.ResponseWriter
	status    int
	body      bytes.Buffer
	truncated bool
}

func (c *mcpResponseCapture) WriteHeader(status int) {
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

func (c *mcpResponseCapture) Write(b []byte) (int, error) {
	if room := maxCapturedResponse - c.body.Len(); room > 0 {
		if len(b) > room {
			c.body.Write(b[:room])
			c.truncated = true
		} else {
			c.body.Write(b)
		}
	} else if len(b) > 0 {
		c.truncated = true
	}
	return c.ResponseWriter.Write(b)
}

// Flush keeps streamed responses flowing through the capture.
func (c *mcpResponseCapture) Flush() {
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

var sensitiveArgumentKeywords = []string{"password", "secret", "token", "key", "credential"}

// sanitizeArguments redacts secrets, hashes user identifiers, masks
// literals in SQL arguments and truncates long values.
func sanitizeArguments(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}

	result := make(map[string]any, len(args))
	for k, v := range args {
		lowerKey := strings.ToLower(k)
		if containsAny(lowerKey, sensitiveArgumentKeywords) {
			result[k] = logging.RedactedText
			continue
		}

		str, ok := v.(string)
		switch {
		case !ok:
			result[k] = v
		case lowerKey == "user_id":
			result[k] = logging.HashIdentifier(str)
		case strings.Contains(lowerKey, "sql"):
			result[k] = logging.SanitizeQuery(str)
		default:
			result[k] = logging.TruncateString(str, maxArgumentLogLength)
		}
	}
	return result
}

func containsAny(s string, substrs []string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
