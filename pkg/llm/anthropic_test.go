package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAnthropicClient_Generate(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/messages"), r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"content": [{"type": "text", "text": "{\"sql\":\"SELECT 2\"}"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 40, "output_tokens": 9}
		}`))
	}))
	defer server.Close()

	client, err := NewAnthropicClient(&Config{Name: "claude", Endpoint: server.URL, Model: "claude-test", APIKey: "k"}, 512, zap.NewNop())
	require.NoError(t, err)

	resp, err := client.Generate(context.Background(), &GenerateRequest{System: "sys", Prompt: "q"})
	require.NoError(t, err)
	assert.Equal(t, `{"sql":"SELECT 2"}`, resp.Content)
	assert.Equal(t, 40, resp.PromptTokens)
	assert.Equal(t, 9, resp.CompletionTokens)
	assert.Equal(t, 49, resp.TotalTokens)
	assert.Equal(t, "sys", gotBody["system"])
	assert.EqualValues(t, 512, gotBody["max_tokens"])
}

func TestAnthropicClient_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type": "error", "error": {"type": "rate_limit_error", "message": "Rate limit exceeded"}}`))
	}))
	defer server.Close()

	client, err := NewAnthropicClient(&Config{Endpoint: server.URL, Model: "m", APIKey: "k"}, 0, zap.NewNop())
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), &GenerateRequest{Prompt: "q"})
	require.Error(t, err)
	assert.Equal(t, ErrorTypeRateLimited, GetErrorType(err))
	assert.True(t, IsRetryable(err))
}

func TestNewAnthropicClient_Validation(t *testing.T) {
	_, err := NewAnthropicClient(&Config{Model: "m"}, 0, zap.NewNop())
	assert.Error(t, err, "api key is required")

	_, err = NewAnthropicClient(&Config{APIKey: "k"}, 0, zap.NewNop())
	assert.Error(t, err, "model is required")
}
