// Package llm provides LLM provider adapters, provider health tracking and
// rule-based provider routing.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// Client is a Provider backed by an OpenAI-compatible endpoint.
type Client struct {
	client   *openai.Client
	name     string
	endpoint string
	model    string
	logger   *zap.Logger
}

// Config holds configuration for creating an OpenAI-compatible client.
type Config struct {
	Name     string // Provider name used in logs and errors
	Endpoint string // Base URL, e.g., "https://api.openai.com/v1"; empty uses the OpenAI default
	Model    string // Model name, e.g., "gpt-4o"
	APIKey   string // Optional for local endpoints
}

// NewClient creates a new OpenAI-compatible LLM client.
func NewClient(cfg *Config, logger *zap.Logger) (*Client, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientConfig.BaseURL = strings.TrimSuffix(cfg.Endpoint, "/")
	}

	name := cfg.Name
	if name == "" {
		name = "openai"
	}

	return &Client{
		client:   openai.NewClientWithConfig(clientConfig),
		name:     name,
		endpoint: clientConfig.BaseURL,
		model:    cfg.Model,
		logger:   logger.Named("llm").With(zap.String("provider", name)),
	}, nil
}

// Name implements Provider.
func (c *Client) Name() string { return c.name }

// Model implements Provider.
func (c *Client) Model() string { return c.model }

// Generate implements Provider.
func (c *Client) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: req.System},
		{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.JSONMode {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	c.logger.Debug("LLM request",
		zap.String("model", c.model),
		zap.Int("prompt_len", len(req.Prompt)),
		zap.Float64("temperature", req.Temperature))

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	elapsed := time.Since(start)
	if err != nil {
		c.logger.Warn("LLM request failed",
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return nil, c.wrapError(err)
	}

	if len(resp.Choices) == 0 {
		return nil, c.wrapError(NewError(ErrorTypeUnknown, "no choices in response", false, nil))
	}

	c.logger.Debug("LLM request completed",
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("elapsed", elapsed))

	return &GenerateResponse{
		Content:          resp.Choices[0].Message.Content,
		Model:            c.model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		Latency:          elapsed,
	}, nil
}

// Ping implements Provider by listing models, which every OpenAI-compatible
// server exposes and which costs no tokens.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return c.wrapError(err)
	}
	return nil
}

func (c *Client) wrapError(err error) error {
	llmErr := ClassifyError(err)
	llmErr.Provider = c.name
	llmErr.Model = c.model
	llmErr.Endpoint = c.endpoint
	return llmErr
}

var _ Provider = (*Client)(nil)
