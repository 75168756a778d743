package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/liushuangls/go-anthropic/v2"
	"go.uber.org/zap"
)

const defaultAnthropicMaxTokens = 2048

// AnthropicClient is a Provider backed by the Anthropic Messages API.
type AnthropicClient struct {
	client    *anthropic.Client
	name      string
	endpoint  string
	model     string
	maxTokens int
	logger    *zap.Logger
}

// NewAnthropicClient creates a client for the Anthropic Messages API.
func NewAnthropicClient(cfg *Config, maxTokens int, logger *zap.Logger) (*AnthropicClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	var opts []anthropic.ClientOption
	endpoint := "https://api.anthropic.com/v1"
	if cfg.Endpoint != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.Endpoint))
		endpoint = cfg.Endpoint
	}
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	name := cfg.Name
	if name == "" {
		name = "anthropic"
	}

	return &AnthropicClient{
		client:    anthropic.NewClient(cfg.APIKey, opts...),
		name:      name,
		endpoint:  endpoint,
		model:     cfg.Model,
		maxTokens: maxTokens,
		logger:    logger.Named("llm").With(zap.String("provider", name)),
	}, nil
}

// Name implements Provider.
func (c *AnthropicClient) Name() string { return c.name }

// Model implements Provider.
func (c *AnthropicClient) Model() string { return c.model }

// Generate implements Provider.
func (c *AnthropicClient) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	temperature := float32(req.Temperature)
	prompt := req.Prompt

	start := time.Now()
	resp, err := c.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:       anthropic.Model(c.model),
		System:      req.System,
		MaxTokens:   maxTokens,
		Temperature: &temperature,
		Messages: []anthropic.Message{
			{Role: anthropic.RoleUser, Content: []anthropic.MessageContent{
				{Type: "text", Text: &prompt},
			}},
		},
	})
	elapsed := time.Since(start)
	if err != nil {
		c.logger.Warn("LLM request failed",
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return nil, c.wrapError(err)
	}

	content := extractText(resp)
	if content == "" {
		return nil, c.wrapError(NewError(ErrorTypeUnknown, "no text content in response", false, nil))
	}

	return &GenerateResponse{
		Content:          content,
		Model:            c.model,
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		Latency:          elapsed,
	}, nil
}

// Ping implements Provider with a one-token message.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	ping := "ping"
	_, err := c.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:     anthropic.Model(c.model),
		MaxTokens: 1,
		Messages: []anthropic.Message{
			{Role: anthropic.RoleUser, Content: []anthropic.MessageContent{
				{Type: "text", Text: &ping},
			}},
		},
	})
	if err != nil {
		return c.wrapError(err)
	}
	return nil
}

func (c *AnthropicClient) wrapError(err error) error {
	llmErr := ClassifyError(err)
	llmErr.Provider = c.name
	llmErr.Model = c.model
	llmErr.Endpoint = c.endpoint
	return llmErr
}

func extractText(resp anthropic.MessagesResponse) string {
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != nil {
			return *block.Text
		}
	}
	return ""
}

var _ Provider = (*AnthropicClient)(nil)
