package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nlq/pkg/jsonutil"
	"github.com/ekaya-inc/ekaya-nlq/pkg/llm"
	"github.com/ekaya-inc/ekaya-nlq/pkg/logging"
	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
	"github.com/ekaya-inc/ekaya-nlq/pkg/prompts"
	"github.com/ekaya-inc/ekaya-nlq/pkg/retry"
)

// Generation failure codes recorded on attempts.
const (
	GenCodeTimeout             = "timeout"
	GenCodeTransport           = "transport_error"
	GenCodeMalformed           = "malformed_response"
	GenCodeEmptySQL            = "empty_sql"
	GenCodeProviderUnavailable = "provider_unavailable"
	GenCodeCancelled           = "cancelled"
)

// generationResponseSchema is the contract for the model's JSON answer.
const generationResponseSchema = `{
  "type": "object",
  "required": ["sql"],
  "properties": {
    "sql": {"type": "string"},
    "rationale": {"type": "string"},
    "citations": {"type": "array", "items": {"type": ["string", "number"]}},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

var generationSchemaLoader = gojsonschema.NewStringLoader(generationResponseSchema)

// ProviderCaller calls named providers through their health circuits.
type ProviderCaller interface {
	Get(name string) (llm.Provider, bool)
	Generate(ctx context.Context, name string, req *llm.GenerateRequest) (*llm.GenerateResponse, error)
}

// GenerationRequest asks one provider for SQL.
type GenerationRequest struct {
	Provider string
	Question string
	Context  *AssembledContext
	// Hints carry validator reasons or cost hints from earlier attempts.
	Hints []string
}

// GenerationResult is a parsed, non-empty SQL proposal.
type GenerationResult struct {
	SQL           string
	Rationale     string
	Citations     []string
	Confidence    *float64
	Provider      string
	Model         string
	PromptVersion string
	Latency       time.Duration
	Usage         models.TokenUsage
}

// GenerationError is a failed generation. Latency and usage are still
// accounted so the attempt log stays complete.
type GenerationError struct {
	Code          string
	Provider      string
	Model         string
	PromptVersion string
	Latency       time.Duration
	Usage         models.TokenUsage
	Err           error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed (%s, provider=%s): %v", e.Code, e.Provider, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

type generationPayload struct {
	SQL        string            `json:"sql"`
	Rationale  string            `json:"rationale"`
	Citations  []json.RawMessage `json:"citations"`
	Confidence *float64          `json:"confidence"`
}

// SQLGenerator turns an assembled context into a SQL proposal.
type SQLGenerator struct {
	providers   ProviderCaller
	timeout     time.Duration
	temperature float64
	maxTokens   int
	retryConfig *retry.Config
	logger      *zap.Logger
}

// SQLGeneratorConfig tunes generation calls.
type SQLGeneratorConfig struct {
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
}

// NewSQLGenerator creates a generator.
func NewSQLGenerator(providers ProviderCaller, cfg SQLGeneratorConfig, logger *zap.Logger) *SQLGenerator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &SQLGenerator{
		providers:   providers,
		timeout:     cfg.Timeout,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		retryConfig: retry.Immediate(1),
		logger:      logger.Named("generator"),
	}
}

// Generate calls the requested provider once, with one immediate retry for
// retryable transport errors. Timeouts are not retried. Every failure is a
// *GenerationError.
func (g *SQLGenerator) Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	genErr := &GenerationError{Provider: req.Provider, PromptVersion: prompts.SQLGenerationVersion}
	if p, ok := g.providers.Get(req.Provider); ok {
		genErr.Model = p.Model()
	}

	assembled := req.Context
	if assembled == nil {
		assembled = &AssembledContext{}
	}
	llmReq := &llm.GenerateRequest{
		System:      prompts.BuildSQLGenerationSystemMessage(),
		Prompt:      prompts.BuildSQLGenerationPrompt(assembled.PromptInput(req.Question, req.Hints)),
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
		JSONMode:    true,
	}

	start := time.Now()
	resp, err := retry.DoIfRetryableWithResult(ctx, g.retryConfig, func() (*llm.GenerateResponse, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		r, callErr := g.providers.Generate(callCtx, req.Provider, llmReq)
		if r != nil {
			genErr.Usage.PromptTokens += r.PromptTokens
			genErr.Usage.CompletionTokens += r.CompletionTokens
			genErr.Usage.TotalTokens += r.TotalTokens
		}
		if callErr != nil {
			if errors.Is(callErr, llm.ErrProviderUnavailable) {
				return r, callErr
			}
			classified := llm.ClassifyError(callErr)
			if classified.Type == llm.ErrorTypeTimeout {
				// The per-call timeout already spent the latency budget.
				return r, llm.NewError(llm.ErrorTypeTimeout, classified.Message, false, callErr)
			}
			return r, classified
		}
		return r, nil
	})
	genErr.Latency = time.Since(start)

	if err != nil {
		genErr.Code = generationErrorCode(ctx, err)
		genErr.Err = err
		g.logger.Warn("SQL generation failed",
			zap.String("provider", req.Provider),
			zap.String("code", genErr.Code),
			zap.Duration("latency", genErr.Latency),
			zap.String("error", logging.SanitizeError(err)))
		return nil, genErr
	}
	if resp.Model != "" {
		genErr.Model = resp.Model
	}

	payload, err := parseGenerationPayload(resp.Content)
	if err != nil {
		genErr.Code = GenCodeMalformed
		genErr.Err = err
		g.logger.Warn("Provider returned a malformed response",
			zap.String("provider", req.Provider),
			zap.Error(err))
		return nil, genErr
	}
	if strings.TrimSpace(payload.SQL) == "" {
		genErr.Code = GenCodeEmptySQL
		genErr.Err = errors.New("response contained no SQL")
		return nil, genErr
	}

	return &GenerationResult{
		SQL:           strings.TrimSpace(payload.SQL),
		Rationale:     payload.Rationale,
		Citations:     jsonutil.FlexibleStrings(payload.Citations),
		Confidence:    payload.Confidence,
		Provider:      req.Provider,
		Model:         genErr.Model,
		PromptVersion: prompts.SQLGenerationVersion,
		Latency:       genErr.Latency,
		Usage:         genErr.Usage,
	}, nil
}

// parseGenerationPayload extracts the JSON object from a response and checks
// it against the response schema.
func parseGenerationPayload(content string) (*generationPayload, error) {
	raw, err := llm.ExtractJSON(content)
	if err != nil {
		return nil, err
	}

	result, err := gojsonschema.Validate(generationSchemaLoader, gojsonschema.NewStringLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return nil, fmt.Errorf("response does not match schema: %s", strings.Join(problems, "; "))
	}

	var payload generationPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &payload, nil
}

func generationErrorCode(ctx context.Context, err error) string {
	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return GenCodeCancelled
	case errors.Is(err, llm.ErrProviderUnavailable):
		return GenCodeProviderUnavailable
	case errors.Is(err, context.DeadlineExceeded) || llm.GetErrorType(err) == llm.ErrorTypeTimeout:
		return GenCodeTimeout
	}
	return GenCodeTransport
}
