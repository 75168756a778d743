package models

import (
	"time"

	"github.com/google/uuid"
)

// AttemptKind distinguishes a fresh generation from an in-place execution retry.
type AttemptKind string

const (
	AttemptKindGenerate     AttemptKind = "generate"
	AttemptKindExecuteRetry AttemptKind = "execute_retry"
)

// AttemptOutcome is how a single attempt ended.
type AttemptOutcome string

const (
	OutcomeSucceeded          AttemptOutcome = "succeeded"
	OutcomeGenerationFailed   AttemptOutcome = "generation_failed"
	OutcomeRejected           AttemptOutcome = "rejected"
	OutcomeOverBudget         AttemptOutcome = "over_budget"
	OutcomeExecutionTransient AttemptOutcome = "execution_transient"
	OutcomeExecutionFatal     AttemptOutcome = "execution_fatal"
	OutcomeNoProvider         AttemptOutcome = "no_provider"
)

// Cause maps an attempt outcome to the failure taxonomy.
func (o AttemptOutcome) Cause() FailureCause {
	switch o {
	case OutcomeGenerationFailed:
		return CauseGenerationFailure
	case OutcomeRejected:
		return CauseValidationRejected
	case OutcomeOverBudget:
		return CauseBudgetExceeded
	case OutcomeExecutionTransient:
		return CauseExecutionTransient
	case OutcomeExecutionFatal:
		return CauseExecutionFatal
	case OutcomeNoProvider:
		return CauseNoProviderAvailable
	}
	return CauseNone
}

// TokenUsage is the provider-reported token accounting for one call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// QueryAttempt is one immutable generate/validate/estimate/execute cycle.
type QueryAttempt struct {
	ID                uuid.UUID            `json:"id"`
	SessionID         uuid.UUID            `json:"session_id"`
	Sequence          int                  `json:"sequence"`
	Kind              AttemptKind          `json:"kind"`
	Provider          string               `json:"provider,omitempty"`
	Model             string               `json:"model,omitempty"`
	PromptVersion     string               `json:"prompt_version,omitempty"`
	SQL               string               `json:"sql,omitempty"`
	Rationale         string               `json:"rationale,omitempty"`
	Citations         []string             `json:"citations,omitempty"`
	Validation        *ValidationResult    `json:"validation,omitempty"`
	Cost              *CostEstimate        `json:"cost,omitempty"`
	Execution         *ExecutionResultMeta `json:"execution,omitempty"`
	Outcome           AttemptOutcome       `json:"outcome"`
	FailureCause      FailureCause         `json:"failure_cause,omitempty"`
	ErrorCode         string               `json:"error_code,omitempty"`
	LatencyMs         int64                `json:"latency_ms"`
	TokenUsage        TokenUsage           `json:"token_usage"`
	IsResult          bool                 `json:"is_result"`
	RetrievalDegraded bool                 `json:"retrieval_degraded,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
}

// ValidationOutcome is the binary validator decision.
type ValidationOutcome string

const (
	ValidationValid    ValidationOutcome = "valid"
	ValidationRejected ValidationOutcome = "rejected"
)

// Validation rule identifiers.
const (
	RuleWriteOperation      = "write_operation"
	RuleMultipleStatements  = "multiple_statements"
	RuleDisallowedObject    = "disallowed_object"
	RuleUnknownColumn       = "unknown_column"
	RuleDisallowedFunction  = "disallowed_function"
	RuleDisallowedConstruct = "disallowed_construct"
	RuleUnparseable         = "unparseable"
	RuleEmptyStatement      = "empty_statement"
)

// Violation is one reason a statement was rejected.
type Violation struct {
	Rule   string `json:"rule"`
	Detail string `json:"detail"`
}

// ValidationResult is the outcome of validating one SQL statement.
type ValidationResult struct {
	Outcome           ValidationOutcome `json:"outcome"`
	Violations        []Violation       `json:"violations,omitempty"`
	ReferencedObjects []string          `json:"referenced_objects,omitempty"`
	ReferencedColumns []string          `json:"referenced_columns,omitempty"`
	NormalizedSQL     string            `json:"normalized_sql,omitempty"`
	HasLimit          bool              `json:"has_limit"`
	Warnings          []string          `json:"warnings,omitempty"`
}

// IsValid reports whether the statement may proceed to cost estimation.
func (v *ValidationResult) IsValid() bool {
	return v != nil && v.Outcome == ValidationValid
}

// HasRule reports whether a violation with the given rule was recorded.
func (v *ValidationResult) HasRule(rule string) bool {
	if v == nil {
		return false
	}
	for _, violation := range v.Violations {
		if violation.Rule == rule {
			return true
		}
	}
	return false
}

// CostDecision is the binary cost guard decision.
type CostDecision string

const (
	CostWithinBudget CostDecision = "within_budget"
	CostOverBudget   CostDecision = "over_budget"
)

// CostThreshold bounds a single query. Zero disables a dimension.
type CostThreshold struct {
	MaxRows int64   `json:"max_rows"`
	MaxCost float64 `json:"max_cost"`
}

// CostEstimate is the pre-execution estimate and decision.
type CostEstimate struct {
	EstimatedRows   int64         `json:"estimated_rows"`
	EstimatedCost   float64       `json:"estimated_cost"`
	EstimatedBytes  *int64        `json:"estimated_bytes,omitempty"`
	Decision        CostDecision  `json:"decision"`
	Threshold       CostThreshold `json:"threshold"`
	ThresholdSource string        `json:"threshold_source"`
	PlanHints       []string      `json:"plan_hints,omitempty"`
}

// IsWithinBudget reports whether execution is permitted.
func (c *CostEstimate) IsWithinBudget() bool {
	return c != nil && c.Decision == CostWithinBudget
}

// ExecutionResultMeta is the persisted summary of an execution.
type ExecutionResultMeta struct {
	RowCount     int    `json:"row_count"`
	DurationMs   int64  `json:"duration_ms"`
	BytesScanned *int64 `json:"bytes_scanned,omitempty"`
	Truncated    bool   `json:"truncated"`
	RowCap       int    `json:"row_cap"`
}
