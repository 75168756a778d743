package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the coarse lifecycle of a query session.
type SessionStatus string

const (
	SessionStatusCreated   SessionStatus = "created"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusSucceeded SessionStatus = "succeeded"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusAbandoned SessionStatus = "abandoned"
)

// IsTerminal reports whether no further attempts may be recorded.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusSucceeded, SessionStatusFailed, SessionStatusAbandoned:
		return true
	}
	return false
}

// SessionState is the orchestrator state machine position.
type SessionState string

const (
	StateCreated         SessionState = "created"
	StateGenerating      SessionState = "generating"
	StateValidating      SessionState = "validating"
	StateCostChecking    SessionState = "cost_checking"
	StateExecuting       SessionState = "executing"
	StateSucceeded       SessionState = "succeeded"
	StateRejected        SessionState = "rejected"
	StateOverBudget      SessionState = "over_budget"
	StateExecutionFailed SessionState = "execution_failed"
	StateExhausted       SessionState = "exhausted"
	StateAbandoned       SessionState = "abandoned"
)

// IsTerminal reports whether the state machine stops in this state.
func (s SessionState) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateRejected, StateOverBudget, StateExecutionFailed, StateExhausted, StateAbandoned:
		return true
	}
	return false
}

// FailureCause is the error taxonomy surfaced to callers.
type FailureCause string

const (
	CauseNone                FailureCause = ""
	CauseGenerationFailure   FailureCause = "GenerationFailure"
	CauseValidationRejected  FailureCause = "ValidationRejected"
	CauseBudgetExceeded      FailureCause = "BudgetExceeded"
	CauseExecutionTransient  FailureCause = "ExecutionTransient"
	CauseExecutionFatal      FailureCause = "ExecutionFatal"
	CauseNoProviderAvailable FailureCause = "NoProviderAvailable"
	CauseIndexUnavailable    FailureCause = "IndexUnavailable"
	CauseCancelled           FailureCause = "Cancelled"
)

// UserMessage returns the canned, user-safe description of a cause.
// Raw provider or database errors never reach callers.
func (c FailureCause) UserMessage() string {
	switch c {
	case CauseGenerationFailure:
		return "The language model did not return a usable query."
	case CauseValidationRejected:
		return "The generated query was rejected by the safety validator."
	case CauseBudgetExceeded:
		return "The generated query was estimated to exceed the cost budget."
	case CauseExecutionTransient:
		return "The data source was temporarily unavailable."
	case CauseExecutionFatal:
		return "The data source rejected the query."
	case CauseNoProviderAvailable:
		return "No language model provider is currently available."
	case CauseIndexUnavailable:
		return "The retrieval index is unavailable."
	case CauseCancelled:
		return "The session was cancelled."
	}
	return ""
}

// QuerySession is one natural-language question and its attempts.
type QuerySession struct {
	ID              uuid.UUID     `json:"id"`
	UserID          string        `json:"user_id"`
	DataSourceID    uuid.UUID     `json:"data_source_id"`
	Question        string        `json:"question"`
	Status          SessionStatus `json:"status"`
	State           SessionState  `json:"state"`
	FailureCause    FailureCause  `json:"failure_cause,omitempty"`
	FailureMessage  string        `json:"failure_message,omitempty"`
	ResultAttemptID *uuid.UUID    `json:"result_attempt_id,omitempty"`
	Confidence      *float64      `json:"confidence,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
}

// NewQuerySession returns a session in the created state.
func NewQuerySession(userID string, dataSourceID uuid.UUID, question string) *QuerySession {
	now := time.Now().UTC()
	return &QuerySession{
		ID:           uuid.New(),
		UserID:       userID,
		DataSourceID: dataSourceID,
		Question:     question,
		Status:       SessionStatusCreated,
		State:        StateCreated,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
