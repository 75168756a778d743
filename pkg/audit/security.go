// Package audit provides security audit logging for SIEM consumption.
// It logs security-relevant events in structured JSON format for easy parsing
// and integration with security information and event management systems.
package audit

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
	nlqsql "github.com/ekaya-inc/ekaya-nlq/pkg/sql"
)

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	// EventUnsafeStatement is logged when a generated statement tries to write
	// or to smuggle in extra statements or denied functions.
	EventUnsafeStatement SecurityEventType = "unsafe_statement"
	// EventSQLInjectionPattern is logged when libinjection flags a string
	// literal of an otherwise valid statement.
	EventSQLInjectionPattern SecurityEventType = "sql_injection_pattern"
	// EventCorrectionRejected is logged when user-supplied corrected SQL
	// breaks a security rule.
	EventCorrectionRejected SecurityEventType = "correction_rejected"
	// EventQueryExecution is logged for executed statements (optional, can be high volume).
	EventQueryExecution SecurityEventType = "query_execution"
)

// securityRules are the validation rules that indicate an unsafe statement
// rather than a plain mistake such as an unknown column.
var securityRules = map[string]bool{
	models.RuleWriteOperation:      true,
	models.RuleMultipleStatements:  true,
	models.RuleDisallowedFunction:  true,
	models.RuleDisallowedConstruct: true,
}

// SecurityEvent represents an auditable security event with all relevant context
// for SIEM ingestion and analysis.
type SecurityEvent struct {
	Timestamp    time.Time         `json:"timestamp"`
	EventType    SecurityEventType `json:"event_type"`
	SessionID    uuid.UUID         `json:"session_id"`
	DataSourceID uuid.UUID         `json:"data_source_id"`
	UserID       string            `json:"user_id,omitempty"`
	Sequence     int               `json:"sequence,omitempty"`
	Provider     string            `json:"provider,omitempty"`
	Details      any               `json:"details"`
	Severity     string            `json:"severity"` // info, warning, critical
}

// SecurityAuditor logs security events for SIEM consumption.
// Events are logged in structured JSON format with appropriate severity levels.
// A nil *SecurityAuditor logs nothing.
type SecurityAuditor struct {
	logger       *zap.Logger
	logExecution bool
}

// NewSecurityAuditor creates a new security auditor with a dedicated logger namespace.
// The logger is automatically configured with "security_audit" namespace for easy
// filtering in SIEM systems. logExecution enables the high-volume execution trail.
func NewSecurityAuditor(logger *zap.Logger, logExecution bool) *SecurityAuditor {
	return &SecurityAuditor{
		logger:       logger.Named("security_audit"),
		logExecution: logExecution,
	}
}

// ObserveAttempt inspects a recorded attempt and logs the security events it
// carries: unsafe rejected statements, injection-like literals, and
// (optionally) executions.
func (a *SecurityAuditor) ObserveAttempt(session *models.QuerySession, attempt *models.QueryAttempt) {
	if a == nil || session == nil || attempt == nil {
		return
	}

	if violations := securityViolations(attempt.Validation); len(violations) > 0 {
		a.emit(newEvent(EventUnsafeStatement, session, attempt, "critical", map[string]any{
			"violations": violations,
		}))
	}

	if warnings := injectionWarnings(attempt.Validation); len(warnings) > 0 {
		a.emit(newEvent(EventSQLInjectionPattern, session, attempt, "warning", map[string]any{
			"warnings": warnings,
		}))
	}

	if a.logExecution && attempt.Outcome == models.OutcomeSucceeded && attempt.Execution != nil {
		a.emit(newEvent(EventQueryExecution, session, attempt, "info", map[string]any{
			"row_count": attempt.Execution.RowCount,
			"truncated": attempt.Execution.Truncated,
		}))
	}
}

// ObserveCorrection logs user-supplied SQL that was rejected for a security
// rule. Corrections rejected only for catalog mismatches are not logged.
func (a *SecurityAuditor) ObserveCorrection(session *models.QuerySession, userID string, violations []models.Violation) {
	if a == nil || session == nil {
		return
	}
	var unsafe []models.Violation
	for _, v := range violations {
		if securityRules[v.Rule] {
			unsafe = append(unsafe, v)
		}
	}
	if len(unsafe) == 0 {
		return
	}

	event := newEvent(EventCorrectionRejected, session, nil, "critical", map[string]any{
		"violations": unsafe,
	})
	event.UserID = userID
	a.emit(event)
}

func newEvent(eventType SecurityEventType, session *models.QuerySession, attempt *models.QueryAttempt, severity string, details any) SecurityEvent {
	event := SecurityEvent{
		Timestamp:    time.Now().UTC(),
		EventType:    eventType,
		SessionID:    session.ID,
		DataSourceID: session.DataSourceID,
		UserID:       session.UserID,
		Details:      details,
		Severity:     severity,
	}
	if attempt != nil {
		event.Sequence = attempt.Sequence
		event.Provider = attempt.Provider
	}
	return event
}

func (a *SecurityAuditor) emit(event SecurityEvent) {
	// Ignoring error as marshaling known types should never fail
	eventJSON, _ := json.Marshal(event)

	fields := []zap.Field{
		zap.String("event_json", string(eventJSON)),
		zap.String("event_type", string(event.EventType)),
		zap.String("session_id", event.SessionID.String()),
		zap.String("data_source_id", event.DataSourceID.String()),
		zap.String("user_id", event.UserID),
		zap.String("severity", event.Severity),
	}

	switch event.Severity {
	case "critical":
		a.logger.Error("Security event", fields...)
	case "warning":
		a.logger.Warn("Security event", fields...)
	default:
		a.logger.Info("Security event", fields...)
	}
}

func securityViolations(v *models.ValidationResult) []models.Violation {
	if v == nil {
		return nil
	}
	var out []models.Violation
	for _, violation := range v.Violations {
		if securityRules[violation.Rule] {
			out = append(out, violation)
		}
	}
	return out
}

func injectionWarnings(v *models.ValidationResult) []string {
	if v == nil {
		return nil
	}
	var out []string
	for _, w := range v.Warnings {
		if strings.HasPrefix(w, nlqsql.InjectionWarningPrefix) {
			out = append(out, w)
		}
	}
	return out
}
