package models

import (
	"time"

	"github.com/google/uuid"
)

// CorrectionStatus tracks what happened to a user-supplied SQL correction.
type CorrectionStatus string

const (
	CorrectionNone     CorrectionStatus = "none"
	CorrectionAccepted CorrectionStatus = "accepted"
	CorrectionRejected CorrectionStatus = "rejected"
)

// Feedback is a user's rating and optional correction for a terminal session.
type Feedback struct {
	ID                   uuid.UUID        `json:"id"`
	SessionID            uuid.UUID        `json:"session_id"`
	UserID               string           `json:"user_id"`
	Rating               int              `json:"rating"`
	CorrectedSQL         *string          `json:"corrected_sql,omitempty"`
	Comment              *string          `json:"comment,omitempty"`
	CorrectionStatus     CorrectionStatus `json:"correction_status"`
	CorrectionViolations []Violation      `json:"correction_violations,omitempty"`
	ExampleID            *uuid.UUID       `json:"example_id,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
}

// Example is a question/SQL pair the retrieval engine can surface as a few-shot hint.
type Example struct {
	ID              uuid.UUID        `json:"id"`
	DataSourceID    uuid.UUID        `json:"data_source_id"`
	Question        string           `json:"question"`
	SQL             string           `json:"sql"`
	QualityScore    float64          `json:"quality_score"`
	Provenance      ProvenanceSource `json:"provenance"`
	SourceSessionID *uuid.UUID       `json:"source_session_id,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}
