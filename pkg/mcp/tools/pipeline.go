package tools

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
	"github.com/ekaya-inc/ekaya-nlq/pkg/services"
)

// SessionRunner creates and runs query sessions.
type SessionRunner interface {
	Create(ctx context.Context, userID string, dataSourceID uuid.UUID, question string) (*models.QuerySession, error)
	Run(ctx context.Context, sessionID uuid.UUID, opts services.RunOptions) (*services.RunResult, error)
	Get(ctx context.Context, sessionID uuid.UUID) (*services.RunResult, error)
}

// FeedbackSubmitter records feedback on finished sessions.
type FeedbackSubmitter interface {
	Submit(ctx context.Context, sessionID uuid.UUID, req services.FeedbackRequest) (*models.Feedback, error)
}

// PipelineToolDeps contains the dependencies for the query pipeline tools.
type PipelineToolDeps struct {
	Sessions SessionRunner
	Feedback FeedbackSubmitter
	// MaxRows caps the rows copied into a tool result. Zero means 100.
	MaxRows int
	Logger  *zap.Logger
}

const defaultToolRows = 100

// answer is the tool-facing view of a session: the accepted statement and
// its rows on success, the cause and canned message on failure.
type answer struct {
	SessionID      uuid.UUID            `json:"session_id"`
	Status         models.SessionStatus `json:"status"`
	Done           bool                 `json:"done"`
	SQL            string               `json:"sql,omitempty"`
	Rationale      string               `json:"rationale,omitempty"`
	Confidence     *float64             `json:"confidence,omitempty"`
	Columns        []string             `json:"columns,omitempty"`
	Rows           []map[string]any     `json:"rows,omitempty"`
	RowCount       int                  `json:"row_count"`
	Truncated      bool                 `json:"truncated,omitempty"`
	FailureCause   models.FailureCause  `json:"failure_cause,omitempty"`
	FailureMessage string               `json:"failure_message,omitempty"`
	Attempts       []attemptSummary     `json:"attempts"`
}

type attemptSummary struct {
	Sequence  int                   `json:"sequence"`
	Kind      models.AttemptKind    `json:"kind"`
	Provider  string                `json:"provider,omitempty"`
	Outcome   models.AttemptOutcome `json:"outcome"`
	ErrorCode string                `json:"error_code,omitempty"`
}

func toAnswer(r *services.RunResult, maxRows int) answer {
	a := answer{
		SessionID:      r.Session.ID,
		Status:         r.Session.Status,
		Done:           r.Done,
		Confidence:     r.Session.Confidence,
		FailureCause:   r.Session.FailureCause,
		FailureMessage: r.Session.FailureMessage,
		Attempts:       make([]attemptSummary, 0, len(r.Attempts)),
	}
	for _, at := range r.Attempts {
		a.Attempts = append(a.Attempts, attemptSummary{
			Sequence:  at.Sequence,
			Kind:      at.Kind,
			Provider:  at.Provider,
			Outcome:   at.Outcome,
			ErrorCode: at.ErrorCode,
		})
		if at.IsResult {
			a.SQL = at.SQL
			a.Rationale = at.Rationale
		}
	}
	if r.Result != nil {
		for _, c := range r.Result.Columns {
			a.Columns = append(a.Columns, c.Name)
		}
		a.RowCount = len(r.Result.Rows)
		a.Truncated = r.Result.Meta.Truncated
		a.Rows = r.Result.Rows
		if len(a.Rows) > maxRows {
			a.Rows = a.Rows[:maxRows]
			a.Truncated = true
		}
	}
	return a
}

// RegisterPipelineTools registers ask_question, get_session and
// submit_feedback.
func RegisterPipelineTools(s *server.MCPServer, deps *PipelineToolDeps) {
	maxRows := deps.MaxRows
	if maxRows <= 0 {
		maxRows = defaultToolRows
	}
	registerAskQuestionTool(s, deps, maxRows)
	registerGetSessionTool(s, deps, maxRows)
	registerSubmitFeedbackTool(s, deps)
}

func registerAskQuestionTool(s *server.MCPServer, deps *PipelineToolDeps, maxRows int) {
	tool := mcp.NewTool(
		"ask_question",
		mcp.WithDescription(
			"Answer a natural-language question against a data source. "+
				"The question is translated to read-only SQL, validated, cost-checked and executed. "+
				"Returns the SQL, rows, and the attempt history. "+
				"If done is false, call get_session with the returned session_id to continue."),
		mcp.WithString(
			"data_source_id",
			mcp.Required(),
			mcp.Description("UUID of the data source to query"),
		),
		mcp.WithString(
			"question",
			mcp.Required(),
			mcp.Description("The question in plain language (e.g. 'top 10 customers by revenue last quarter')"),
		),
		mcp.WithString(
			"user_id",
			mcp.Description("Identifier of the end user asking the question"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dsID, err := requireUUID(req, "data_source_id")
		if err != nil {
			return NewErrorResult("invalid_parameters", err.Error()), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return NewErrorResult("invalid_parameters", err.Error()), nil
		}

		session, err := deps.Sessions.Create(ctx, trimString(getOptionalString(req, "user_id")), dsID, question)
		if err != nil {
			if res := inputErrorResult(err); res != nil {
				return res, nil
			}
			return nil, fmt.Errorf("failed to create session: %w", err)
		}

		result, err := deps.Sessions.Run(ctx, session.ID, services.RunOptions{})
		if err != nil {
			if res := inputErrorResult(err); res != nil {
				return res, nil
			}
			deps.Logger.Warn("ask_question run interrupted",
				zap.String("session_id", session.ID.String()),
				zap.Error(err))
			return NewErrorResultWithDetails("run_interrupted",
				"the run stopped before finishing; call get_session to resume",
				map[string]any{"session_id": session.ID}), nil
		}
		return jsonResult(toAnswer(result, maxRows))
	})
}

func registerGetSessionTool(s *server.MCPServer, deps *PipelineToolDeps, maxRows int) {
	tool := mcp.NewTool(
		"get_session",
		mcp.WithDescription(
			"Get a query session with its attempts. With resume=true an unfinished session "+
				"continues from its last recorded attempt."),
		mcp.WithString(
			"session_id",
			mcp.Required(),
			mcp.Description("UUID of the session returned by ask_question"),
		),
		mcp.WithBoolean(
			"resume",
			mcp.Description("Continue an unfinished session (default: false)"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := requireUUID(req, "session_id")
		if err != nil {
			return NewErrorResult("invalid_parameters", err.Error()), nil
		}

		result, err := deps.Sessions.Get(ctx, sessionID)
		if err != nil {
			if res := inputErrorResult(err); res != nil {
				return res, nil
			}
			return nil, fmt.Errorf("failed to get session: %w", err)
		}

		if req.GetBool("resume", false) && !result.Done {
			result, err = deps.Sessions.Run(ctx, sessionID, services.RunOptions{})
			if err != nil {
				if res := inputErrorResult(err); res != nil {
					return res, nil
				}
				return nil, fmt.Errorf("failed to resume session: %w", err)
			}
		}
		return jsonResult(toAnswer(result, maxRows))
	})
}

type feedbackResult struct {
	FeedbackID       uuid.UUID               `json:"feedback_id"`
	CorrectionStatus models.CorrectionStatus `json:"correction_status"`
	Violations       []models.Violation      `json:"violations,omitempty"`
	ExampleID        *uuid.UUID              `json:"example_id,omitempty"`
}

func registerSubmitFeedbackTool(s *server.MCPServer, deps *PipelineToolDeps) {
	tool := mcp.NewTool(
		"submit_feedback",
		mcp.WithDescription(
			"Rate the answer of a finished session and optionally supply corrected SQL. "+
				"A correction that passes validation is used as an example for similar future questions."),
		mcp.WithString(
			"session_id",
			mcp.Required(),
			mcp.Description("UUID of a finished session"),
		),
		mcp.WithNumber(
			"rating",
			mcp.Required(),
			mcp.Description("Rating from 1 (wrong) to 5 (exactly right)"),
		),
		mcp.WithString(
			"corrected_sql",
			mcp.Description("A corrected read-only SELECT statement"),
		),
		mcp.WithString(
			"comment",
			mcp.Description("Free-text comment"),
		),
		mcp.WithString(
			"user_id",
			mcp.Description("Identifier of the end user giving feedback"),
		),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := requireUUID(req, "session_id")
		if err != nil {
			return NewErrorResult("invalid_parameters", err.Error()), nil
		}
		rating, ok := getOptionalFloat(req, "rating")
		if !ok {
			return NewErrorResult("invalid_parameters", "rating is required"), nil
		}

		fr := services.FeedbackRequest{
			UserID: trimString(getOptionalString(req, "user_id")),
			Rating: int(rating),
		}
		if v := getOptionalString(req, "corrected_sql"); trimString(v) != "" {
			fr.CorrectedSQL = &v
		}
		if v := getOptionalString(req, "comment"); trimString(v) != "" {
			fr.Comment = &v
		}

		fb, err := deps.Feedback.Submit(ctx, sessionID, fr)
		if err != nil {
			if res := inputErrorResult(err); res != nil {
				return res, nil
			}
			return nil, fmt.Errorf("failed to submit feedback: %w", err)
		}
		return jsonResult(feedbackResult{
			FeedbackID:       fb.ID,
			CorrectionStatus: fb.CorrectionStatus,
			Violations:       fb.CorrectionViolations,
			ExampleID:        fb.ExampleID,
		})
	})
}
