package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/ekaya-nlq/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-nlq/pkg/database"
	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

// AttemptRepository is the append-only attempt log. Attempts are never
// updated; the database rejects UPDATEs with a trigger.
type AttemptRepository interface {
	// Append inserts a new attempt. A duplicate (session, sequence) or a
	// second result attempt for a session returns apperrors.ErrConflict.
	Append(ctx context.Context, a *models.QueryAttempt) error
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*models.QueryAttempt, error)
}

type attemptRepository struct {
	db *database.DB
}

// NewAttemptRepository creates a pgx-backed AttemptRepository.
func NewAttemptRepository(db *database.DB) AttemptRepository {
	return &attemptRepository{db: db}
}

var _ AttemptRepository = (*attemptRepository)(nil)

func (r *attemptRepository) Append(ctx context.Context, a *models.QueryAttempt) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	citations := a.Citations
	if citations == nil {
		citations = []string{}
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO nlq_attempts (
			id, session_id, sequence, kind, provider, model, prompt_version,
			sql, rationale, citations, validation, cost, execution,
			outcome, failure_cause, error_code, latency_ms,
			prompt_tokens, completion_tokens, total_tokens,
			is_result, retrieval_degraded, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`,
		a.ID, a.SessionID, a.Sequence, a.Kind, a.Provider, a.Model, a.PromptVersion,
		a.SQL, a.Rationale, citations, a.Validation, a.Cost, a.Execution,
		a.Outcome, a.FailureCause, a.ErrorCode, a.LatencyMs,
		a.TokenUsage.PromptTokens, a.TokenUsage.CompletionTokens, a.TokenUsage.TotalTokens,
		a.IsResult, a.RetrievalDegraded, a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: attempt %d of session %s", apperrors.ErrConflict, a.Sequence, a.SessionID)
		}
		return fmt.Errorf("failed to append attempt: %w", err)
	}
	return nil
}

func (r *attemptRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*models.QueryAttempt, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, session_id, sequence, kind, provider, model, prompt_version,
			sql, rationale, citations, validation, cost, execution,
			outcome, failure_cause, error_code, latency_ms,
			prompt_tokens, completion_tokens, total_tokens,
			is_result, retrieval_degraded, created_at
		FROM nlq_attempts WHERE session_id = $1 ORDER BY sequence`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*models.QueryAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func scanAttempt(row pgx.Row) (*models.QueryAttempt, error) {
	var a models.QueryAttempt
	err := row.Scan(&a.ID, &a.SessionID, &a.Sequence, &a.Kind, &a.Provider, &a.Model, &a.PromptVersion,
		&a.SQL, &a.Rationale, &a.Citations, &a.Validation, &a.Cost, &a.Execution,
		&a.Outcome, &a.FailureCause, &a.ErrorCode, &a.LatencyMs,
		&a.TokenUsage.PromptTokens, &a.TokenUsage.CompletionTokens, &a.TokenUsage.TotalTokens,
		&a.IsResult, &a.RetrievalDegraded, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
