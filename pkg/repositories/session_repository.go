package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-nlq/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-nlq/pkg/database"
	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

// SessionRepository persists query sessions. Terminal sessions are
// immutable: every update is conditional on a non-terminal status and
// returns apperrors.ErrSessionTerminal when that condition fails.
type SessionRepository interface {
	Create(ctx context.Context, s *models.QuerySession) error
	Get(ctx context.Context, id uuid.UUID) (*models.QuerySession, error)
	UpdateState(ctx context.Context, id uuid.UUID, status models.SessionStatus, state models.SessionState) error
	Complete(ctx context.Context, s *models.QuerySession) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*models.QuerySession, error)
}

type sessionRepository struct {
	db *database.DB
}

// NewSessionRepository creates a pgx-backed SessionRepository.
func NewSessionRepository(db *database.DB) SessionRepository {
	return &sessionRepository{db: db}
}

var _ SessionRepository = (*sessionRepository)(nil)

const sessionColumns = `id, user_id, data_source_id, question, status, state,
	failure_cause, failure_message, result_attempt_id, confidence,
	created_at, updated_at, completed_at`

const nonTerminal = `status IN ('created', 'running')`

func (r *sessionRepository) Create(ctx context.Context, s *models.QuerySession) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	_, err := r.db.Exec(ctx, `
		INSERT INTO nlq_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		s.ID, s.UserID, s.DataSourceID, s.Question, s.Status, s.State,
		s.FailureCause, s.FailureMessage, s.ResultAttemptID, s.Confidence,
		s.CreatedAt, s.UpdatedAt, s.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (r *sessionRepository) Get(ctx context.Context, id uuid.UUID) (*models.QuerySession, error) {
	row := r.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM nlq_sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

func (r *sessionRepository) UpdateState(ctx context.Context, id uuid.UUID, status models.SessionStatus, state models.SessionState) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE nlq_sessions SET status = $2, state = $3, updated_at = now()
		WHERE id = $1 AND `+nonTerminal,
		id, status, state)
	if err != nil {
		return fmt.Errorf("failed to update session state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrTerminal(ctx, id)
	}
	return nil
}

func (r *sessionRepository) Complete(ctx context.Context, s *models.QuerySession) error {
	if !s.Status.IsTerminal() {
		return fmt.Errorf("complete: status %q is not terminal", s.Status)
	}
	now := time.Now().UTC()
	if s.CompletedAt == nil {
		s.CompletedAt = &now
	}
	s.UpdatedAt = now

	tag, err := r.db.Exec(ctx, `
		UPDATE nlq_sessions SET
			status = $2, state = $3, failure_cause = $4, failure_message = $5,
			result_attempt_id = $6, confidence = $7, updated_at = $8, completed_at = $9
		WHERE id = $1 AND `+nonTerminal,
		s.ID, s.Status, s.State, s.FailureCause, s.FailureMessage,
		s.ResultAttemptID, s.Confidence, s.UpdatedAt, s.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to complete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrTerminal(ctx, s.ID)
	}
	return nil
}

func (r *sessionRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*models.QuerySession, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+sessionColumns+` FROM nlq_sessions
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.QuerySession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (r *sessionRepository) missingOrTerminal(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM nlq_sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if !exists {
		return apperrors.ErrNotFound
	}
	return apperrors.ErrSessionTerminal
}

func scanSession(row pgx.Row) (*models.QuerySession, error) {
	var s models.QuerySession
	err := row.Scan(&s.ID, &s.UserID, &s.DataSourceID, &s.Question, &s.Status, &s.State,
		&s.FailureCause, &s.FailureMessage, &s.ResultAttemptID, &s.Confidence,
		&s.CreatedAt, &s.UpdatedAt, &s.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
