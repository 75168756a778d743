package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-nlq/pkg/database"
	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

// FeedbackRepository stores user feedback on terminal sessions.
type FeedbackRepository interface {
	Create(ctx context.Context, f *models.Feedback) error
	// CreateWithExample stores an accepted correction together with the
	// example it produced. Either both rows are written or neither is.
	CreateWithExample(ctx context.Context, f *models.Feedback, ex *models.Example) error
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*models.Feedback, error)
}

type feedbackRepository struct {
	db *database.DB
}

// NewFeedbackRepository creates a pgx-backed FeedbackRepository.
func NewFeedbackRepository(db *database.DB) FeedbackRepository {
	return &feedbackRepository{db: db}
}

var _ FeedbackRepository = (*feedbackRepository)(nil)

func (r *feedbackRepository) Create(ctx context.Context, f *models.Feedback) error {
	return insertFeedback(ctx, r.db, f)
}

func (r *feedbackRepository) CreateWithExample(ctx context.Context, f *models.Feedback, ex *models.Example) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if err := insertExample(ctx, tx, ex); err != nil {
			return err
		}
		f.ExampleID = &ex.ID
		return insertFeedback(ctx, tx, f)
	})
}

func insertFeedback(ctx context.Context, db execer, f *models.Feedback) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	if f.CorrectionStatus == "" {
		f.CorrectionStatus = models.CorrectionNone
	}

	_, err := db.Exec(ctx, `
		INSERT INTO nlq_feedback (
			id, session_id, user_id, rating, corrected_sql, comment,
			correction_status, correction_violations, example_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		f.ID, f.SessionID, f.UserID, f.Rating, f.CorrectedSQL, f.Comment,
		f.CorrectionStatus, jsonbOrNil(f.CorrectionViolations), f.ExampleID, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create feedback: %w", err)
	}
	return nil
}

func (r *feedbackRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*models.Feedback, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, session_id, user_id, rating, corrected_sql, comment,
			correction_status, correction_violations, example_id, created_at
		FROM nlq_feedback WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	defer rows.Close()

	var out []*models.Feedback
	for rows.Next() {
		var f models.Feedback
		if err := rows.Scan(&f.ID, &f.SessionID, &f.UserID, &f.Rating, &f.CorrectedSQL, &f.Comment,
			&f.CorrectionStatus, &f.CorrectionViolations, &f.ExampleID, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// jsonbOrNil stores empty slices as NULL.
func jsonbOrNil[T any](v []T) any {
	if len(v) == 0 {
		return nil
	}
	return v
}
