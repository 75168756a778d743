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

// ExampleRepository manages the question/SQL example corpus.
type ExampleRepository interface {
	Create(ctx context.Context, ex *models.Example) error
	Get(ctx context.Context, id uuid.UUID) (*models.Example, error)
	ListByDataSource(ctx context.Context, dataSourceID uuid.UUID) ([]models.Example, error)
}

type exampleRepository struct {
	db *database.DB
}

// NewExampleRepository creates a pgx-backed ExampleRepository.
func NewExampleRepository(db *database.DB) ExampleRepository {
	return &exampleRepository{db: db}
}

var _ ExampleRepository = (*exampleRepository)(nil)

func (r *exampleRepository) Create(ctx context.Context, ex *models.Example) error {
	return insertExample(ctx, r.db, ex)
}

// execer is satisfied by the pool and by pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertExample(ctx context.Context, db execer, ex *models.Example) error {
	if ex.ID == uuid.Nil {
		ex.ID = uuid.New()
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now().UTC()
	}
	if !ex.Provenance.IsValid() {
		return fmt.Errorf("invalid example provenance %q", ex.Provenance)
	}

	_, err := db.Exec(ctx, `
		INSERT INTO nlq_examples (id, data_source_id, question, sql, quality_score, provenance, source_session_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ex.ID, ex.DataSourceID, ex.Question, ex.SQL, ex.QualityScore, ex.Provenance, ex.SourceSessionID, ex.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create example: %w", err)
	}
	return nil
}

func (r *exampleRepository) Get(ctx context.Context, id uuid.UUID) (*models.Example, error) {
	var ex models.Example
	err := r.db.QueryRow(ctx, `
		SELECT id, data_source_id, question, sql, quality_score, provenance, source_session_id, created_at
		FROM nlq_examples WHERE id = $1`, id).
		Scan(&ex.ID, &ex.DataSourceID, &ex.Question, &ex.SQL, &ex.QualityScore, &ex.Provenance, &ex.SourceSessionID, &ex.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get example: %w", err)
	}
	return &ex, nil
}

func (r *exampleRepository) ListByDataSource(ctx context.Context, dataSourceID uuid.UUID) ([]models.Example, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, data_source_id, question, sql, quality_score, provenance, source_session_id, created_at
		FROM nlq_examples WHERE data_source_id = $1 ORDER BY created_at, id`, dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list examples: %w", err)
	}
	defer rows.Close()

	var out []models.Example
	for rows.Next() {
		var ex models.Example
		if err := rows.Scan(&ex.ID, &ex.DataSourceID, &ex.Question, &ex.SQL, &ex.QualityScore,
			&ex.Provenance, &ex.SourceSessionID, &ex.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan example: %w", err)
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}
