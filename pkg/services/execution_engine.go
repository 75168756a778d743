package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nlq/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-nlq/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-nlq/pkg/logging"
	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

// ExecutionRequest is an approved statement ready to run.
type ExecutionRequest struct {
	DataSourceID uuid.UUID
	Validation   *models.ValidationResult
	Cost         *models.CostEstimate
}

// ExecutionResult is the rows of a successful execution and its summary.
type ExecutionResult struct {
	Columns []datasource.ColumnInfo    `json:"columns"`
	Rows    []map[string]any           `json:"rows"`
	Meta    models.ExecutionResultMeta `json:"meta"`
}

// ExecutionEngine runs approved statements against target databases.
type ExecutionEngine struct {
	targets TargetResolver
	rowCap  int
	timeout time.Duration
	logger  *zap.Logger
}

// NewExecutionEngine creates an engine. rowCap <= 0 defaults to 1000.
func NewExecutionEngine(targets TargetResolver, rowCap int, timeout time.Duration, logger *zap.Logger) *ExecutionEngine {
	if rowCap <= 0 {
		rowCap = 1000
	}
	return &ExecutionEngine{
		targets: targets,
		rowCap:  rowCap,
		timeout: timeout,
		logger:  logger.Named("execution"),
	}
}

// Execute runs the statement. It re-checks approval itself and returns
// apperrors.ErrNotApproved without touching the target when the statement
// is not valid or not within budget. Target failures are *datasource.ExecError.
func (e *ExecutionEngine) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if !req.Validation.IsValid() {
		return nil, fmt.Errorf("%w: statement failed validation", apperrors.ErrNotApproved)
	}
	if !req.Cost.IsWithinBudget() {
		return nil, fmt.Errorf("%w: statement has no within-budget estimate", apperrors.ErrNotApproved)
	}

	adapter, err := e.targets.Get(req.DataSourceID)
	if err != nil {
		return nil, err
	}

	sqlText := req.Validation.NormalizedSQL
	res, err := adapter.Execute(ctx, sqlText, e.rowCap, e.timeout)
	if err != nil {
		classified := datasource.Classify(err)
		e.logger.Warn("Statement execution failed",
			zap.String("data_source_id", req.DataSourceID.String()),
			zap.String("sql", logging.SanitizeQuery(sqlText)),
			zap.Bool("transient", datasource.IsTransient(classified)),
			zap.String("error", logging.SanitizeError(err)))
		return nil, classified
	}

	e.logger.Debug("Statement executed",
		zap.String("data_source_id", req.DataSourceID.String()),
		zap.Int("rows", res.RowCount),
		zap.Bool("truncated", res.Truncated),
		zap.Duration("duration", res.Duration))

	return &ExecutionResult{
		Columns: res.Columns,
		Rows:    res.Rows,
		Meta: models.ExecutionResultMeta{
			RowCount:   res.RowCount,
			DurationMs: res.Duration.Milliseconds(),
			Truncated:  res.Truncated,
			RowCap:     e.rowCap,
		},
	}, nil
}
