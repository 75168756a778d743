package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nlq/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-nlq/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-nlq/pkg/config"
	"github.com/ekaya-inc/ekaya-nlq/pkg/logging"
	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

// Threshold sources recorded on cost estimates.
const (
	ThresholdSourceDataSource = "data_source"
	ThresholdSourceGlobal     = "global"
)

// TargetResolver resolves a data source to its target adapter.
// *datasource.TargetRegistry implements it.
type TargetResolver interface {
	Get(dataSourceID uuid.UUID) (datasource.TargetAdapter, error)
}

// ThresholdSource decides the cost budget of a data source.
type ThresholdSource interface {
	Threshold(ctx context.Context, dataSourceID uuid.UUID) (models.CostThreshold, string)
}

// HintPolicy turns an over-budget estimate into regeneration guidance.
type HintPolicy interface {
	Hint(est *models.CostEstimate) string
}

// ConfigThresholds resolves thresholds from configuration: a data source's
// own limits win per dimension, the global limits fill the rest.
type ConfigThresholds struct {
	global    models.CostThreshold
	overrides map[uuid.UUID]models.CostThreshold
}

// NewConfigThresholds builds a ConfigThresholds. Data sources with an
// unparseable ID are skipped; config validation rejects them earlier.
func NewConfigThresholds(global config.CostGuardConfig, sources []config.DataSourceConfig) *ConfigThresholds {
	t := &ConfigThresholds{
		global:    models.CostThreshold{MaxRows: global.MaxRows, MaxCost: global.MaxCost},
		overrides: make(map[uuid.UUID]models.CostThreshold),
	}
	for i := range sources {
		ds := &sources[i]
		if ds.MaxRows <= 0 && ds.MaxCost <= 0 {
			continue
		}
		id, err := ds.ParsedID()
		if err != nil {
			continue
		}
		t.overrides[id] = models.CostThreshold{MaxRows: ds.MaxRows, MaxCost: ds.MaxCost}
	}
	return t
}

// Threshold implements ThresholdSource.
func (t *ConfigThresholds) Threshold(ctx context.Context, dataSourceID uuid.UUID) (models.CostThreshold, string) {
	o, ok := t.overrides[dataSourceID]
	if !ok {
		return t.global, ThresholdSourceGlobal
	}
	out := t.global
	if o.MaxRows > 0 {
		out.MaxRows = o.MaxRows
	}
	if o.MaxCost > 0 {
		out.MaxCost = o.MaxCost
	}
	return out, ThresholdSourceDataSource
}

// PlanHintPolicy names the exceeded limits and appends the plan hints.
type PlanHintPolicy struct{}

// Hint implements HintPolicy.
func (PlanHintPolicy) Hint(est *models.CostEstimate) string {
	if est == nil {
		return ""
	}
	var parts []string
	if est.Threshold.MaxRows > 0 && est.EstimatedRows > est.Threshold.MaxRows {
		parts = append(parts, fmt.Sprintf("the previous query was estimated to return %d rows, over the limit of %d; aggregate or add a LIMIT",
			est.EstimatedRows, est.Threshold.MaxRows))
	}
	if est.Threshold.MaxCost > 0 && est.EstimatedCost > est.Threshold.MaxCost {
		parts = append(parts, fmt.Sprintf("the previous query had planner cost %.0f, over the limit of %.0f; filter earlier or avoid full scans",
			est.EstimatedCost, est.Threshold.MaxCost))
	}
	parts = append(parts, est.PlanHints...)
	return strings.Join(parts, "; ")
}

// CostGuard estimates validated statements with the target's planner and
// decides whether they fit the budget.
type CostGuard struct {
	targets    TargetResolver
	thresholds ThresholdSource
	hints      HintPolicy
	logger     *zap.Logger
}

// NewCostGuard creates a cost guard. A nil hint policy uses PlanHintPolicy.
func NewCostGuard(targets TargetResolver, thresholds ThresholdSource, hints HintPolicy, logger *zap.Logger) *CostGuard {
	if hints == nil {
		hints = PlanHintPolicy{}
	}
	return &CostGuard{
		targets:    targets,
		thresholds: thresholds,
		hints:      hints,
		logger:     logger.Named("cost-guard"),
	}
}

// Check explains the statement and returns the decision. Rejected
// validation results are never estimated. EXPLAIN failures are returned
// as classified *datasource.ExecError values.
func (g *CostGuard) Check(ctx context.Context, dataSourceID uuid.UUID, validation *models.ValidationResult) (*models.CostEstimate, error) {
	if !validation.IsValid() {
		return nil, fmt.Errorf("%w: validation outcome is not valid", apperrors.ErrNotApproved)
	}

	adapter, err := g.targets.Get(dataSourceID)
	if err != nil {
		return nil, err
	}

	plan, err := adapter.Explain(ctx, validation.NormalizedSQL)
	if err != nil {
		g.logger.Warn("EXPLAIN failed",
			zap.String("data_source_id", dataSourceID.String()),
			zap.String("sql", logging.SanitizeQuery(validation.NormalizedSQL)),
			zap.String("error", logging.SanitizeError(err)))
		return nil, datasource.Classify(err)
	}

	threshold, source := g.thresholds.Threshold(ctx, dataSourceID)
	est := &models.CostEstimate{
		EstimatedRows:   plan.PlanRows,
		EstimatedCost:   plan.TotalCost,
		EstimatedBytes:  plan.Bytes,
		Decision:        models.CostWithinBudget,
		Threshold:       threshold,
		ThresholdSource: source,
		PlanHints:       plan.Hints,
	}
	if exceeds(est) {
		est.Decision = models.CostOverBudget
		g.logger.Info("Statement over budget",
			zap.String("data_source_id", dataSourceID.String()),
			zap.Int64("estimated_rows", est.EstimatedRows),
			zap.Float64("estimated_cost", est.EstimatedCost),
			zap.String("threshold_source", source))
	}
	return est, nil
}

// Hint renders regeneration guidance for an over-budget estimate.
func (g *CostGuard) Hint(est *models.CostEstimate) string {
	return g.hints.Hint(est)
}

func exceeds(est *models.CostEstimate) bool {
	if est.Threshold.MaxRows > 0 && est.EstimatedRows > est.Threshold.MaxRows {
		return true
	}
	return est.Threshold.MaxCost > 0 && est.EstimatedCost > est.Threshold.MaxCost
}
