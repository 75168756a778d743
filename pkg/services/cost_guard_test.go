package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nlq/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-nlq/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-nlq/pkg/config"
	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

func validResult(sql string) *models.ValidationResult {
	return &models.ValidationResult{Outcome: models.ValidationValid, NormalizedSQL: sql}
}

func newTestCostGuard(dsID uuid.UUID, target datasource.TargetAdapter, sources ...config.DataSourceConfig) *CostGuard {
	thresholds := NewConfigThresholds(config.CostGuardConfig{MaxRows: 1000, MaxCost: 10000}, sources)
	return NewCostGuard(fakeTargets{dsID: target}, thresholds, nil, zap.NewNop())
}

func TestCostGuard_WithinBudget(t *testing.T) {
	dsID := uuid.New()
	target := &fakeTarget{planRows: []int64{50}}
	guard := newTestCostGuard(dsID, target)

	est, err := guard.Check(context.Background(), dsID, validResult("SELECT id FROM shop.orders"))
	require.NoError(t, err)
	assert.True(t, est.IsWithinBudget())
	assert.Equal(t, int64(50), est.EstimatedRows)
	assert.InDelta(t, 5.0, est.EstimatedCost, 0.0001)
	assert.Equal(t, ThresholdSourceGlobal, est.ThresholdSource)
	assert.Equal(t, models.CostThreshold{MaxRows: 1000, MaxCost: 10000}, est.Threshold)
	assert.Equal(t, []string{"SELECT id FROM shop.orders"}, target.explained)
}

func TestCostGuard_OverBudget(t *testing.T) {
	dsID := uuid.New()
	guard := newTestCostGuard(dsID, &fakeTarget{planRows: []int64{5000}})

	est, err := guard.Check(context.Background(), dsID, validResult("SELECT id FROM shop.orders"))
	require.NoError(t, err)
	assert.Equal(t, models.CostOverBudget, est.Decision)
	assert.False(t, est.IsWithinBudget())

	hint := guard.Hint(est)
	assert.Contains(t, hint, "5000 rows")
	assert.Contains(t, hint, "LIMIT")
	assert.NotContains(t, hint, "planner cost")
}

func TestCostGuard_DataSourceOverride(t *testing.T) {
	dsID := uuid.New()
	guard := newTestCostGuard(dsID, &fakeTarget{planRows: []int64{50}},
		config.DataSourceConfig{ID: dsID.String(), MaxRows: 20})

	est, err := guard.Check(context.Background(), dsID, validResult("SELECT id FROM shop.orders"))
	require.NoError(t, err)
	assert.Equal(t, ThresholdSourceDataSource, est.ThresholdSource)
	// Rows come from the override, cost falls back to the global limit.
	assert.Equal(t, models.CostThreshold{MaxRows: 20, MaxCost: 10000}, est.Threshold)
	assert.Equal(t, models.CostOverBudget, est.Decision)
}

func TestCostGuard_RejectedValidationNeverEstimated(t *testing.T) {
	dsID := uuid.New()
	target := &fakeTarget{}
	guard := newTestCostGuard(dsID, target)

	for _, v := range []*models.ValidationResult{
		nil,
		{Outcome: models.ValidationRejected, NormalizedSQL: "DROP TABLE x"},
	} {
		_, err := guard.Check(context.Background(), dsID, v)
		assert.ErrorIs(t, err, apperrors.ErrNotApproved)
	}
	assert.Empty(t, target.explained)
}

func TestCostGuard_UnknownDataSource(t *testing.T) {
	guard := newTestCostGuard(uuid.New(), &fakeTarget{})
	_, err := guard.Check(context.Background(), uuid.New(), validResult("SELECT 1"))
	assert.ErrorIs(t, err, apperrors.ErrUnknownDataSource)
}

func TestCostGuard_ExplainErrorClassified(t *testing.T) {
	dsID := uuid.New()
	guard := newTestCostGuard(dsID, &fakeTarget{explainErrs: []error{errors.New("connection refused")}})

	_, err := guard.Check(context.Background(), dsID, validResult("SELECT 1"))
	var execErr *datasource.ExecError
	require.True(t, errors.As(err, &execErr))
}

func TestPlanHintPolicy(t *testing.T) {
	assert.Empty(t, PlanHintPolicy{}.Hint(nil))

	hint := PlanHintPolicy{}.Hint(&models.CostEstimate{
		EstimatedRows: 10,
		EstimatedCost: 90000,
		Threshold:     models.CostThreshold{MaxRows: 1000, MaxCost: 10000},
		PlanHints:     []string{"sequential scan on shop.orders"},
	})
	assert.Contains(t, hint, "planner cost 90000, over the limit of 10000")
	assert.Contains(t, hint, "sequential scan on shop.orders")
	assert.NotContains(t, hint, "rows, over the limit")
}
