package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nlq/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-nlq/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

func approvedRequest(dsID uuid.UUID, sql string) ExecutionRequest {
	return ExecutionRequest{
		DataSourceID: dsID,
		Validation:   validResult(sql),
		Cost:         &models.CostEstimate{Decision: models.CostWithinBudget},
	}
}

func TestExecutionEngine_Execute(t *testing.T) {
	dsID := uuid.New()
	target := &fakeTarget{}
	engine := NewExecutionEngine(fakeTargets{dsID: target}, 0, time.Second, zap.NewNop())

	res, err := engine.Execute(context.Background(), approvedRequest(dsID, "SELECT name FROM shop.customers"))
	require.NoError(t, err)
	assert.Len(t, res.Rows, 1)
	assert.Len(t, res.Columns, 2)
	assert.Equal(t, 1, res.Meta.RowCount)
	assert.Equal(t, int64(3), res.Meta.DurationMs)
	assert.Equal(t, 1000, res.Meta.RowCap)
	assert.Equal(t, []string{"SELECT name FROM shop.customers"}, target.executed)
}

func TestExecutionEngine_RefusesUnapproved(t *testing.T) {
	dsID := uuid.New()
	target := &fakeTarget{}
	engine := NewExecutionEngine(fakeTargets{dsID: target}, 10, time.Second, zap.NewNop())

	tests := []struct {
		name string
		req  ExecutionRequest
	}{
		{"rejected", ExecutionRequest{
			DataSourceID: dsID,
			Validation:   &models.ValidationResult{Outcome: models.ValidationRejected},
			Cost:         &models.CostEstimate{Decision: models.CostWithinBudget},
		}},
		{"over budget", ExecutionRequest{
			DataSourceID: dsID,
			Validation:   validResult("SELECT 1"),
			Cost:         &models.CostEstimate{Decision: models.CostOverBudget},
		}},
		{"no estimate", ExecutionRequest{DataSourceID: dsID, Validation: validResult("SELECT 1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Execute(context.Background(), tt.req)
			assert.ErrorIs(t, err, apperrors.ErrNotApproved)
		})
	}
	assert.Empty(t, target.executed)
}

func TestExecutionEngine_ClassifiesFailures(t *testing.T) {
	dsID := uuid.New()
	target := &fakeTarget{execErrs: []error{
		&datasource.ExecError{Code: "57014", Transient: true, Err: errors.New("canceling statement due to statement timeout")},
		errors.New("something odd"),
	}}
	engine := NewExecutionEngine(fakeTargets{dsID: target}, 10, time.Second, zap.NewNop())

	_, err := engine.Execute(context.Background(), approvedRequest(dsID, "SELECT 1"))
	assert.True(t, datasource.IsTransient(err))

	_, err = engine.Execute(context.Background(), approvedRequest(dsID, "SELECT 1"))
	var execErr *datasource.ExecError
	require.True(t, errors.As(err, &execErr))
	assert.False(t, execErr.Transient)
}

func TestExecutionEngine_UnknownDataSource(t *testing.T) {
	engine := NewExecutionEngine(fakeTargets{}, 10, time.Second, zap.NewNop())
	_, err := engine.Execute(context.Background(), approvedRequest(uuid.New(), "SELECT 1"))
	assert.ErrorIs(t, err, apperrors.ErrUnknownDataSource)
}
