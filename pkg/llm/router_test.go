package llm

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nlq/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

func newTestRouter(t *testing.T, rules []models.RoutingRule, providers ...string) (*Router, *HealthRegistry) {
	t.Helper()
	h := newTestHealth(1, time.Hour)
	for _, p := range providers {
		h.Register(p)
	}
	r, err := NewRouter(rules, h, zap.NewNop())
	require.NoError(t, err)
	return r, h
}

func trip(h *HealthRegistry, name string) {
	_ = h.Execute(name, func() error { return errServer })
}

func TestRouter_FirstMatchingRuleWins(t *testing.T) {
	rules := []models.RoutingRule{
		{Name: "revenue", Priority: 1, When: `question.lowerAscii().contains("revenue")`, Providers: []string{"b", "a"}},
		{Name: "default", Priority: 100, Providers: []string{"a", "b"}},
	}
	r, _ := newTestRouter(t, rules, "a", "b")

	route, err := r.Plan(context.Background(), RouteInput{Question: "Total Revenue by month"})
	require.NoError(t, err)
	assert.Equal(t, "revenue", route.Rule)
	assert.Equal(t, []string{"b", "a"}, route.Providers)

	route, err = r.Plan(context.Background(), RouteInput{Question: "count users"})
	require.NoError(t, err)
	assert.Equal(t, "default", route.Rule)
	assert.Equal(t, []string{"a", "b"}, route.Providers)
}

func TestRouter_SkipsUnhealthyMembers(t *testing.T) {
	rules := []models.RoutingRule{{Name: "default", Providers: []string{"a", "b", "c"}}}
	r, h := newTestRouter(t, rules, "a", "b", "c")
	trip(h, "a")

	route, err := r.Plan(context.Background(), RouteInput{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, route.Providers)
}

func TestRouter_FallsThroughToNextMatchingRule(t *testing.T) {
	rules := []models.RoutingRule{
		{Name: "vip", Priority: 1, When: `user_id == "ceo"`, Providers: []string{"a"}},
		{Name: "default", Priority: 2, Providers: []string{"b"}},
	}
	r, h := newTestRouter(t, rules, "a", "b")
	trip(h, "a")

	route, err := r.Plan(context.Background(), RouteInput{UserID: "ceo"})
	require.NoError(t, err)
	assert.Equal(t, "default", route.Rule)
}

func TestRouter_NoProviderAvailable(t *testing.T) {
	rules := []models.RoutingRule{{Name: "default", Providers: []string{"a", "b"}}}
	r, h := newTestRouter(t, rules, "a", "b")
	trip(h, "a")
	trip(h, "b")

	_, err := r.Plan(context.Background(), RouteInput{})
	assert.ErrorIs(t, err, apperrors.ErrNoProviderAvailable)
}

func TestRouter_NoRuleMatches(t *testing.T) {
	rules := []models.RoutingRule{{Name: "only-retries", When: `attempt > 1`, Providers: []string{"a"}}}
	r, _ := newTestRouter(t, rules, "a")

	_, err := r.Plan(context.Background(), RouteInput{Attempt: 1})
	assert.ErrorIs(t, err, apperrors.ErrNoProviderAvailable)

	route, err := r.Plan(context.Background(), RouteInput{Attempt: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, route.Providers)
}

func TestRouter_DataSourceCondition(t *testing.T) {
	ds := uuid.MustParse("6f1c1f3e-4d7a-4a8e-9f3e-2b1c0d9e8a7b")
	rules := []models.RoutingRule{
		{Name: "warehouse", When: `data_source_id == "` + ds.String() + `"`, Providers: []string{"a"}},
		{Name: "default", Priority: 10, Providers: []string{"b"}},
	}
	r, _ := newTestRouter(t, rules, "a", "b")

	route, err := r.Plan(context.Background(), RouteInput{DataSourceID: ds})
	require.NoError(t, err)
	assert.Equal(t, "warehouse", route.Rule)

	route, err = r.Plan(context.Background(), RouteInput{DataSourceID: uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, "default", route.Rule)
}

func TestNewRouter_RejectsBadConditions(t *testing.T) {
	h := newTestHealth(1, time.Hour)

	_, err := NewRouter([]models.RoutingRule{{Name: "syntax", When: `question ==`}}, h, zap.NewNop())
	assert.Error(t, err)

	_, err = NewRouter([]models.RoutingRule{{Name: "non-bool", When: `question`}}, h, zap.NewNop())
	assert.Error(t, err)

	_, err = NewRouter([]models.RoutingRule{{Name: "unknown-var", When: `tenant == "x"`}}, h, zap.NewNop())
	assert.Error(t, err)
}
