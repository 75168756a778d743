//go:build integration

package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-nlq/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
	"github.com/ekaya-inc/ekaya-nlq/pkg/testhelpers"
)

type sessionTestContext struct {
	t        *testing.T
	sessions SessionRepository
	attempts AttemptRepository
	feedback FeedbackRepository
	dsID     uuid.UUID
}

func setupSessionTest(t *testing.T) *sessionTestContext {
	tdb := testhelpers.GetTestDB(t)
	tdb.Truncate(t)
	return &sessionTestContext{
		t:        t,
		sessions: NewSessionRepository(tdb.DB),
		attempts: NewAttemptRepository(tdb.DB),
		feedback: NewFeedbackRepository(tdb.DB),
		dsID:     uuid.MustParse("00000000-0000-0000-0000-0000000000a1"),
	}
}

func (tc *sessionTestContext) createSession(question string) *models.QuerySession {
	tc.t.Helper()
	s := models.NewQuerySession("user-1", tc.dsID, question)
	require.NoError(tc.t, tc.sessions.Create(context.Background(), s))
	return s
}

func TestSessionRepository_CreateAndGet(t *testing.T) {
	tc := setupSessionTest(t)
	ctx := context.Background()

	s := tc.createSession("how many orders last week")

	got, err := tc.sessions.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Question, got.Question)
	assert.Equal(t, models.SessionStatusCreated, got.Status)
	assert.Equal(t, models.StateCreated, got.State)
	assert.Nil(t, got.CompletedAt)

	_, err = tc.sessions.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSessionRepository_TerminalIsImmutable(t *testing.T) {
	tc := setupSessionTest(t)
	ctx := context.Background()

	s := tc.createSession("top customers")
	require.NoError(t, tc.sessions.UpdateState(ctx, s.ID, models.SessionStatusRunning, models.StateGenerating))

	confidence := 0.8
	s.Status = models.SessionStatusSucceeded
	s.State = models.StateSucceeded
	s.Confidence = &confidence
	require.NoError(t, tc.sessions.Complete(ctx, s))

	err := tc.sessions.UpdateState(ctx, s.ID, models.SessionStatusRunning, models.StateExecuting)
	assert.ErrorIs(t, err, apperrors.ErrSessionTerminal)

	s.Status = models.SessionStatusFailed
	err = tc.sessions.Complete(ctx, s)
	assert.ErrorIs(t, err, apperrors.ErrSessionTerminal)

	got, err := tc.sessions.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusSucceeded, got.Status)
	require.NotNil(t, got.Confidence)
	assert.InDelta(t, 0.8, *got.Confidence, 1e-9)
	assert.NotNil(t, got.CompletedAt)

	err = tc.sessions.UpdateState(ctx, uuid.New(), models.SessionStatusRunning, models.StateGenerating)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSessionRepository_CompleteRequiresTerminalStatus(t *testing.T) {
	tc := setupSessionTest(t)

	s := tc.createSession("revenue by region")
	s.Status = models.SessionStatusRunning
	err := tc.sessions.Complete(context.Background(), s)
	require.Error(t, err)
}

func TestSessionRepository_ListByUser(t *testing.T) {
	tc := setupSessionTest(t)

	first := models.NewQuerySession("user-1", tc.dsID, "first")
	first.CreatedAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, tc.sessions.Create(context.Background(), first))
	tc.createSession("second")

	sessions, err := tc.sessions.ListByUser(context.Background(), "user-1", 10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "second", sessions[0].Question)
}

func TestAttemptRepository_AppendOnly(t *testing.T) {
	tc := setupSessionTest(t)
	ctx := context.Background()
	s := tc.createSession("orders per customer")

	first := &models.QueryAttempt{
		SessionID: s.ID, Sequence: 1, Kind: models.AttemptKindGenerate,
		SQL: "SELECT 1", Outcome: models.OutcomeRejected,
		FailureCause: models.CauseValidationRejected,
		Validation: &models.ValidationResult{
			Outcome:    models.ValidationRejected,
			Violations: []models.Violation{{Rule: models.RuleMultipleStatements, Detail: "only one statement is allowed"}},
		},
	}
	require.NoError(t, tc.attempts.Append(ctx, first))

	dup := &models.QueryAttempt{SessionID: s.ID, Sequence: 1, Kind: models.AttemptKindGenerate, Outcome: models.OutcomeRejected}
	err := tc.attempts.Append(ctx, dup)
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	second := &models.QueryAttempt{
		SessionID: s.ID, Sequence: 2, Kind: models.AttemptKindGenerate,
		SQL: "SELECT count(*) FROM shop.orders", Outcome: models.OutcomeSucceeded,
		IsResult: true, Citations: []string{"object:shop.orders"},
		TokenUsage: models.TokenUsage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
	}
	require.NoError(t, tc.attempts.Append(ctx, second))

	anotherResult := &models.QueryAttempt{
		SessionID: s.ID, Sequence: 3, Kind: models.AttemptKindExecuteRetry,
		Outcome: models.OutcomeSucceeded, IsResult: true,
	}
	err = tc.attempts.Append(ctx, anotherResult)
	assert.ErrorIs(t, err, apperrors.ErrConflict, "a session has at most one result attempt")

	attempts, err := tc.attempts.ListBySession(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, 1, attempts[0].Sequence)
	require.NotNil(t, attempts[0].Validation)
	assert.Len(t, attempts[0].Validation.Violations, 1)
	assert.True(t, attempts[1].IsResult)
	assert.Equal(t, []string{"object:shop.orders"}, attempts[1].Citations)
	assert.Equal(t, 120, attempts[1].TokenUsage.TotalTokens)

	// The trigger rejects edits to recorded attempts.
	tdb := testhelpers.GetTestDB(t)
	_, err = tdb.DB.Exec(ctx, `UPDATE nlq_attempts SET sql = 'SELECT 2' WHERE id = $1`, first.ID)
	require.Error(t, err)
}

func TestFeedbackRepository_CreateAndList(t *testing.T) {
	tc := setupSessionTest(t)
	ctx := context.Background()
	s := tc.createSession("late orders")

	sql := "SELECT id FROM shop.orders WHERE shipped_at > due_at"
	f := &models.Feedback{
		SessionID:        s.ID,
		UserID:           "user-1",
		Rating:           2,
		CreatedAt:        time.Now().UTC().Add(-time.Minute),
		CorrectedSQL:     &sql,
		CorrectionStatus: models.CorrectionRejected,
		CorrectionViolations: []models.Violation{
			{Rule: models.RuleUnknownColumn, Detail: "column due_at does not exist"},
		},
	}
	require.NoError(t, tc.feedback.Create(ctx, f))

	plain := &models.Feedback{SessionID: s.ID, UserID: "user-1", Rating: 5}
	require.NoError(t, tc.feedback.Create(ctx, plain))

	list, err := tc.feedback.ListBySession(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, models.CorrectionRejected, list[0].CorrectionStatus)
	require.Len(t, list[0].CorrectionViolations, 1)
	assert.Equal(t, models.CorrectionNone, list[1].CorrectionStatus)
	assert.Empty(t, list[1].CorrectionViolations)

	bad := &models.Feedback{SessionID: s.ID, UserID: "user-1", Rating: 9}
	err = tc.feedback.Create(ctx, bad)
	if err == nil || errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected rating check violation, got %v", err)
	}
}

func TestFeedbackRepository_CreateWithExample(t *testing.T) {
	tc := setupSessionTest(t)
	ctx := context.Background()
	examples := NewExampleRepository(testhelpers.GetTestDB(t).DB)
	s := tc.createSession("revenue by region")

	sql := "SELECT region, sum(total) FROM shop.orders GROUP BY region"
	ex := &models.Example{
		DataSourceID:    tc.dsID,
		Question:        s.Question,
		SQL:             sql,
		QualityScore:    1,
		Provenance:      models.ProvenanceFeedback,
		SourceSessionID: &s.ID,
	}
	f := &models.Feedback{SessionID: s.ID, UserID: "user-1", Rating: 5, CorrectedSQL: &sql, CorrectionStatus: models.CorrectionAccepted}
	require.NoError(t, tc.feedback.CreateWithExample(ctx, f, ex))

	list, err := tc.feedback.ListBySession(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].ExampleID)
	assert.Equal(t, ex.ID, *list[0].ExampleID)

	stored, err := examples.Get(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, sql, stored.SQL)

	// A feedback row that fails its constraints takes the example with it.
	orphan := &models.Example{DataSourceID: tc.dsID, Question: s.Question, SQL: sql, QualityScore: 1, Provenance: models.ProvenanceFeedback}
	bad := &models.Feedback{SessionID: s.ID, UserID: "user-1", Rating: 9, CorrectionStatus: models.CorrectionAccepted}
	require.Error(t, tc.feedback.CreateWithExample(ctx, bad, orphan))

	_, err = examples.Get(ctx, orphan.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
