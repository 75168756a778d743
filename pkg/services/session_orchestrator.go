package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nlq/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-nlq/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-nlq/pkg/audit"
	"github.com/ekaya-inc/ekaya-nlq/pkg/llm"
	"github.com/ekaya-inc/ekaya-nlq/pkg/metrics"
	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
	"github.com/ekaya-inc/ekaya-nlq/pkg/repositories"
	"github.com/ekaya-inc/ekaya-nlq/pkg/telemetry"
)

// ContextBuilder assembles the generation context for a question.
type ContextBuilder interface {
	Build(ctx context.Context, dataSourceID uuid.UUID, question string) (*AssembledContext, error)
}

// ProviderPlanner returns the ordered healthy providers for a request.
type ProviderPlanner interface {
	Plan(ctx context.Context, in llm.RouteInput) (*llm.Route, error)
}

// Generator proposes SQL. Failures are *GenerationError.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error)
}

// StatementValidator checks SQL against a catalog.
type StatementValidator interface {
	Validate(sqlText string, catalog *models.Catalog) *models.ValidationResult
}

// CostChecker estimates validated statements and renders over-budget hints.
type CostChecker interface {
	Check(ctx context.Context, dataSourceID uuid.UUID, validation *models.ValidationResult) (*models.CostEstimate, error)
	Hint(est *models.CostEstimate) string
}

// StatementExecutor runs approved statements.
type StatementExecutor interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// OrchestratorConfig bounds a session.
type OrchestratorConfig struct {
	// MaxAttempts counts every recorded attempt, execution retries included.
	MaxAttempts int
	// MaxExecutionRetries is how often a transiently failing statement is
	// re-run before a new one is generated.
	MaxExecutionRetries int
}

// OrchestratorDeps are the pipeline components a session drives.
type OrchestratorDeps struct {
	Sessions  repositories.SessionRepository
	Attempts  repositories.AttemptRepository
	Assembler ContextBuilder
	Router    ProviderPlanner
	Generator Generator
	Validator StatementValidator
	CostGuard CostChecker
	Executor  StatementExecutor
	// Metrics and Security may be nil.
	Metrics  *metrics.Metrics
	Security *audit.SecurityAuditor
	// Tracer defaults to the global tracer.
	Tracer trace.Tracer
}

// RunOptions bound a single Run call.
type RunOptions struct {
	// MaxSteps stops the run after this many recorded attempts. Zero runs
	// until the session is terminal.
	MaxSteps int
}

// RunResult is a session with its attempt history. Result holds the rows
// when the session succeeded during this run.
type RunResult struct {
	Session  *models.QuerySession  `json:"session"`
	Attempts []*models.QueryAttempt `json:"attempts"`
	Result   *ExecutionResult       `json:"result,omitempty"`
	Done     bool                   `json:"done"`
}

type runHandle struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
}

// SessionOrchestrator drives query sessions through the state machine:
// generate, validate, estimate, execute, and the retry policies between them.
type SessionOrchestrator struct {
	sessions  repositories.SessionRepository
	attempts  repositories.AttemptRepository
	assembler ContextBuilder
	router    ProviderPlanner
	generator Generator
	validator StatementValidator
	costGuard CostChecker
	executor  StatementExecutor
	metrics   *metrics.Metrics
	security  *audit.SecurityAuditor
	tracer    trace.Tracer
	cfg       OrchestratorConfig
	logger    *zap.Logger

	mu   sync.Mutex
	runs map[uuid.UUID]*runHandle
}

// NewSessionOrchestrator creates an orchestrator.
func NewSessionOrchestrator(deps OrchestratorDeps, cfg OrchestratorConfig, logger *zap.Logger) *SessionOrchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxExecutionRetries < 0 {
		cfg.MaxExecutionRetries = 0
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(telemetry.TracerName)
	}
	return &SessionOrchestrator{
		sessions:  deps.Sessions,
		attempts:  deps.Attempts,
		assembler: deps.Assembler,
		router:    deps.Router,
		generator: deps.Generator,
		validator: deps.Validator,
		costGuard: deps.CostGuard,
		executor:  deps.Executor,
		metrics:   deps.Metrics,
		security:  deps.Security,
		tracer:    tracer,
		cfg:       cfg,
		logger:    logger.Named("orchestrator"),
		runs:      make(map[uuid.UUID]*runHandle),
	}
}

// Create records a new session in the created state.
func (o *SessionOrchestrator) Create(ctx context.Context, userID string, dataSourceID uuid.UUID, question string) (*models.QuerySession, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, apperrors.ErrInvalidQuestion
	}
	s := models.NewQuerySession(userID, dataSourceID, question)
	if err := o.sessions.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	o.logger.Info("Session created",
		zap.String("session_id", s.ID.String()),
		zap.String("data_source_id", dataSourceID.String()))
	return s, nil
}

// Get returns a session with its attempts.
func (o *SessionOrchestrator) Get(ctx context.Context, sessionID uuid.UUID) (*RunResult, error) {
	s, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	attempts, err := o.attempts.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return &RunResult{Session: s, Attempts: attempts, Done: s.Status.IsTerminal()}, nil
}

// Run advances a session until it is terminal or opts.MaxSteps attempts were
// recorded. Run state is rebuilt from the attempt log, so a stopped run
// resumes where it left off. When ctx ends mid-step the in-flight step is
// discarded and the session stays resumable; only Cancel abandons it.
func (o *SessionOrchestrator) Run(ctx context.Context, sessionID uuid.UUID, opts RunOptions) (*RunResult, error) {
	runCtx, handle, err := o.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer o.release(sessionID, handle)

	session, err := o.sessions.Get(runCtx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrSessionTerminal, sessionID)
	}
	history, err := o.attempts.ListBySession(runCtx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}

	rs := newRunState(session)
	for _, a := range history {
		rs.attempts = append(rs.attempts, a)
		rs.state = o.apply(rs, a)
	}
	if len(history) > 0 {
		o.logger.Info("Resuming session",
			zap.String("session_id", sessionID.String()),
			zap.Int("attempts", len(history)),
			zap.String("state", string(rs.state)))
	}

	if rs.state.IsTerminal() {
		// A previous run recorded the final attempt but never completed the session.
		return o.finish(ctx, rs)
	}
	if err := o.sessions.UpdateState(runCtx, sessionID, models.SessionStatusRunning, rs.state); err != nil {
		return nil, err
	}
	session.Status = models.SessionStatusRunning
	session.State = rs.state

	var attemptStart time.Time
	steps := 0
	for {
		if handle.cancelled.Load() {
			return o.abandon(ctx, rs)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if opts.MaxSteps > 0 && steps >= opts.MaxSteps {
			o.logger.Debug("Run paused",
				zap.String("session_id", sessionID.String()),
				zap.String("state", string(rs.state)))
			return &RunResult{Session: rs.session, Attempts: rs.attempts}, nil
		}
		if attemptStart.IsZero() {
			attemptStart = time.Now()
		}

		from := rs.state
		spanCtx, span := telemetry.StartStateSpan(runCtx, o.tracer, sessionID.String(), string(from), rs.nextSequence())
		tr, err := o.step(spanCtx, rs, attemptStart)

		// In-flight results are discarded once a stop was requested.
		if handle.cancelled.Load() {
			span.End()
			return o.abandon(ctx, rs)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			span.End()
			return nil, ctxErr
		}
		if err != nil {
			telemetry.RecordError(span, err)
			span.End()
			return nil, err
		}

		to := tr.To
		if tr.Attempt != nil {
			span.SetAttributes(attribute.String(telemetry.AttrOutcome, string(tr.Attempt.Outcome)))
			if tr.Attempt.Provider != "" {
				span.SetAttributes(attribute.String(telemetry.AttrProvider, tr.Attempt.Provider))
			}
			if err := o.record(runCtx, rs, tr.Attempt); err != nil {
				telemetry.RecordError(span, err)
				span.End()
				return nil, err
			}
			to = o.apply(rs, tr.Attempt)
			attemptStart = time.Time{}
			steps++
		}
		span.End()

		if !canTransition(from, to) {
			return nil, fmt.Errorf("illegal session transition %s -> %s", from, to)
		}
		rs.state = to
		if to.IsTerminal() {
			return o.finish(ctx, rs)
		}
		if to != from {
			if err := o.sessions.UpdateState(runCtx, sessionID, models.SessionStatusRunning, to); err != nil {
				return nil, err
			}
			rs.session.State = to
		}
	}
}

// Cancel abandons a session. A running session is stopped at its next
// transition and Cancel waits for that to happen. An in-flight provider or
// database call runs to completion and its result is discarded.
func (o *SessionOrchestrator) Cancel(ctx context.Context, sessionID uuid.UUID) (*models.QuerySession, error) {
	o.mu.Lock()
	if h, ok := o.runs[sessionID]; ok {
		h.cancelled.Store(true)
		o.mu.Unlock()

		o.logger.Info("Cancellation requested", zap.String("session_id", sessionID.String()))
		select {
		case <-h.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return o.sessions.Get(ctx, sessionID)
	}
	// Hold the run lock so no Run starts while the session is abandoned.
	h := &runHandle{cancel: func() {}, done: make(chan struct{})}
	o.runs[sessionID] = h
	o.mu.Unlock()
	defer o.release(sessionID, h)

	s, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrSessionTerminal, sessionID)
	}
	s.Status = models.SessionStatusAbandoned
	s.State = models.StateAbandoned
	s.FailureCause = models.CauseCancelled
	s.FailureMessage = models.CauseCancelled.UserMessage()
	if err := o.sessions.Complete(ctx, s); err != nil {
		return nil, err
	}
	o.metrics.RecordSession(s)
	o.logger.Info("Session abandoned", zap.String("session_id", sessionID.String()))
	return s, nil
}

func (o *SessionOrchestrator) acquire(ctx context.Context, sessionID uuid.UUID) (context.Context, *runHandle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.runs[sessionID]; busy {
		return nil, nil, fmt.Errorf("%w: %s", apperrors.ErrSessionBusy, sessionID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	h := &runHandle{cancel: cancel, done: make(chan struct{})}
	o.runs[sessionID] = h
	return runCtx, h, nil
}

func (o *SessionOrchestrator) release(sessionID uuid.UUID, h *runHandle) {
	h.cancel()
	o.mu.Lock()
	if o.runs[sessionID] == h {
		delete(o.runs, sessionID)
	}
	o.mu.Unlock()
	close(h.done)
}

// step runs the work of the current state.
func (o *SessionOrchestrator) step(ctx context.Context, rs *runState, attemptStart time.Time) (transition, error) {
	switch rs.state {
	case models.StateGenerating:
		return o.generate(ctx, rs, attemptStart)
	case models.StateValidating:
		return o.validate(rs, attemptStart), nil
	case models.StateCostChecking:
		return o.checkCost(ctx, rs, attemptStart), nil
	case models.StateExecuting:
		return o.execute(ctx, rs, attemptStart), nil
	}
	return transition{}, fmt.Errorf("no step for state %q", rs.state)
}

func (o *SessionOrchestrator) generate(ctx context.Context, rs *runState, attemptStart time.Time) (transition, error) {
	s := rs.session
	route, err := o.router.Plan(ctx, llm.RouteInput{
		DataSourceID: s.DataSourceID,
		UserID:       s.UserID,
		Question:     s.Question,
		Attempt:      rs.nextSequence(),
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrNoProviderAvailable) {
			a := o.newAttempt(rs, models.AttemptKindGenerate, models.OutcomeNoProvider, attemptStart)
			a.ErrorCode = "no_provider"
			return transition{Attempt: a}, nil
		}
		return transition{}, fmt.Errorf("plan providers: %w", err)
	}
	provider := rs.chooseProvider(route.Providers)

	if rs.assembled == nil {
		assembled, err := o.assembler.Build(ctx, s.DataSourceID, s.Question)
		if err != nil {
			return transition{}, fmt.Errorf("assemble context: %w", err)
		}
		rs.assembled = assembled
	}

	res, err := o.generator.Generate(ctx, GenerationRequest{
		Provider: provider,
		Question: s.Question,
		Context:  rs.assembled,
		Hints:    rs.hints,
	})
	if err != nil {
		a := o.newAttempt(rs, models.AttemptKindGenerate, models.OutcomeGenerationFailed, attemptStart)
		a.Provider = provider
		a.ErrorCode = GenCodeTransport
		var genErr *GenerationError
		if errors.As(err, &genErr) {
			a.Model = genErr.Model
			a.PromptVersion = genErr.PromptVersion
			a.TokenUsage = genErr.Usage
			a.ErrorCode = genErr.Code
		}
		return transition{Attempt: a}, nil
	}

	rs.pending = &candidate{
		Provider:      res.Provider,
		Model:         res.Model,
		PromptVersion: res.PromptVersion,
		SQL:           res.SQL,
		Rationale:     res.Rationale,
		Citations:     res.Citations,
		Confidence:    res.Confidence,
		Usage:         res.Usage,
	}
	rs.execRetries = 0
	return transition{To: models.StateValidating}, nil
}

func (o *SessionOrchestrator) validate(rs *runState, attemptStart time.Time) transition {
	var catalog *models.Catalog
	if rs.assembled != nil {
		catalog = rs.assembled.Catalog
	}
	v := o.validator.Validate(rs.pending.SQL, catalog)
	rs.pending.Validation = v
	if !v.IsValid() {
		a := o.candidateAttempt(rs, models.OutcomeRejected, attemptStart)
		if len(v.Violations) > 0 {
			a.ErrorCode = v.Violations[0].Rule
		}
		return transition{Attempt: a}
	}
	return transition{To: models.StateCostChecking}
}

func (o *SessionOrchestrator) checkCost(ctx context.Context, rs *runState, attemptStart time.Time) transition {
	est, err := o.costGuard.Check(ctx, rs.session.DataSourceID, rs.pending.Validation)
	if err != nil {
		return transition{Attempt: o.executionFailure(rs, err, attemptStart)}
	}
	rs.pending.Cost = est
	if !est.IsWithinBudget() {
		a := o.candidateAttempt(rs, models.OutcomeOverBudget, attemptStart)
		a.ErrorCode = "over_budget"
		return transition{Attempt: a}
	}
	return transition{To: models.StateExecuting}
}

func (o *SessionOrchestrator) execute(ctx context.Context, rs *runState, attemptStart time.Time) transition {
	res, err := o.executor.Execute(ctx, ExecutionRequest{
		DataSourceID: rs.session.DataSourceID,
		Validation:   rs.pending.Validation,
		Cost:         rs.pending.Cost,
	})
	if err != nil {
		return transition{Attempt: o.executionFailure(rs, err, attemptStart)}
	}
	a := o.candidateAttempt(rs, models.OutcomeSucceeded, attemptStart)
	meta := res.Meta
	a.Execution = &meta
	a.IsResult = true
	rs.result = res
	return transition{Attempt: a}
}

// executionFailure classifies a cost or execution error into an attempt.
func (o *SessionOrchestrator) executionFailure(rs *runState, err error, attemptStart time.Time) *models.QueryAttempt {
	outcome := models.OutcomeExecutionFatal
	if datasource.IsTransient(err) {
		outcome = models.OutcomeExecutionTransient
	}
	a := o.candidateAttempt(rs, outcome, attemptStart)

	var execErr *datasource.ExecError
	switch {
	case errors.As(err, &execErr):
		a.ErrorCode = execErr.Code
	case errors.Is(err, apperrors.ErrNotApproved):
		a.ErrorCode = "not_approved"
	case errors.Is(err, apperrors.ErrUnknownDataSource):
		a.ErrorCode = "unknown_data_source"
	default:
		a.ErrorCode = datasource.CodeUnclassified
	}
	return a
}

func (o *SessionOrchestrator) newAttempt(rs *runState, kind models.AttemptKind, outcome models.AttemptOutcome, attemptStart time.Time) *models.QueryAttempt {
	a := &models.QueryAttempt{
		ID:           uuid.New(),
		SessionID:    rs.session.ID,
		Sequence:     rs.nextSequence(),
		Kind:         kind,
		Outcome:      outcome,
		FailureCause: outcome.Cause(),
		CreatedAt:    time.Now().UTC(),
	}
	if !attemptStart.IsZero() {
		a.LatencyMs = time.Since(attemptStart).Milliseconds()
	}
	if rs.assembled != nil {
		a.RetrievalDegraded = rs.assembled.Degraded
	}
	return a
}

// candidateAttempt records the pending proposal. The first attempt of a
// proposal carries its generation cost; execution retries do not.
func (o *SessionOrchestrator) candidateAttempt(rs *runState, outcome models.AttemptOutcome, attemptStart time.Time) *models.QueryAttempt {
	kind := models.AttemptKindGenerate
	if rs.execRetries > 0 {
		kind = models.AttemptKindExecuteRetry
	}
	a := o.newAttempt(rs, kind, outcome, attemptStart)
	p := rs.pending
	a.Provider = p.Provider
	a.Model = p.Model
	a.PromptVersion = p.PromptVersion
	a.SQL = p.SQL
	a.Rationale = p.Rationale
	a.Citations = p.Citations
	a.Validation = p.Validation
	a.Cost = p.Cost
	if kind == models.AttemptKindGenerate {
		a.TokenUsage = p.Usage
	}
	return a
}

// record appends an attempt to the log.
func (o *SessionOrchestrator) record(ctx context.Context, rs *runState, a *models.QueryAttempt) error {
	if err := o.attempts.Append(ctx, a); err != nil {
		return fmt.Errorf("append attempt: %w", err)
	}
	rs.attempts = append(rs.attempts, a)
	o.metrics.RecordAttempt(a)
	o.security.ObserveAttempt(rs.session, a)
	o.logger.Info("Attempt recorded",
		zap.String("session_id", a.SessionID.String()),
		zap.Int("sequence", a.Sequence),
		zap.String("kind", string(a.Kind)),
		zap.String("provider", a.Provider),
		zap.String("outcome", string(a.Outcome)),
		zap.String("error_code", a.ErrorCode),
		zap.Int64("latency_ms", a.LatencyMs))
	return nil
}

// apply folds one recorded attempt into the run state and returns the next
// state. Live runs and resumed runs go through the same policy.
func (o *SessionOrchestrator) apply(rs *runState, a *models.QueryAttempt) models.SessionState {
	if a.Kind == models.AttemptKindGenerate {
		rs.execRetries = 0
	}
	if a.Provider != "" {
		rs.provider = a.Provider
	}
	if a.Outcome != models.OutcomeGenerationFailed && a.Outcome != models.OutcomeNoProvider {
		clear(rs.failedProviders)
	}

	switch a.Outcome {
	case models.OutcomeSucceeded, models.OutcomeNoProvider, models.OutcomeExecutionFatal:
		if a.Outcome == models.OutcomeSucceeded && (rs.pending == nil || rs.pending.SQL != a.SQL) {
			rs.pending = candidateFromAttempt(a)
		}
		return terminalStateFor(a.Outcome)
	}

	if len(rs.attempts) >= o.cfg.MaxAttempts {
		return terminalStateFor(a.Outcome)
	}

	switch a.Outcome {
	case models.OutcomeGenerationFailed:
		rs.failedProviders[a.Provider] = true
		rs.pending = nil
	case models.OutcomeRejected:
		rs.addHint(rejectionHint(a.Validation))
		rs.pending = nil
	case models.OutcomeOverBudget:
		rs.addHint(o.costGuard.Hint(a.Cost))
		rs.pending = nil
	case models.OutcomeExecutionTransient:
		if rs.execRetries < o.cfg.MaxExecutionRetries {
			rs.execRetries++
			if rs.pending == nil || rs.pending.SQL != a.SQL {
				rs.pending = candidateFromAttempt(a)
			}
			if a.Cost.IsWithinBudget() {
				return models.StateExecuting
			}
			return models.StateCostChecking
		}
		rs.addHint(transientExecutionHint)
		rs.pending = nil
	}
	return models.StateGenerating
}

// chooseProvider keeps regenerations on the current provider and moves past
// providers that failed to generate. When every planned provider failed,
// the plan starts over.
func (rs *runState) chooseProvider(plan []string) string {
	if rs.provider != "" && !rs.failedProviders[rs.provider] {
		for _, p := range plan {
			if p == rs.provider {
				return p
			}
		}
	}
	for _, p := range plan {
		if !rs.failedProviders[p] {
			return p
		}
	}
	clear(rs.failedProviders)
	return plan[0]
}

// finish completes a session that reached a terminal state.
func (o *SessionOrchestrator) finish(ctx context.Context, rs *runState) (*RunResult, error) {
	s := rs.session
	s.State = rs.state
	last := rs.attempts[len(rs.attempts)-1]

	if rs.state == models.StateSucceeded {
		s.Status = models.SessionStatusSucceeded
		id := last.ID
		s.ResultAttemptID = &id
		in := ConfidenceInput{
			Attempts:          len(rs.attempts),
			Cost:              last.Cost,
			RetrievalDegraded: last.RetrievalDegraded,
		}
		if rs.pending != nil {
			in.ProviderConfidence = rs.pending.Confidence
		}
		if last.Validation != nil {
			in.Warnings = len(last.Validation.Warnings)
		}
		if last.Execution != nil {
			in.Truncated = last.Execution.Truncated
		}
		confidence := ComputeConfidence(in)
		s.Confidence = &confidence
	} else {
		s.Status = models.SessionStatusFailed
		s.FailureCause = last.Outcome.Cause()
		s.FailureMessage = s.FailureCause.UserMessage()
	}

	if err := o.sessions.Complete(context.WithoutCancel(ctx), s); err != nil {
		return nil, fmt.Errorf("complete session: %w", err)
	}
	o.metrics.RecordSession(s)
	o.logger.Info("Session completed",
		zap.String("session_id", s.ID.String()),
		zap.String("status", string(s.Status)),
		zap.String("state", string(s.State)),
		zap.String("cause", string(s.FailureCause)),
		zap.Int("attempts", len(rs.attempts)))

	return &RunResult{Session: s, Attempts: rs.attempts, Result: rs.result, Done: true}, nil
}

// abandon completes a cancelled session, discarding in-flight work.
func (o *SessionOrchestrator) abandon(ctx context.Context, rs *runState) (*RunResult, error) {
	s := rs.session
	s.Status = models.SessionStatusAbandoned
	s.State = models.StateAbandoned
	s.FailureCause = models.CauseCancelled
	s.FailureMessage = models.CauseCancelled.UserMessage()

	if err := o.sessions.Complete(context.WithoutCancel(ctx), s); err != nil {
		return nil, fmt.Errorf("abandon session: %w", err)
	}
	o.metrics.RecordSession(s)
	o.logger.Info("Session abandoned",
		zap.String("session_id", s.ID.String()),
		zap.Int("attempts", len(rs.attempts)))
	return &RunResult{Session: s, Attempts: rs.attempts, Done: true}, nil
}
