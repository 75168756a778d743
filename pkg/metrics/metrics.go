// Package metrics exposes Prometheus metrics for the query pipeline.
// Labels stay low-cardinality; session and attempt IDs belong in traces.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

const namespace = "nlq"

// DefaultDurationBuckets span fast lookups to slow provider calls.
var DefaultDurationBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Metrics holds the pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	// SessionsCompleted counts terminal sessions by status and failure cause.
	SessionsCompleted *prometheus.CounterVec

	// Attempts counts recorded attempts by outcome, kind and provider.
	Attempts *prometheus.CounterVec

	// AttemptDuration tracks attempt latency in seconds by outcome.
	AttemptDuration *prometheus.HistogramVec

	// Tokens counts provider tokens by provider and direction.
	Tokens *prometheus.CounterVec

	// ProviderHealth is 1 healthy, 0.5 probing, 0 unhealthy.
	ProviderHealth *prometheus.GaugeVec

	// Reindexes counts reindex runs by result.
	Reindexes *prometheus.CounterVec

	// RetrievalDegraded counts attempts generated from lexical-only retrieval.
	RetrievalDegraded prometheus.Counter

	// Feedback counts feedback submissions by correction status.
	Feedback *prometheus.CounterVec

	// ToolCalls counts MCP tool calls by tool and result.
	ToolCalls *prometheus.CounterVec

	// ToolDuration tracks MCP tool call latency in seconds.
	ToolDuration *prometheus.HistogramVec
}

// New creates and registers the pipeline metrics against reg. Use
// prometheus.NewRegistry() in tests for isolation.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_completed_total",
			Help:      "Terminal query sessions by status and failure cause",
		}, []string{"status", "cause"}),

		Attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Recorded query attempts by outcome, kind and provider",
		}, []string{"outcome", "kind", "provider"}),

		AttemptDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Query attempt latency in seconds",
			Buckets:   DefaultDurationBuckets,
		}, []string{"outcome"}),

		Tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_tokens_total",
			Help:      "Tokens reported by providers",
		}, []string{"provider", "direction"}),

		ProviderHealth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_health",
			Help:      "Provider health: 1 healthy, 0.5 probing, 0 unhealthy",
		}, []string{"provider"}),

		Reindexes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reindex_total",
			Help:      "Retrieval reindex runs by result",
		}, []string{"scope", "result"}),

		RetrievalDegraded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_degraded_total",
			Help:      "Attempts assembled without the vector signal",
		}),

		Feedback: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_total",
			Help:      "Feedback submissions by correction status",
		}, []string{"correction"}),

		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mcp_tool_calls_total",
			Help:      "MCP tool calls by tool and result",
		}, []string{"tool", "result"}),

		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mcp_tool_duration_seconds",
			Help:      "MCP tool call latency in seconds",
			Buckets:   DefaultDurationBuckets,
		}, []string{"tool"}),
	}
}

// RecordAttempt records one appended attempt.
func (m *Metrics) RecordAttempt(a *models.QueryAttempt) {
	if m == nil || a == nil {
		return
	}
	provider := a.Provider
	if provider == "" {
		provider = "none"
	}
	m.Attempts.WithLabelValues(string(a.Outcome), string(a.Kind), provider).Inc()
	m.AttemptDuration.WithLabelValues(string(a.Outcome)).Observe(float64(a.LatencyMs) / 1000)
	if a.TokenUsage.PromptTokens > 0 {
		m.Tokens.WithLabelValues(provider, "prompt").Add(float64(a.TokenUsage.PromptTokens))
	}
	if a.TokenUsage.CompletionTokens > 0 {
		m.Tokens.WithLabelValues(provider, "completion").Add(float64(a.TokenUsage.CompletionTokens))
	}
	if a.RetrievalDegraded {
		m.RetrievalDegraded.Inc()
	}
}

// RecordSession records a session reaching a terminal status.
func (m *Metrics) RecordSession(s *models.QuerySession) {
	if m == nil || s == nil {
		return
	}
	cause := string(s.FailureCause)
	if cause == "" {
		cause = "none"
	}
	m.SessionsCompleted.WithLabelValues(string(s.Status), cause).Inc()
}

// SetProviderHealth publishes a provider health state.
func (m *Metrics) SetProviderHealth(provider string, state models.ProviderHealthState) {
	if m == nil {
		return
	}
	v := 0.0
	switch state {
	case models.ProviderHealthy:
		v = 1
	case models.ProviderProbing:
		v = 0.5
	}
	m.ProviderHealth.WithLabelValues(provider).Set(v)
}

// RecordReindex records a reindex run. scope is "data_source" or "document".
func (m *Metrics) RecordReindex(scope string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.Reindexes.WithLabelValues(scope, result).Inc()
}

// RecordFeedback records a feedback submission.
func (m *Metrics) RecordFeedback(status models.CorrectionStatus) {
	if m == nil {
		return
	}
	m.Feedback.WithLabelValues(string(status)).Inc()
}

// RecordToolCall records one MCP tool call. result is "ok", the error code
// of a tool error result, or "failure" for a handler error.
func (m *Metrics) RecordToolCall(tool, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, result).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}
