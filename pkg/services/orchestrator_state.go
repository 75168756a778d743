package services

import (
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

// allowedTransitions is the session state machine. Terminal states have no
// outgoing edges.
var allowedTransitions = map[models.SessionState][]models.SessionState{
	models.StateCreated: {
		models.StateGenerating, models.StateAbandoned,
	},
	models.StateGenerating: {
		models.StateValidating, models.StateGenerating, models.StateExhausted, models.StateAbandoned,
	},
	models.StateValidating: {
		models.StateCostChecking, models.StateGenerating, models.StateRejected, models.StateAbandoned,
	},
	models.StateCostChecking: {
		models.StateExecuting, models.StateGenerating, models.StateCostChecking,
		models.StateOverBudget, models.StateExecutionFailed, models.StateAbandoned,
	},
	models.StateExecuting: {
		models.StateSucceeded, models.StateExecuting, models.StateGenerating,
		models.StateExecutionFailed, models.StateAbandoned,
	},
}

func canTransition(from, to models.SessionState) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition is what one step of the state machine produced: the next state
// and, when the step finished an attempt, the attempt to append.
type transition struct {
	To      models.SessionState
	Attempt *models.QueryAttempt
}

// candidate is a generated statement moving through validation, costing
// and execution.
type candidate struct {
	Provider      string
	Model         string
	PromptVersion string
	SQL           string
	Rationale     string
	Citations     []string
	Confidence    *float64
	Validation    *models.ValidationResult
	Cost          *models.CostEstimate
	Usage         models.TokenUsage
}

// runState is the in-memory view of a session run. It is rebuilt from the
// attempt log on every Run, so a resumed run behaves exactly like one that
// was never interrupted.
type runState struct {
	session   *models.QuerySession
	attempts  []*models.QueryAttempt
	state     models.SessionState
	assembled *AssembledContext

	// provider is the provider regenerations stay on.
	provider string
	// failedProviders failed generation since the last usable proposal.
	failedProviders map[string]bool
	hints           []string
	pending         *candidate
	execRetries     int

	result *ExecutionResult
}

func newRunState(session *models.QuerySession) *runState {
	return &runState{
		session:         session,
		state:           models.StateGenerating,
		failedProviders: make(map[string]bool),
	}
}

func (rs *runState) nextSequence() int {
	return len(rs.attempts) + 1
}

func (rs *runState) addHint(h string) {
	h = strings.TrimSpace(h)
	if h == "" {
		return
	}
	for _, existing := range rs.hints {
		if existing == h {
			return
		}
	}
	rs.hints = append(rs.hints, h)
}

// candidateFromAttempt restores the proposal an attempt carried so an
// execution retry can reuse it.
func candidateFromAttempt(a *models.QueryAttempt) *candidate {
	return &candidate{
		Provider:      a.Provider,
		Model:         a.Model,
		PromptVersion: a.PromptVersion,
		SQL:           a.SQL,
		Rationale:     a.Rationale,
		Citations:     a.Citations,
		Validation:    a.Validation,
		Cost:          a.Cost,
	}
}

// terminalStateFor names the terminal state of a session whose last attempt
// ended with outcome.
func terminalStateFor(outcome models.AttemptOutcome) models.SessionState {
	switch outcome {
	case models.OutcomeSucceeded:
		return models.StateSucceeded
	case models.OutcomeRejected:
		return models.StateRejected
	case models.OutcomeOverBudget:
		return models.StateOverBudget
	case models.OutcomeExecutionTransient, models.OutcomeExecutionFatal:
		return models.StateExecutionFailed
	}
	return models.StateExhausted
}

// rejectionHint tells the model why its previous statement was rejected.
func rejectionHint(v *models.ValidationResult) string {
	if v == nil || len(v.Violations) == 0 {
		return "the previous query was rejected by the validator"
	}
	reasons := make([]string, 0, len(v.Violations))
	for _, violation := range v.Violations {
		reasons = append(reasons, fmt.Sprintf("%s (%s)", violation.Detail, violation.Rule))
	}
	return "the previous query was rejected: " + strings.Join(reasons, "; ")
}

const transientExecutionHint = "the previous query kept failing on the data source; prefer a simpler, cheaper query"
