package services

import (
	"math"

	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

// defaultProviderConfidence is assumed when the provider reports none.
const defaultProviderConfidence = 0.7

// ConfidenceInput is what a successful session's confidence is derived from.
type ConfidenceInput struct {
	ProviderConfidence *float64
	// Attempts is the number of attempts recorded, the result included.
	Attempts          int
	Warnings          int
	Cost              *models.CostEstimate
	RetrievalDegraded bool
	Truncated         bool
}

// ComputeConfidence scores a result in [0, 1], rounded to two decimals.
func ComputeConfidence(in ConfidenceInput) float64 {
	score := defaultProviderConfidence
	if in.ProviderConfidence != nil {
		score = clamp01(*in.ProviderConfidence)
	}

	// Each extra attempt costs 10%, never more than half.
	if in.Attempts > 1 {
		score *= math.Max(0.5, 1-0.1*float64(in.Attempts-1))
	}

	score -= math.Min(0.2, 0.05*float64(in.Warnings))

	if headroom := costUsage(in.Cost); headroom > 0.8 {
		score -= 0.1
	}
	if in.RetrievalDegraded {
		score -= 0.1
	}
	if in.Truncated {
		score -= 0.05
	}

	return math.Round(clamp01(score)*100) / 100
}

// costUsage is the larger of the row and cost fractions of the threshold.
func costUsage(est *models.CostEstimate) float64 {
	if est == nil {
		return 0
	}
	usage := 0.0
	if est.Threshold.MaxRows > 0 {
		usage = math.Max(usage, float64(est.EstimatedRows)/float64(est.Threshold.MaxRows))
	}
	if est.Threshold.MaxCost > 0 {
		usage = math.Max(usage, est.EstimatedCost/est.Threshold.MaxCost)
	}
	return usage
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
