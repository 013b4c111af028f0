package analysis

import (
	"fmt"
	"time"

	"github.com/polkatrace/graph-engine/pkg/models"
)

// Per-pattern risk weights. A pattern contributes weight * confidence
// to the score, which is capped at 100.
var riskWeights = map[string]float64{
	models.PatternCircularFlow:          30,
	models.PatternRapidSequential:       20,
	models.PatternRoundNumber:           10,
	models.PatternMixingService:         25,
	models.PatternExchangeConsolidation: 5,
}

// Recommendation boundaries on the 0-100 score.
const (
	riskInvestigateAt = 30
	riskFlagAt        = 70
)

// AssessRisk synthesizes detected patterns into a single heuristic
// score. Repeated patterns of the same type each contribute, so an
// address inside several distinct loops scores higher than one loop.
func AssessRisk(patterns []models.Pattern, now time.Time) models.RiskAssessment {
	score := 0.0
	var factors []string
	for _, p := range patterns {
		w, ok := riskWeights[p.Type]
		if !ok {
			continue
		}
		score += w * p.Confidence
		factors = append(factors, fmt.Sprintf("%s (confidence %.2f)", p.Type, p.Confidence))
	}
	if score > 100 {
		score = 100
	}

	recommendation := "monitor"
	switch {
	case score >= riskFlagAt:
		recommendation = "flag_for_review"
	case score >= riskInvestigateAt:
		recommendation = "investigate"
	}

	return models.RiskAssessment{
		Score:          score,
		Recommendation: recommendation,
		Patterns:       patterns,
		Factors:        factors,
		AssessedAt:     now,
	}
}
