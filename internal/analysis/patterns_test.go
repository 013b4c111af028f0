package analysis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polkatrace/graph-engine/pkg/models"
)

var now = time.Unix(1700000000, 0).UTC()

func TestDetectCircularFlows(t *testing.T) {
	cycles := []CycleCandidate{
		{Path: []string{"A", "B", "C", "A"}, MinVolume: "5000000000000"},
		{Path: []string{"A", "B", "C", "D", "E", "F", "A"}, MinVolume: "1000000000000"},
		{Path: []string{"A", "B", "A"}, MinVolume: "1000000000000"}, // Too short
	}

	patterns := DetectCircularFlows(cycles, now)
	require.Len(t, patterns, 2)

	tight := patterns[0]
	assert.Equal(t, models.PatternCircularFlow, tight.Type)
	assert.Equal(t, []string{"A", "B", "C", "A"}, tight.Evidence.Path)
	assert.GreaterOrEqual(t, tight.Confidence, 0.9)
	assert.Equal(t, "high", tight.Severity)

	long := patterns[1]
	assert.InDelta(t, 0.80, long.Confidence, 0.001)
	assert.Equal(t, "medium", long.Severity)
}

func TestDetectCircularFlows_ConfidenceFloor(t *testing.T) {
	cycle := CycleCandidate{
		Path:      []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J", "K", "A"},
		MinVolume: "1",
	}
	patterns := DetectCircularFlows([]CycleCandidate{cycle}, now)
	require.Len(t, patterns, 1)
	assert.InDelta(t, 0.6, patterns[0].Confidence, 0.001)
}

func sentAt(timestamps ...int64) []models.Transfer {
	out := make([]models.Transfer, len(timestamps))
	for i, ts := range timestamps {
		out[i] = models.Transfer{BlockTimestamp: ts, Direction: "sent", Amount: "1"}
	}
	return out
}

func TestDetectRapidSequential(t *testing.T) {
	base := now.Unix()

	t.Run("five transfers in one window", func(t *testing.T) {
		p := DetectRapidSequential(sentAt(base, base+5, base+10, base+20, base+30), time.Minute, now)
		require.NotNil(t, p)
		assert.Equal(t, models.PatternRapidSequential, p.Type)
		assert.Equal(t, int64(5), p.Evidence.TransferCount)
		assert.InDelta(t, 1.0, p.Confidence, 0.001)
	})

	t.Run("spread-out transfers are quiet", func(t *testing.T) {
		p := DetectRapidSequential(sentAt(base, base+3600, base+7200, base+10800), time.Minute, now)
		assert.Nil(t, p)
	})

	t.Run("too few transfers", func(t *testing.T) {
		p := DetectRapidSequential(sentAt(base, base+1), time.Minute, now)
		assert.Nil(t, p)
	})

	t.Run("received transfers ignored", func(t *testing.T) {
		transfers := []models.Transfer{
			{BlockTimestamp: base, Direction: "received"},
			{BlockTimestamp: base + 1, Direction: "received"},
			{BlockTimestamp: base + 2, Direction: "received"},
			{BlockTimestamp: base + 3, Direction: "received"},
		}
		assert.Nil(t, DetectRapidSequential(transfers, time.Minute, now))
	})
}

func TestDetectRoundNumber(t *testing.T) {
	round := func(amounts ...string) []models.Transfer {
		out := make([]models.Transfer, len(amounts))
		for i, a := range amounts {
			out[i] = models.Transfer{Amount: a}
		}
		return out
	}

	t.Run("all whole tokens", func(t *testing.T) {
		p := DetectRoundNumber(round(
			"1000000000000", "5000000000000", "2000000000000",
			"7000000000000", "3000000000000"), now)
		require.NotNil(t, p)
		assert.Equal(t, models.PatternRoundNumber, p.Type)
		assert.InDelta(t, 1.0, p.Evidence.RoundFraction, 0.001)
		assert.Equal(t, "low", p.Severity)
	})

	t.Run("organic amounts stay quiet", func(t *testing.T) {
		p := DetectRoundNumber(round(
			"1234567890123", "987654321", "5552223334445",
			"1000000000000", "42"), now)
		assert.Nil(t, p)
	})

	t.Run("too small a sample", func(t *testing.T) {
		p := DetectRoundNumber(round("1000000000000", "2000000000000"), now)
		assert.Nil(t, p)
	})
}

func TestDetectMixingService(t *testing.T) {
	p := DetectMixingService("hub", 12, 12, "900000000000000", now)
	require.NotNil(t, p)
	assert.InDelta(t, 0.9, p.Confidence, 0.001)
	assert.Equal(t, "high", p.Severity)
	assert.Equal(t, "hub", p.Evidence.HubAddress)

	assert.Nil(t, DetectMixingService("hub", 9, 30, "1", now))

	// Asymmetric fan lowers confidence.
	skewed := DetectMixingService("hub", 10, 40, "1", now)
	require.NotNil(t, skewed)
	assert.Less(t, skewed.Confidence, 0.7)
}

func TestDetectExchangeConsolidation(t *testing.T) {
	p := DetectExchangeConsolidation("sweep", 25, 1, "900000000000000", now)
	require.NotNil(t, p)
	assert.Equal(t, models.PatternExchangeConsolidation, p.Type)
	assert.InDelta(t, 0.85, p.Confidence, 0.001)
	assert.Equal(t, "low", p.Severity)

	assert.Nil(t, DetectExchangeConsolidation("sweep", 10, 1, "1", now))
	assert.Nil(t, DetectExchangeConsolidation("sweep", 25, 5, "1", now))
}

func TestDetectPatterns_SortedByConfidence(t *testing.T) {
	base := now.Unix()
	in := PatternInput{
		Address:     "hub",
		Cycles:      []CycleCandidate{{Path: []string{"hub", "B", "C", "hub"}, MinVolume: "1000000000000"}},
		Transfers:   sentAt(base, base+1, base+2, base+3, base+4),
		FanIn:       12,
		FanOut:      12,
		TotalVolume: "900000000000000",
		TimeWindow:  time.Minute,
	}
	patterns := DetectPatterns(in, now)
	require.GreaterOrEqual(t, len(patterns), 3)
	for i := 1; i < len(patterns); i++ {
		assert.GreaterOrEqual(t, patterns[i-1].Confidence, patterns[i].Confidence)
	}
}

func TestAssessRisk(t *testing.T) {
	t.Run("no patterns", func(t *testing.T) {
		r := AssessRisk(nil, now)
		assert.Zero(t, r.Score)
		assert.Equal(t, "monitor", r.Recommendation)
	})

	t.Run("single circular flow", func(t *testing.T) {
		r := AssessRisk([]models.Pattern{
			{Type: models.PatternCircularFlow, Confidence: 1.0},
		}, now)
		assert.InDelta(t, 30, r.Score, 0.001)
		assert.Equal(t, "investigate", r.Recommendation)
		require.Len(t, r.Factors, 1)
	})

	t.Run("stacked patterns flag for review", func(t *testing.T) {
		r := AssessRisk([]models.Pattern{
			{Type: models.PatternCircularFlow, Confidence: 1.0},
			{Type: models.PatternMixingService, Confidence: 1.0},
			{Type: models.PatternRapidSequential, Confidence: 1.0},
		}, now)
		assert.InDelta(t, 75, r.Score, 0.001)
		assert.Equal(t, "flag_for_review", r.Recommendation)
	})

	t.Run("score caps at 100", func(t *testing.T) {
		patterns := []models.Pattern{
			{Type: models.PatternCircularFlow, Confidence: 1.0},
			{Type: models.PatternCircularFlow, Confidence: 1.0},
			{Type: models.PatternCircularFlow, Confidence: 1.0},
			{Type: models.PatternMixingService, Confidence: 1.0},
		}
		r := AssessRisk(patterns, now)
		assert.InDelta(t, 100, r.Score, 0.001)
	})
}
