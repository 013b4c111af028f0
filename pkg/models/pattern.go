package models

import "time"

// Pattern types emitted by the analyzer. Pattern is a tagged variant:
// Type selects which evidence fields are populated, the shared fields
// are always present.
const (
	PatternCircularFlow          = "circular_flow"
	PatternRapidSequential       = "rapid_sequential"
	PatternRoundNumber           = "round_number"
	PatternMixingService         = "mixing_service"
	PatternExchangeConsolidation = "exchange_consolidation"
)

// PatternEvidence carries the type-specific supporting data.
// Only the fields relevant to the pattern's Type are set.
type PatternEvidence struct {
	// circular_flow
	Path      []string `json:"path,omitempty"`      // [A, B, C, A]
	MinVolume string   `json:"minVolume,omitempty"` // Bottleneck volume along the cycle

	// rapid_sequential
	TransferCount int64 `json:"transferCount,omitempty"`
	WindowSeconds int64 `json:"windowSeconds,omitempty"`

	// round_number
	RoundFraction float64 `json:"roundFraction,omitempty"`
	SampleSize    int     `json:"sampleSize,omitempty"`

	// mixing_service / exchange_consolidation
	FanIn       int    `json:"fanIn,omitempty"`
	FanOut      int    `json:"fanOut,omitempty"`
	HubAddress  string `json:"hubAddress,omitempty"`
	TotalVolume string `json:"totalVolume,omitempty"`
}

// Pattern is one detected behavioral signature on the transfer graph.
type Pattern struct {
	Type        string          `json:"type"`
	Confidence  float64         `json:"confidence"` // 0.0 - 1.0
	Severity    string          `json:"severity"`   // "low"/"medium"/"high"
	Description string          `json:"description"`
	Evidence    PatternEvidence `json:"evidence"`
	Timestamp   time.Time       `json:"timestamp"`
}

// RiskAssessment is the weighted synthesis of all detected patterns.
// Score is heuristic, capped at 100, and never an authoritative
// judgment about the address.
type RiskAssessment struct {
	Score          float64   `json:"score"` // 0 - 100
	Recommendation string    `json:"recommendation"` // "monitor"/"investigate"/"flag_for_review"
	Patterns       []Pattern `json:"patterns"`
	Factors        []string  `json:"factors,omitempty"`
	AssessedAt     time.Time `json:"assessedAt"`
}

// Investigation is a saved analyst case: a set of addresses under
// review plus free-form findings.
type Investigation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Notes     string    `json:"notes,omitempty"`
	Addresses []string  `json:"addresses"`
	Findings  string    `json:"findings,omitempty"`
	Status    string    `json:"status"` // "active"/"completed"/"archived"
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IndexerState is the resumable-ingestion checkpoint blob.
type IndexerState struct {
	LastIndexedBlock int64            `json:"lastIndexedBlock"`
	Timestamp        time.Time        `json:"timestamp"`
	Metrics          map[string]int64 `json:"metrics,omitempty"`
}
