package analysis

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/polkatrace/graph-engine/pkg/models"
)

// CycleCandidate is a closed flow discovered by the store's cycle
// search: Path starts and ends on the same address, MinVolume is the
// bottleneck volume along it.
type CycleCandidate struct {
	Path      []string
	MinVolume string
}

// Detector thresholds. Runs of fewer than rapidMinTransfers outgoing
// transfers inside the window are normal wallet behavior and ignored.
const (
	rapidMinTransfers   = 3
	roundMinSamples     = 5
	roundMinFraction    = 0.6
	mixingMinFan        = 10
	consolidationFanIn  = 20
	consolidationFanOut = 2
)

var (
	planck12 = new(big.Int).Exp(big.NewInt(10), big.NewInt(12), nil) // 1 DOT
	planck13 = new(big.Int).Exp(big.NewInt(10), big.NewInt(13), nil)
	planck14 = new(big.Int).Exp(big.NewInt(10), big.NewInt(14), nil)
)

// DetectCircularFlows scores closed-loop candidates. Tight 3-node
// cycles are the strongest laundering signal; confidence decays with
// cycle length since long loops arise organically in dense graphs.
func DetectCircularFlows(cycles []CycleCandidate, now time.Time) []models.Pattern {
	var out []models.Pattern
	for _, c := range cycles {
		hops := len(c.Path) - 1
		if hops < 3 {
			continue
		}
		confidence := 0.95 - 0.05*float64(hops-3)
		if confidence < 0.6 {
			confidence = 0.6
		}
		severity := "medium"
		if confidence >= 0.9 {
			severity = "high"
		}
		out = append(out, models.Pattern{
			Type:        models.PatternCircularFlow,
			Confidence:  confidence,
			Severity:    severity,
			Description: fmt.Sprintf("funds return to origin through a %d-hop loop", hops),
			Evidence: models.PatternEvidence{
				Path:      c.Path,
				MinVolume: c.MinVolume,
			},
			Timestamp: now,
		})
	}
	return out
}

// DetectRapidSequential finds the densest burst of outgoing transfers
// inside the time window. Incoming transfers are ignored; bursts of
// received funds say nothing about the holder's intent.
func DetectRapidSequential(transfers []models.Transfer, window time.Duration, now time.Time) *models.Pattern {
	var ts []int64
	for _, t := range transfers {
		if t.Direction == "sent" || t.Direction == "" {
			ts = append(ts, t.BlockTimestamp)
		}
	}
	if len(ts) < rapidMinTransfers {
		return nil
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })

	windowSec := int64(window / time.Second)
	best := 1
	lo := 0
	for hi := range ts {
		for ts[hi]-ts[lo] > windowSec {
			lo++
		}
		if n := hi - lo + 1; n > best {
			best = n
		}
	}
	if best < rapidMinTransfers {
		return nil
	}

	confidence := 0.5 + 0.1*float64(best)
	if confidence > 1 {
		confidence = 1
	}
	severity := "medium"
	if best >= 10 {
		severity = "high"
	}
	return &models.Pattern{
		Type:        models.PatternRapidSequential,
		Confidence:  confidence,
		Severity:    severity,
		Description: fmt.Sprintf("%d outgoing transfers within %ds", best, windowSec),
		Evidence: models.PatternEvidence{
			TransferCount: int64(best),
			WindowSeconds: windowSec,
		},
		Timestamp: now,
	}
}

// DetectRoundNumber flags accounts whose transfer amounts are
// overwhelmingly whole-token multiples. Organic payments carry fees and
// market-priced amounts; scripted movement tends to round values.
func DetectRoundNumber(transfers []models.Transfer, now time.Time) *models.Pattern {
	if len(transfers) < roundMinSamples {
		return nil
	}
	round12, round13, round14 := 0, 0, 0
	rem := new(big.Int)
	for _, t := range transfers {
		amt, ok := new(big.Int).SetString(t.Amount, 10)
		if !ok || amt.Sign() <= 0 {
			continue
		}
		if rem.Mod(amt, planck12).Sign() != 0 {
			continue
		}
		round12++
		if rem.Mod(amt, planck13).Sign() == 0 {
			round13++
			if rem.Mod(amt, planck14).Sign() == 0 {
				round14++
			}
		}
	}
	fraction := float64(round12) / float64(len(transfers))
	if fraction < roundMinFraction {
		return nil
	}

	// Coarser granularity is a stronger signal.
	confidence := fraction * 0.8
	if float64(round13)/float64(len(transfers)) >= roundMinFraction {
		confidence = fraction * 0.9
	}
	if float64(round14)/float64(len(transfers)) >= roundMinFraction {
		confidence = fraction
	}
	return &models.Pattern{
		Type:        models.PatternRoundNumber,
		Confidence:  confidence,
		Severity:    "low",
		Description: fmt.Sprintf("%.0f%% of %d transfers are whole-token amounts", fraction*100, len(transfers)),
		Evidence: models.PatternEvidence{
			RoundFraction: fraction,
			SampleSize:    len(transfers),
		},
		Timestamp: now,
	}
}

// DetectMixingService flags hub nodes with symmetric high fan-in and
// fan-out, the shape of a tumbler or mixing intermediary.
func DetectMixingService(hub string, fanIn, fanOut int, totalVolume string, now time.Time) *models.Pattern {
	if fanIn < mixingMinFan || fanOut < mixingMinFan {
		return nil
	}
	smaller, larger := fanIn, fanOut
	if smaller > larger {
		smaller, larger = larger, smaller
	}
	symmetry := float64(smaller) / float64(larger)
	confidence := 0.5 + 0.4*symmetry
	severity := "medium"
	if confidence >= 0.8 {
		severity = "high"
	}
	return &models.Pattern{
		Type:        models.PatternMixingService,
		Confidence:  confidence,
		Severity:    severity,
		Description: fmt.Sprintf("hub with %d inbound and %d outbound counterparties", fanIn, fanOut),
		Evidence: models.PatternEvidence{
			FanIn:       fanIn,
			FanOut:      fanOut,
			HubAddress:  hub,
			TotalVolume: totalVolume,
		},
		Timestamp: now,
	}
}

// DetectExchangeConsolidation flags the opposite shape: many inbound
// counterparties funneling into very few outbound ones, typical of an
// exchange sweep wallet. Informational rather than suspicious.
func DetectExchangeConsolidation(hub string, fanIn, fanOut int, totalVolume string, now time.Time) *models.Pattern {
	if fanIn < consolidationFanIn || fanOut > consolidationFanOut {
		return nil
	}
	confidence := 0.6 + 0.01*float64(fanIn)
	if confidence > 0.95 {
		confidence = 0.95
	}
	return &models.Pattern{
		Type:        models.PatternExchangeConsolidation,
		Confidence:  confidence,
		Severity:    "low",
		Description: fmt.Sprintf("%d inbound counterparties consolidate into %d outbound", fanIn, fanOut),
		Evidence: models.PatternEvidence{
			FanIn:       fanIn,
			FanOut:      fanOut,
			HubAddress:  hub,
			TotalVolume: totalVolume,
		},
		Timestamp: now,
	}
}

// PatternInput bundles everything the detectors need for one address.
type PatternInput struct {
	Address     string
	Cycles      []CycleCandidate
	Transfers   []models.Transfer // Annotated with Direction
	FanIn       int
	FanOut      int
	TotalVolume string
	TimeWindow  time.Duration
}

// DetectPatterns runs every detector and returns the findings sorted by
// confidence descending.
func DetectPatterns(in PatternInput, now time.Time) []models.Pattern {
	patterns := DetectCircularFlows(in.Cycles, now)
	if p := DetectRapidSequential(in.Transfers, in.TimeWindow, now); p != nil {
		patterns = append(patterns, *p)
	}
	if p := DetectRoundNumber(in.Transfers, now); p != nil {
		patterns = append(patterns, *p)
	}
	if p := DetectMixingService(in.Address, in.FanIn, in.FanOut, in.TotalVolume, now); p != nil {
		patterns = append(patterns, *p)
	}
	if p := DetectExchangeConsolidation(in.Address, in.FanIn, in.FanOut, in.TotalVolume, now); p != nil {
		patterns = append(patterns, *p)
	}
	sort.SliceStable(patterns, func(i, j int) bool {
		return patterns[i].Confidence > patterns[j].Confidence
	})
	return patterns
}
