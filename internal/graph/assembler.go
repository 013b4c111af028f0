package graph

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/rs/zerolog"

	"github.com/polkatrace/graph-engine/internal/analysis"
	"github.com/polkatrace/graph-engine/internal/db"
	"github.com/polkatrace/graph-engine/internal/guard"
	"github.com/polkatrace/graph-engine/pkg/models"
)

// Ingester refreshes local data for an address from the upstream
// indexer. Nil when the engine runs offline.
type Ingester interface {
	EnsureFresh(ctx context.Context, address string) error
}

// Request parameterizes one graph assembly.
type Request struct {
	Center      string
	Depth       int
	MaxNodes    int
	MinVolume   *big.Int
	IncludeRisk bool
}

// Assembler builds renderable graph payloads from the store, refreshing
// stale centers through the ingester first and running every traversal
// under the query guard.
type Assembler struct {
	store    *db.Store
	guard    *guard.Guard
	ingester Ingester
	log      zerolog.Logger
}

func NewAssembler(store *db.Store, g *guard.Guard, ing Ingester, log zerolog.Logger) *Assembler {
	return &Assembler{
		store:    store,
		guard:    g,
		ingester: ing,
		log:      log.With().Str("component", "assembler").Logger(),
	}
}

// Assemble builds the graph around req.Center. The node budget includes
// the center, so at most MaxNodes-1 counterparties are admitted.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*models.GraphPayload, error) {
	if req.Depth < 1 {
		req.Depth = 1
	}
	if req.MaxNodes < 2 {
		req.MaxNodes = 2
	}

	if a.ingester != nil {
		if err := a.ingester.EnsureFresh(ctx, req.Center); err != nil {
			// Stale local data beats no response.
			a.log.Warn().Err(err).Str("address", req.Center).Msg("refresh failed, serving local data")
		}
	}

	var t *db.Traversal
	queryID := "graph:" + req.Center
	err := a.guard.Run(ctx, queryID, guard.Limits{}, func(qctx context.Context, row guard.RowFunc) error {
		var err error
		if req.Depth == 1 {
			t, err = a.store.DirectGraph(qctx, req.Center, req.MinVolume, req.MaxNodes-1, db.RowHook(row))
		} else {
			t, err = a.store.MultiHopGraph(qctx, req.Center, req.Depth, req.MaxNodes, req.MinVolume, db.RowHook(row))
		}
		if err != nil {
			return err
		}
		if len(t.Nodes) <= 1 && len(t.Edges) == 0 {
			t, err = a.store.FallbackGraph(qctx, req.Center, req.MaxNodes-1, db.RowHook(row))
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	payload, err := a.buildPayload(ctx, t, req)
	if err != nil {
		return nil, err
	}
	if t.HasMore {
		payload.Metadata.HasMore = true
		payload.Metadata.NextCursor = a.nextCursor(t, req.Depth)
	}
	return payload, nil
}

// nextCursor captures resume state: the tail of the last frontier plus
// the full set of already-delivered nodes.
func (a *Assembler) nextCursor(t *db.Traversal, depth int) string {
	last := t.Frontier
	if len(last) > cursorMaxLastNodes {
		last = last[len(last)-cursorMaxLastNodes:]
	}
	if len(last) == 0 {
		last = []string{t.Center}
	}
	exclude := make([]string, 0, len(t.Order))
	exclude = append(exclude, t.Order...)
	return EncodeCursor(&models.Cursor{
		CenterAddress: t.Center,
		CurrentDepth:  depth,
		LastNodes:     append([]string{}, last...),
		ExcludeNodes:  exclude,
	})
}

// buildPayload decorates a traversal into the response shape: account
// details per node, degree counts, render hints, and summary metadata.
func (a *Assembler) buildPayload(ctx context.Context, t *db.Traversal, req Request) (*models.GraphPayload, error) {
	type degrees struct {
		in, out int
		volume  *big.Int
	}
	deg := make(map[string]*degrees, len(t.Nodes))
	for addr := range t.Nodes {
		deg[addr] = &degrees{volume: new(big.Int)}
	}

	earliest, latest := int64(0), int64(0)
	for _, e := range t.Edges {
		deg[e.From].out++
		deg[e.To].in++
		deg[e.From].volume.Add(deg[e.From].volume, e.Volume)
		deg[e.To].volume.Add(deg[e.To].volume, e.Volume)
		if e.Bidirectional {
			deg[e.From].in++
			deg[e.To].out++
		}
		if earliest == 0 || (e.FirstTs > 0 && e.FirstTs < earliest) {
			earliest = e.FirstTs
		}
		if e.LastTs > latest {
			latest = e.LastTs
		}
	}

	now := time.Now()
	highRisk := 0
	nodes := make([]models.GraphNode, 0, len(t.Order))
	for _, addr := range t.Order {
		hop := t.Nodes[addr]
		d := deg[addr]
		node := models.GraphNode{
			Address:     addr,
			HopLevel:    hop,
			InDegree:    d.in,
			OutDegree:   d.out,
			Degree:      d.in + d.out,
			TotalVolume: d.volume.String(),
			NodeType:    "regular",
		}
		if hop == 0 {
			node.NodeType = "center"
		}

		acct, err := a.store.GetAccount(ctx, addr)
		switch {
		case err == nil:
			a.decorateFromAccount(&node, acct, req.IncludeRisk)
		case errors.Is(err, db.ErrNotFound):
			// Counterparty never ingested directly; graph data only.
		default:
			return nil, fmt.Errorf("load account %s: %w", addr, err)
		}
		if node.RiskScore != nil && *node.RiskScore >= 70 {
			highRisk++
		}

		node.SuggestedSize = nodeSize(node.Degree, hop == 0)
		node.SuggestedColor = nodeColor(&node)
		nodes = append(nodes, node)
	}

	suspicious := 0
	edges := make([]models.GraphEdge, 0, len(t.Edges))
	for _, e := range t.Edges {
		ge := models.GraphEdge{
			ID:                e.From + "->" + e.To,
			Source:            e.From,
			Target:            e.To,
			Count:             e.Count,
			Volume:            e.Volume.String(),
			EdgeType:          "transfer",
			FirstTransfer:     e.FirstTs,
			LastTransfer:      e.LastTs,
			Bidirectional:     e.Bidirectional,
			DominantDirection: dominantDirection(e),
			SuggestedWidth:    edgeWidth(e.Volume),
			SuggestedOpacity:  edgeOpacity(e.LastTs, now),
			SuggestedColor:    "#94a3b8",
			Animated:          now.Unix()-e.LastTs < 86400,
		}
		if ge.SuspiciousPattern {
			suspicious++
		}
		edges = append(edges, ge)
	}

	snap := analysis.NewSnapshot(nodes, edges)
	n := len(nodes)
	density := 0.0
	if n > 1 {
		density = float64(len(edges)) / float64(n*(n-1))
	}

	payload := &models.GraphPayload{
		Nodes:  nodes,
		Edges:  edges,
		Layout: defaultLayout(t.Center, n),
		Metadata: models.GraphMetadata{
			TotalNodes:                   n,
			TotalEdges:                   len(edges),
			NetworkDensity:               density,
			AverageClusteringCoefficient: snap.AverageClusteringCoefficient(),
			CenterNode:                   t.Center,
			RequestedDepth:               req.Depth,
			ActualDepth:                  t.ActualDepth,
			RenderingComplexity:          renderingComplexity(n, len(edges)),
			SuggestedLayout:              suggestedLayout(n, density),
			HighRiskNodeCount:            highRisk,
			SuspiciousEdgeCount:          suspicious,
			EarliestTransfer:             earliest,
			LatestTransfer:               latest,
		},
	}
	return payload, nil
}

func (a *Assembler) decorateFromAccount(node *models.GraphNode, acct *models.Account, includeRisk bool) {
	node.Balance.Free = acct.Balance
	node.FirstSeen = acct.FirstSeenBlock
	node.LastActive = acct.LastSeenBlock
	if acct.Identity != nil {
		node.Identity = models.NodeIdentity{
			Display:     acct.Identity.Display,
			IsConfirmed: acct.Identity.IsVerified,
		}
	}
	if node.NodeType != "center" {
		for _, tag := range acct.Tags {
			switch tag {
			case "exchange":
				node.NodeType = "exchange"
			case "validator":
				node.NodeType = "validator"
			}
		}
	}
	if includeRisk && acct.RiskLevel != nil {
		score := float64(*acct.RiskLevel)
		node.RiskScore = &score
	}
}

// nodeSize grows with the square root of degree so hub nodes stay
// on screen without dwarfing everything else.
func nodeSize(degree int, center bool) float64 {
	size := 8 + 2*math.Sqrt(float64(degree))
	if center {
		size += 6
	}
	if size > 40 {
		size = 40
	}
	return size
}

func nodeColor(node *models.GraphNode) string {
	if node.RiskScore != nil {
		switch {
		case *node.RiskScore >= 70:
			return "#dc2626" // red
		case *node.RiskScore >= 30:
			return "#f59e0b" // amber
		}
	}
	switch node.NodeType {
	case "center":
		return "#2563eb"
	case "exchange":
		return "#7c3aed"
	case "validator":
		return "#0891b2"
	default:
		return "#64748b"
	}
}

var edgeWidthUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(12), nil)

// edgeWidth maps volume onto 1-8 px on a log scale above one token.
func edgeWidth(volume *big.Int) float64 {
	if volume.Cmp(edgeWidthUnit) <= 0 {
		return 1
	}
	tokens, _ := new(big.Float).Quo(new(big.Float).SetInt(volume), new(big.Float).SetInt(edgeWidthUnit)).Float64()
	w := 1 + math.Log10(tokens)
	if w > 8 {
		w = 8
	}
	return w
}

// edgeOpacity fades inactive relationships: full strength inside a
// week, floor of 0.4 past ninety days.
func edgeOpacity(lastTs int64, now time.Time) float64 {
	if lastTs == 0 {
		return 0.4
	}
	age := now.Unix() - lastTs
	switch {
	case age < 7*86400:
		return 1
	case age > 90*86400:
		return 0.4
	default:
		return 1 - 0.6*float64(age-7*86400)/float64(83*86400)
	}
}

func dominantDirection(e db.TraversalEdge) string {
	if !e.Bidirectional {
		return "forward"
	}
	// Within 10% of parity reads as balanced.
	diff := new(big.Int).Sub(e.ForwardVolume, e.ReverseVolume)
	tenth := new(big.Int).Div(e.Volume, big.NewInt(10))
	if diff.CmpAbs(tenth) <= 0 {
		return "balanced"
	}
	return "forward"
}

func defaultLayout(center string, nodes int) models.GraphLayout {
	charge := -120.0
	if nodes > 100 {
		charge = -60
	}
	return models.GraphLayout{
		ForceParameters: models.ForceParameters{
			ChargeStrength: charge,
			LinkDistance:   80,
			LinkStrength:   0.5,
			CenterX:        0.5,
			CenterY:        0.5,
		},
		FixedPositions: map[string][2]float64{center: {0.5, 0.5}},
	}
}

func renderingComplexity(nodes, edges int) string {
	score := nodes + edges
	switch {
	case score < 50:
		return "low"
	case score < 200:
		return "medium"
	default:
		return "high"
	}
}

func suggestedLayout(nodes int, density float64) string {
	switch {
	case nodes < 20:
		return "circular"
	case density > 0.1:
		return "hierarchical"
	default:
		return "force"
	}
}
