package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/polkatrace/graph-engine/internal/analysis"
	"github.com/polkatrace/graph-engine/internal/collector"
	"github.com/polkatrace/graph-engine/internal/config"
	"github.com/polkatrace/graph-engine/internal/db"
	"github.com/polkatrace/graph-engine/internal/graph"
	"github.com/polkatrace/graph-engine/internal/guard"
	"github.com/polkatrace/graph-engine/internal/logging"
	"github.com/polkatrace/graph-engine/internal/metrics"
	"github.com/polkatrace/graph-engine/internal/notify"
	"github.com/polkatrace/graph-engine/internal/quota"
	"github.com/polkatrace/graph-engine/internal/security"
	"github.com/polkatrace/graph-engine/internal/upstream"
	"github.com/polkatrace/graph-engine/internal/validate"
	"github.com/polkatrace/graph-engine/pkg/models"
)

// Handler carries the shared singletons every endpoint needs.
type Handler struct {
	store      *db.Store
	assembler  *graph.Assembler
	client     *upstream.Client // nil in offline mode
	collector  *collector.Collector
	guard      *guard.Guard
	limiter    *quota.CostLimiter
	anonymizer *security.Anonymizer
	webhook    *notify.Webhook
	sessions   *SessionRegistry
	cfg        *config.Config
	log        zerolog.Logger
	met        *metrics.Metrics
	errLimit   *logging.ErrorLimiter
}

// NewHandler wires the endpoint surface. client may be nil when the
// engine runs without upstream access.
func NewHandler(store *db.Store, asm *graph.Assembler, client *upstream.Client, coll *collector.Collector,
	g *guard.Guard, limiter *quota.CostLimiter, anon *security.Anonymizer, hook *notify.Webhook,
	cfg *config.Config, log zerolog.Logger, met *metrics.Metrics) *Handler {
	h := &Handler{
		store:      store,
		assembler:  asm,
		client:     client,
		collector:  coll,
		guard:      g,
		limiter:    limiter,
		anonymizer: anon,
		webhook:    hook,
		cfg:        cfg,
		log:        log.With().Str("component", "api").Logger(),
		met:        met,
		errLimit:   logging.NewErrorLimiter(log, time.Minute, 10),
	}
	h.sessions = NewSessionRegistry(h, log, met)
	return h
}

// graphParams is the parsed and clamped form of the graph query string.
type graphParams struct {
	address          string
	depth            int
	maxNodes         int
	minVolume        string
	direction        string
	includeRisk      bool
	riskThreshold    float64
	nodeTypes        map[string]bool
	startTime        int64
	endTime          int64
	enableClustering bool
	anonymize        bool
}

func (h *Handler) parseGraphParams(c *gin.Context) (*graphParams, error) {
	p := &graphParams{
		address:          c.Param("address"),
		depth:            validate.Depth(c.Query("depth")),
		maxNodes:         validate.MaxNodes(c.Query("maxNodes")),
		minVolume:        c.Query("minVolume"),
		direction:        c.Query("direction"),
		includeRisk:      c.Query("includeRiskScores") == "true",
		enableClustering: c.Query("enableClustering") == "true",
		anonymize:        c.Query("anonymize") == "true",
		startTime:        int64(validate.Int(c.Query("startTime"), 0)),
		endTime:          int64(validate.Int(c.Query("endTime"), 0)),
		riskThreshold:    float64(validate.IntInRange(c.Query("riskThreshold"), 0, 0, 100)),
	}
	if err := validate.Address(p.address); err != nil {
		return nil, err
	}
	if raw := c.Query("nodeTypes"); raw != "" {
		p.nodeTypes = make(map[string]bool)
		for _, t := range strings.Split(raw, ",") {
			p.nodeTypes[strings.TrimSpace(t)] = true
		}
	}

	filters := 0
	if p.minVolume != "" {
		filters++
	}
	if p.direction != "" {
		filters++
	}
	if p.nodeTypes != nil {
		filters++
	}
	days := 0.0
	if p.startTime > 0 && p.endTime > p.startTime {
		days = float64(p.endTime-p.startTime) / 86400
	}
	score := validate.Complexity(p.depth, p.maxNodes, filters, days)
	if err := validate.CheckComplexity(score, h.cfg.ComplexityCap); err != nil {
		return nil, err
	}
	return p, nil
}

// GetGraph is GET /api/graph/:address.
func (h *Handler) GetGraph(c *gin.Context) {
	p, err := h.parseGraphParams(c)
	if err != nil {
		h.respondMapped(c, err)
		return
	}
	minVol, err := validate.Volume(p.minVolume, h.log)
	if err != nil {
		h.respondMapped(c, err)
		return
	}

	payload, err := h.assembler.Assemble(c.Request.Context(), graph.Request{
		Center:      p.address,
		Depth:       p.depth,
		MaxNodes:    p.maxNodes,
		MinVolume:   minVol,
		IncludeRisk: p.includeRisk,
	})
	if err != nil {
		h.respondMapped(c, err)
		return
	}

	// A center-only payload is either a known account with no transfers
	// or an address this engine has never seen. The latter is a 404.
	if len(payload.Edges) == 0 && len(payload.Nodes) <= 1 {
		if _, lookupErr := h.store.GetAccount(c.Request.Context(), p.address); errors.Is(lookupErr, db.ErrNotFound) {
			h.respondMapped(c, lookupErr)
			return
		}
	}

	h.applyFilters(payload, p)
	if p.enableClustering {
		payload.Clusters = graph.BuildClusters(payload)
	}
	if p.anonymize {
		h.anonymizer.AnonymizePayload(payload)
	}
	c.JSON(http.StatusOK, payload)
}

// applyFilters trims the payload by direction, node type, risk band,
// and time window. The center always survives; edges orphaned by a
// removed endpoint go with it.
func (h *Handler) applyFilters(p *models.GraphPayload, params *graphParams) {
	center := p.Metadata.CenterNode

	keepNode := func(n *models.GraphNode) bool {
		if n.Address == center {
			return true
		}
		if params.nodeTypes != nil && !params.nodeTypes[n.NodeType] {
			return false
		}
		if params.riskThreshold > 0 {
			if n.RiskScore == nil || *n.RiskScore < params.riskThreshold {
				return false
			}
		}
		return true
	}
	keepEdge := func(e *models.GraphEdge) bool {
		if params.direction == "sent" && e.Source != center {
			return false
		}
		if params.direction == "received" && e.Target != center {
			return false
		}
		if params.startTime > 0 && e.LastTransfer < params.startTime {
			return false
		}
		if params.endTime > 0 && e.FirstTransfer > params.endTime {
			return false
		}
		return true
	}

	if params.nodeTypes == nil && params.riskThreshold == 0 &&
		params.direction == "" && params.startTime == 0 && params.endTime == 0 {
		return
	}

	kept := make(map[string]bool)
	nodes := p.Nodes[:0]
	for i := range p.Nodes {
		if keepNode(&p.Nodes[i]) {
			kept[p.Nodes[i].Address] = true
			nodes = append(nodes, p.Nodes[i])
		} else {
			p.Metadata.NodesOmitted++
		}
	}
	edges := p.Edges[:0]
	for i := range p.Edges {
		e := &p.Edges[i]
		if kept[e.Source] && kept[e.Target] && keepEdge(e) {
			edges = append(edges, *e)
		} else {
			p.Metadata.EdgesOmitted++
		}
	}
	p.Nodes = nodes
	p.Edges = edges
	p.Metadata.TotalNodes = len(nodes)
	p.Metadata.TotalEdges = len(edges)
}

// GetExpand is GET /api/graph/expand.
func (h *Handler) GetExpand(c *gin.Context) {
	cursor, err := graph.DecodeCursor(c.Query("cursor"))
	if err != nil {
		h.respondMapped(c, err)
		return
	}
	minVol, err := validate.Volume(c.Query("minVolume"), h.log)
	if err != nil {
		h.respondMapped(c, err)
		return
	}
	payload, err := h.assembler.Expand(c.Request.Context(), cursor, minVol, c.Query("includeRiskScores") == "true")
	if err != nil {
		h.respondMapped(c, err)
		return
	}
	if c.Query("anonymize") == "true" {
		h.anonymizer.AnonymizePayload(payload)
	}
	c.JSON(http.StatusOK, payload)
}

// pathSnapshotNodes bounds how much graph a path search assembles.
const pathSnapshotNodes = 200

// GetPath is GET /api/graph/path.
func (h *Handler) GetPath(c *gin.Context) {
	from, to := c.Query("from"), c.Query("to")
	if err := validate.Address(from); err != nil {
		h.respondMapped(c, err)
		return
	}
	if err := validate.Address(to); err != nil {
		h.respondMapped(c, err)
		return
	}
	maxDepth := validate.IntInRange(c.Query("maxDepth"), analysis.DefaultMaxPathDepth, 1, validate.MaxDepth)
	algorithm := c.Query("algorithm")
	if algorithm == "" {
		algorithm = analysis.WeightHops
	}

	snap, err := h.pathSnapshot(c, from, maxDepth)
	if err != nil {
		h.respondMapped(c, err)
		return
	}

	best, err := snap.ShortestPath(from, to, algorithm, maxDepth)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"found": false, "paths": []analysis.Path{}})
		return
	}
	best.Score = 100 - 10*float64(best.Length)

	resp := gin.H{"found": true, "path": best}
	if c.Query("includeAlternatives") == "true" {
		resp["alternatives"] = snap.FindAllPaths(from, to, maxDepth, 5)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) pathSnapshot(c *gin.Context, center string, depth int) (*analysis.Snapshot, error) {
	payload, err := h.assembler.Assemble(c.Request.Context(), graph.Request{
		Center:   center,
		Depth:    depth,
		MaxNodes: pathSnapshotNodes,
	})
	if err != nil {
		return nil, err
	}
	return analysis.NewSnapshot(payload.Nodes, payload.Edges), nil
}

// GetMetrics is GET /api/graph/metrics/:address. Metrics are computed
// on the assembled local subgraph, never the chain-wide graph.
func (h *Handler) GetMetrics(c *gin.Context) {
	address := c.Param("address")
	if err := validate.Address(address); err != nil {
		h.respondMapped(c, err)
		return
	}
	snap, err := h.pathSnapshot(c, address, 2)
	if err != nil {
		h.respondMapped(c, err)
		return
	}
	m := snap.ComputeNodeMetrics(address)
	c.JSON(http.StatusOK, gin.H{
		"metrics":    m,
		"scope":      "local-subgraph",
		"sampleSize": snap.Size(),
	})
}

// GetPatterns is GET /api/graph/patterns/:address.
func (h *Handler) GetPatterns(c *gin.Context) {
	address := c.Param("address")
	if err := validate.Address(address); err != nil {
		h.respondMapped(c, err)
		return
	}
	depth := validate.IntInRange(c.Query("depth"), 3, 2, validate.MaxDepth)
	window := time.Duration(validate.IntInRange(c.Query("timeWindow"), 300, 1, 86400)) * time.Second

	var cycles []db.Cycle
	err := h.guard.Run(c.Request.Context(), "patterns:"+address, guard.Limits{}, func(qctx context.Context, row guard.RowFunc) error {
		var err error
		cycles, err = h.store.CircularFlows(qctx, address, depth, nil, db.RowHook(row))
		return err
	})
	if err != nil {
		h.respondMapped(c, err)
		return
	}

	transfers, err := h.store.OutgoingTransfers(c.Request.Context(), address, 200)
	if err != nil {
		h.respondMapped(c, err)
		return
	}

	input := analysis.PatternInput{
		Address:    address,
		Transfers:  transfers,
		TimeWindow: window,
	}
	for _, cy := range cycles {
		input.Cycles = append(input.Cycles, analysis.CycleCandidate{
			Path:      cy.Path,
			MinVolume: cy.MinVolume.String(),
		})
	}
	if stats, err := h.store.GetAccountStats(c.Request.Context(), address); err == nil {
		input.FanIn = int(stats.UniqueSenders)
		input.FanOut = int(stats.UniqueReceivers)
		input.TotalVolume = stats.TotalSent
	}

	now := time.Now().UTC()
	patterns := analysis.DetectPatterns(input, now)
	assessment := analysis.AssessRisk(patterns, now)

	for _, p := range patterns {
		h.met.PatternsDetected.WithLabelValues(p.Type).Inc()
	}
	if len(patterns) > 0 {
		high := int64(0)
		if assessment.Score >= 70 {
			high = 1
		}
		if err := h.store.RecordSuspiciousPatterns(c.Request.Context(), address, int64(len(patterns)), high); err != nil {
			h.log.Warn().Err(err).Msg("cannot record pattern counters")
		}
	}
	h.webhook.NotifyRisk(address, &assessment)

	c.JSON(http.StatusOK, gin.H{
		"address":        address,
		"patterns":       patterns,
		"riskAssessment": assessment,
	})
}

// Health is GET /api/health.
func (h *Handler) Health(c *gin.Context) {
	status := "ok"
	dbOK := true
	if err := h.store.Ping(c.Request.Context()); err != nil {
		status, dbOK = "degraded", false
	}
	resp := gin.H{
		"status":          status,
		"database":        dbOK,
		"inFlightQueries": h.guard.InFlight(),
		"activeSessions":  h.sessions.Active(),
		"collector":       h.collector.Progress(),
	}
	if h.client != nil {
		resp["upstream"] = h.client.Health()
	} else {
		resp["upstream"] = gin.H{"mode": "offline"}
	}
	code := http.StatusOK
	if !dbOK {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

// SyncStatus is GET /api/sync/status.
func (h *Handler) SyncStatus(c *gin.Context) {
	resp := gin.H{"collector": h.collector.Progress()}
	if st, err := h.store.GetSyncState(c.Request.Context()); err == nil {
		resp["sync"] = st
	}
	c.JSON(http.StatusOK, resp)
}
