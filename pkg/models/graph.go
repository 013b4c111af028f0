package models

// Graph payload types. These are transient: they exist only for the
// lifetime of one request or stream session and are shaped for direct
// consumption by a D3 force-layout front end.

// NodeIdentity is the trimmed identity summary embedded in a graph node.
type NodeIdentity struct {
	Display     string `json:"display"`
	IsConfirmed bool   `json:"isConfirmed"`
	IsInvalid   bool   `json:"isInvalid"`
}

// NodeBalance splits the account balance into the chain's lock classes.
type NodeBalance struct {
	Free     string `json:"free"`
	Reserved string `json:"reserved"`
	Frozen   string `json:"frozen"`
}

// GraphNode is one rendered account in an assembled graph.
type GraphNode struct {
	Address         string       `json:"address"`
	Identity        NodeIdentity `json:"identity"`
	Balance         NodeBalance  `json:"balance"`
	NodeType        string       `json:"nodeType"` // "center"/"regular"/"exchange"/"validator"
	HopLevel        int          `json:"hopLevel"` // 0 for the center, >=1 otherwise
	Degree          int          `json:"degree"`
	InDegree        int          `json:"inDegree"`
	OutDegree       int          `json:"outDegree"`
	TotalVolume     string       `json:"totalVolume"`
	SuggestedSize   float64      `json:"suggestedSize"`
	SuggestedColor  string       `json:"suggestedColor"`
	FirstSeen       int64        `json:"firstSeen"`
	LastActive      int64        `json:"lastActive"`
	RiskScore       *float64     `json:"riskScore,omitempty"`
	RiskFactors     []string     `json:"riskFactors,omitempty"`
	ImportanceScore *float64     `json:"importanceScore,omitempty"`
}

// GraphEdge is an aggregated transfer relationship between two nodes
// of the same payload. Volume > 0 and Count >= 1 always hold.
type GraphEdge struct {
	ID                string  `json:"id"`
	Source            string  `json:"source"`
	Target            string  `json:"target"`
	Count             int64   `json:"count"`
	Volume            string  `json:"volume"`
	EdgeType          string  `json:"edgeType"` // "transfer" or "inferred"
	FirstTransfer     int64   `json:"firstTransfer"`
	LastTransfer      int64   `json:"lastTransfer"`
	SuspiciousPattern bool    `json:"suspiciousPattern"`
	PatternType       string  `json:"patternType,omitempty"`
	SuggestedWidth    float64 `json:"suggestedWidth"`
	SuggestedColor    string  `json:"suggestedColor"`
	SuggestedOpacity  float64 `json:"suggestedOpacity"`
	Animated          bool    `json:"animated"`
	Bidirectional     bool    `json:"bidirectional"`
	DominantDirection string  `json:"dominantDirection"` // "forward"/"reverse"/"balanced"
}

// ForceParameters tunes the client-side force simulation.
type ForceParameters struct {
	ChargeStrength float64 `json:"chargeStrength"`
	LinkDistance   float64 `json:"linkDistance"`
	LinkStrength   float64 `json:"linkStrength"`
	CenterX        float64 `json:"centerX"`
	CenterY        float64 `json:"centerY"`
}

// GraphLayout carries layout hints for the renderer.
type GraphLayout struct {
	ForceParameters ForceParameters       `json:"forceParameters"`
	FixedPositions  map[string][2]float64 `json:"fixedPositions"`
}

// GraphCluster is an optional grouping of nodes produced when
// clustering is requested.
type GraphCluster struct {
	ID          string   `json:"id"`
	Addresses   []string `json:"addresses"`
	TotalVolume string   `json:"totalVolume"`
	Label       string   `json:"label,omitempty"`
}

// GraphMetadata summarizes the assembled payload.
type GraphMetadata struct {
	TotalNodes                   int     `json:"totalNodes"`
	TotalEdges                   int     `json:"totalEdges"`
	NetworkDensity               float64 `json:"networkDensity"`
	AverageClusteringCoefficient float64 `json:"averageClusteringCoefficient"`
	CenterNode                   string  `json:"centerNode"`
	RequestedDepth               int     `json:"requestedDepth"`
	ActualDepth                  int     `json:"actualDepth"`
	HasMore                      bool    `json:"hasMore"`
	NextCursor                   string  `json:"nextCursor,omitempty"`
	NodesOmitted                 int     `json:"nodesOmitted"`
	EdgesOmitted                 int     `json:"edgesOmitted"`
	RenderingComplexity          string  `json:"renderingComplexity"` // "low"/"medium"/"high"
	SuggestedLayout              string  `json:"suggestedLayout"`     // "circular"/"hierarchical"/"force"
	HighRiskNodeCount            int     `json:"highRiskNodeCount"`
	SuspiciousEdgeCount          int     `json:"suspiciousEdgeCount"`
	EarliestTransfer             int64   `json:"earliestTransfer"`
	LatestTransfer               int64   `json:"latestTransfer"`
}

// GraphPayload is the full response body of the graph endpoints and
// the cumulative logical output of a stream session.
type GraphPayload struct {
	Nodes    []GraphNode    `json:"nodes"`
	Edges    []GraphEdge    `json:"edges"`
	Layout   GraphLayout    `json:"layout"`
	Clusters []GraphCluster `json:"clusters,omitempty"`
	Metadata GraphMetadata  `json:"metadata"`
}

// Cursor is the decoded form of the opaque expansion handle. It is
// self-describing: everything needed to resume an expansion without
// server-side state.
type Cursor struct {
	CenterAddress string   `json:"centerAddress"`
	CurrentDepth  int      `json:"currentDepth"`
	LastNodes     []string `json:"lastNodes"`
	ExcludeNodes  []string `json:"excludeNodes"`
}
