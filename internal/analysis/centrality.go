package analysis

import (
	"math"
	"math/big"
)

// Degree holds the degree centrality bundle for one node. Weighted
// degree is the sum of incident edge volumes.
type Degree struct {
	In       int      `json:"inDegree"`
	Out      int      `json:"outDegree"`
	Total    int      `json:"degree"`
	Weighted *big.Int `json:"-"`
}

// DegreeCentrality runs in O(edges incident to the node).
func (s *Snapshot) DegreeCentrality(address string) Degree {
	d := Degree{Weighted: new(big.Int)}
	d.In = len(s.In[address])
	d.Out = len(s.Out[address])
	d.Total = len(s.Und[address])
	for _, n := range s.Und[address] {
		d.Weighted.Add(d.Weighted, n.Volume)
	}
	return d
}

// ClusteringCoefficient for v: edges among v's neighbors divided by
// the maximum possible k*(k-1)/2. Nodes with fewer than two neighbors
// score zero.
func (s *Snapshot) ClusteringCoefficient(address string) float64 {
	neighbors := s.Und[address]
	k := len(neighbors)
	if k < 2 {
		return 0
	}
	links := 0
	for i := 0; i < k; i++ {
		for j := i + 1; j < k; j++ {
			if s.connected(neighbors[i].Address, neighbors[j].Address) {
				links++
			}
		}
	}
	return float64(2*links) / float64(k*(k-1))
}

// clusteringSampleCap bounds the averaged coefficient to the first 10
// nodes of the snapshot; averaging over everything is quadratic in the
// worst case and the metadata field only needs an estimate.
const clusteringSampleCap = 10

// AverageClusteringCoefficient samples up to clusteringSampleCap nodes.
func (s *Snapshot) AverageClusteringCoefficient() float64 {
	n := len(s.Nodes)
	if n == 0 {
		return 0
	}
	sample := n
	if sample > clusteringSampleCap {
		sample = clusteringSampleCap
	}
	sum := 0.0
	for _, addr := range s.Nodes[:sample] {
		sum += s.ClusteringCoefficient(addr)
	}
	return sum / float64(sample)
}

// betweennessSourceCap bounds Brandes' algorithm to this many source
// nodes. With s of n sources the estimate's standard error shrinks as
// O(1/sqrt(s)); exact values would need every node as a source.
const betweennessSourceCap = 50

// Betweenness approximates betweenness centrality with Brandes'
// dependency accumulation over a deterministic sample of sources,
// rescaled by n/s so values are comparable to the exact measure.
func (s *Snapshot) Betweenness() map[string]float64 {
	bc := make(map[string]float64, len(s.Nodes))
	for _, v := range s.Nodes {
		bc[v] = 0
	}
	n := len(s.Nodes)
	if n < 3 {
		return bc
	}

	sources := s.Nodes
	if len(sources) > betweennessSourceCap {
		sources = sources[:betweennessSourceCap]
	}

	for _, src := range sources {
		// BFS from src over the undirected snapshot.
		sigma := map[string]float64{src: 1}
		dist := map[string]int{src: 0}
		preds := make(map[string][]string)
		var order []string
		queue := []string{src}
		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
			order = append(order, v)
			for _, nb := range s.Und[v] {
				w := nb.Address
				if _, seen := dist[w]; !seen {
					dist[w] = dist[v] + 1
					queue = append(queue, w)
				}
				if dist[w] == dist[v]+1 {
					sigma[w] += sigma[v]
					preds[w] = append(preds[w], v)
				}
			}
		}
		// Dependency accumulation in reverse BFS order.
		delta := make(map[string]float64)
		for i := len(order) - 1; i >= 0; i-- {
			w := order[i]
			for _, v := range preds[w] {
				delta[v] += sigma[v] / sigma[w] * (1 + delta[w])
			}
			if w != src {
				bc[w] += delta[w]
			}
		}
	}

	scale := float64(n) / float64(len(sources))
	for v := range bc {
		bc[v] *= scale / 2 // Each undirected path is counted from both ends
	}
	return bc
}

// PageRank iteration bounds. Convergence is declared when the L1 delta
// drops under pageRankTolerance; 20 iterations cap the worst case.
const (
	pageRankDamping   = 0.85
	pageRankMaxIter   = 20
	pageRankTolerance = 1e-6
)

// PageRank over the directed snapshot. Dangling mass is redistributed
// uniformly.
func (s *Snapshot) PageRank() map[string]float64 {
	n := len(s.Nodes)
	pr := make(map[string]float64, n)
	if n == 0 {
		return pr
	}
	init := 1.0 / float64(n)
	for _, v := range s.Nodes {
		pr[v] = init
	}

	for iter := 0; iter < pageRankMaxIter; iter++ {
		next := make(map[string]float64, n)
		dangling := 0.0
		for _, v := range s.Nodes {
			out := s.Out[v]
			if len(out) == 0 {
				dangling += pr[v]
				continue
			}
			share := pr[v] / float64(len(out))
			for _, nb := range out {
				next[nb.Address] += share
			}
		}
		base := (1-pageRankDamping)/float64(n) + pageRankDamping*dangling/float64(n)
		delta := 0.0
		for _, v := range s.Nodes {
			updated := base + pageRankDamping*next[v]
			delta += math.Abs(updated - pr[v])
			pr[v] = updated
		}
		if delta < pageRankTolerance {
			break
		}
	}
	return pr
}

// Closeness centrality: (reachable-1) / total-distance, normalized by
// the reachable fraction so disconnected snapshots stay comparable.
func (s *Snapshot) Closeness(address string) float64 {
	dist := map[string]int{address: 0}
	queue := []string{address}
	total := 0
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		for _, nb := range s.Und[v] {
			if _, seen := dist[nb.Address]; !seen {
				dist[nb.Address] = dist[v] + 1
				total += dist[nb.Address]
				queue = append(queue, nb.Address)
			}
		}
	}
	reachable := len(dist) - 1
	if reachable <= 0 || total == 0 {
		return 0
	}
	closeness := float64(reachable) / float64(total)
	if n := len(s.Nodes) - 1; n > 0 {
		closeness *= float64(reachable) / float64(n)
	}
	return closeness
}

// NodeMetrics is the centrality bundle for the metrics endpoint.
type NodeMetrics struct {
	Address        string  `json:"address"`
	Degree         int     `json:"degree"`
	InDegree       int     `json:"inDegree"`
	OutDegree      int     `json:"outDegree"`
	WeightedDegree string  `json:"weightedDegree"`
	Clustering     float64 `json:"clusteringCoefficient"`
	Betweenness    float64 `json:"betweenness"`
	PageRank       float64 `json:"pageRank"`
	Closeness      float64 `json:"closeness"`

	DegreeRank      int    `json:"degreeRank"`
	BetweennessRank int    `json:"betweennessRank"`
	PageRankRank    int    `json:"pageRankRank"`
	Influence       string `json:"influence"` // "hub"/"connector"/"peripheral"
}

// ComputeNodeMetrics assembles the full bundle plus rankings for one
// node relative to the snapshot.
func (s *Snapshot) ComputeNodeMetrics(address string) NodeMetrics {
	deg := s.DegreeCentrality(address)
	bc := s.Betweenness()
	pr := s.PageRank()

	degScore := make(map[string]float64, len(s.Nodes))
	for _, v := range s.Nodes {
		degScore[v] = float64(len(s.Und[v]))
	}

	m := NodeMetrics{
		Address:        address,
		Degree:         deg.Total,
		InDegree:       deg.In,
		OutDegree:      deg.Out,
		WeightedDegree: deg.Weighted.String(),
		Clustering:     s.ClusteringCoefficient(address),
		Betweenness:    bc[address],
		PageRank:       pr[address],
		Closeness:      s.Closeness(address),
		DegreeRank:     rankOf(address, sortedCopy(s.Nodes, degScore)),
		BetweennessRank: rankOf(address, sortedCopy(s.Nodes, bc)),
		PageRankRank:   rankOf(address, sortedCopy(s.Nodes, pr)),
	}

	switch {
	case m.DegreeRank <= max(1, len(s.Nodes)/10):
		m.Influence = "hub"
	case m.BetweennessRank <= max(1, len(s.Nodes)/5):
		m.Influence = "connector"
	default:
		m.Influence = "peripheral"
	}
	return m
}

func rankOf(address string, ordered []string) int {
	for i, a := range ordered {
		if a == address {
			return i + 1
		}
	}
	return len(ordered)
}
