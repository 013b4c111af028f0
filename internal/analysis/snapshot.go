// Package analysis computes centrality, clustering, path, and
// behavioral-pattern metrics over an assembled graph snapshot.
//
// All metrics are local: they describe the snapshot the assembler
// produced, not the chain-wide graph, and rankings derived from them
// are therefore approximate. The API surfaces this as
// scope=local-subgraph on every metrics response.
package analysis

import (
	"math/big"
	"sort"

	"github.com/polkatrace/graph-engine/pkg/models"
)

// Neighbor is one adjacency entry with its aggregate edge weight.
type Neighbor struct {
	Address string
	Volume  *big.Int
	Count   int64
}

// Snapshot is the adjacency view the analyzers operate on. Directed
// adjacency follows dominant edge direction; Und merges both.
type Snapshot struct {
	Nodes []string
	Out   map[string][]Neighbor
	In    map[string][]Neighbor
	Und   map[string][]Neighbor

	undSet map[string]map[string]bool
}

// NewSnapshot indexes a payload graph for traversal. Node order is
// preserved from the payload so sampled algorithms are deterministic.
func NewSnapshot(nodes []models.GraphNode, edges []models.GraphEdge) *Snapshot {
	s := &Snapshot{
		Out:    make(map[string][]Neighbor),
		In:     make(map[string][]Neighbor),
		Und:    make(map[string][]Neighbor),
		undSet: make(map[string]map[string]bool),
	}
	for _, n := range nodes {
		s.Nodes = append(s.Nodes, n.Address)
	}
	known := make(map[string]bool, len(s.Nodes))
	for _, a := range s.Nodes {
		known[a] = true
	}

	link := func(a, b string, vol *big.Int, count int64) {
		if s.undSet[a] == nil {
			s.undSet[a] = make(map[string]bool)
		}
		if !s.undSet[a][b] {
			s.undSet[a][b] = true
			s.Und[a] = append(s.Und[a], Neighbor{Address: b, Volume: vol, Count: count})
		}
	}

	for _, e := range edges {
		if !known[e.Source] || !known[e.Target] {
			continue
		}
		vol, ok := new(big.Int).SetString(e.Volume, 10)
		if !ok {
			vol = new(big.Int)
		}
		s.Out[e.Source] = append(s.Out[e.Source], Neighbor{Address: e.Target, Volume: vol, Count: e.Count})
		s.In[e.Target] = append(s.In[e.Target], Neighbor{Address: e.Source, Volume: vol, Count: e.Count})
		link(e.Source, e.Target, vol, e.Count)
		link(e.Target, e.Source, vol, e.Count)
		if e.Bidirectional {
			s.Out[e.Target] = append(s.Out[e.Target], Neighbor{Address: e.Source, Volume: vol, Count: e.Count})
			s.In[e.Source] = append(s.In[e.Source], Neighbor{Address: e.Target, Volume: vol, Count: e.Count})
		}
	}
	return s
}

// Size returns the node count.
func (s *Snapshot) Size() int { return len(s.Nodes) }

// Has reports membership.
func (s *Snapshot) Has(address string) bool {
	_, ok := s.undSet[address]
	if ok {
		return true
	}
	for _, n := range s.Nodes {
		if n == address {
			return true
		}
	}
	return false
}

// connected reports whether a and b share an undirected edge.
func (s *Snapshot) connected(a, b string) bool {
	return s.undSet[a] != nil && s.undSet[a][b]
}

// sortedCopy returns addresses ordered by a score map descending,
// ties broken lexicographically.
func sortedCopy(addresses []string, score map[string]float64) []string {
	out := append([]string{}, addresses...)
	sort.Slice(out, func(i, j int) bool {
		si, sj := score[out[i]], score[out[j]]
		if si != sj {
			return si > sj
		}
		return out[i] < out[j]
	})
	return out
}
