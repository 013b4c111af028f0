package analysis

import (
	"container/heap"
	"errors"
	"math"
	"math/big"
	"sort"
)

// ErrNoPath is returned when no route exists within the depth bound.
var ErrNoPath = errors.New("no path within depth bound")

// Path weight modes.
const (
	WeightHops   = "hops"   // Fewest edges (unit-weight Dijkstra = BFS)
	WeightVolume = "volume" // Widest bottleneck volume
)

// DefaultMaxPathDepth bounds path searches.
const DefaultMaxPathDepth = 4

// Path is one route between two addresses.
type Path struct {
	Addresses   []string `json:"path"`
	Length      int      `json:"length"` // Edge count
	TotalVolume string   `json:"totalVolume"`
	Bottleneck  string   `json:"bottleneckVolume"`
	Score       float64  `json:"score,omitempty"`
}

type pqItem struct {
	address  string
	hops     int
	priority float64 // Lower is better
	index    int
}

type pathPQ []*pqItem

func (pq pathPQ) Len() int            { return len(pq) }
func (pq pathPQ) Less(i, j int) bool  { return pq[i].priority < pq[j].priority }
func (pq pathPQ) Swap(i, j int)       { pq[i], pq[j] = pq[j], pq[i]; pq[i].index = i; pq[j].index = j }
func (pq *pathPQ) Push(x any)         { item := x.(*pqItem); item.index = len(*pq); *pq = append(*pq, item) }
func (pq *pathPQ) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}

// ShortestPath finds the best route from -> to under the chosen weight
// mode, bounded by maxDepth edges. from == to yields a single-node,
// zero-edge path.
func (s *Snapshot) ShortestPath(from, to, mode string, maxDepth int) (*Path, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxPathDepth
	}
	if from == to {
		return &Path{Addresses: []string{from}, Length: 0, TotalVolume: "0", Bottleneck: "0"}, nil
	}

	switch mode {
	case WeightVolume:
		return s.widestPath(from, to, maxDepth)
	default:
		return s.fewestHops(from, to, maxDepth)
	}
}

// fewestHops is Dijkstra with unit weights, which degenerates to BFS.
func (s *Snapshot) fewestHops(from, to string, maxDepth int) (*Path, error) {
	prev := make(map[string]string)
	dist := map[string]int{from: 0}
	queue := []string{from}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		if v == to {
			break
		}
		if dist[v] >= maxDepth {
			continue
		}
		for _, nb := range s.Out[v] {
			if _, seen := dist[nb.Address]; seen {
				continue
			}
			dist[nb.Address] = dist[v] + 1
			prev[nb.Address] = v
			queue = append(queue, nb.Address)
		}
	}
	if _, ok := dist[to]; !ok {
		return nil, ErrNoPath
	}
	return s.materialize(reconstruct(prev, from, to))
}

// widestPath maximizes the bottleneck edge volume (max-flow-by-
// bottleneck via modified Dijkstra: priority is the negated log of the
// path's minimum edge volume).
func (s *Snapshot) widestPath(from, to string, maxDepth int) (*Path, error) {
	bottleneck := map[string]*big.Int{from: nil} // nil = unbounded
	hops := map[string]int{from: 0}
	prev := make(map[string]string)

	pq := &pathPQ{}
	heap.Init(pq)
	heap.Push(pq, &pqItem{address: from, hops: 0, priority: 0})

	better := func(candidate, current *big.Int) bool {
		if current == nil {
			return false
		}
		return candidate == nil || candidate.Cmp(current) > 0
	}

	for pq.Len() > 0 {
		item := heap.Pop(pq).(*pqItem)
		v := item.address
		if v == to {
			break
		}
		if item.hops >= maxDepth {
			continue
		}
		for _, nb := range s.Out[v] {
			w := nb.Address
			cand := nb.Volume
			if bottleneck[v] != nil && bottleneck[v].Cmp(cand) < 0 {
				cand = bottleneck[v]
			}
			current, seen := bottleneck[w]
			if seen && !better(cand, current) {
				continue
			}
			bottleneck[w] = cand
			hops[w] = item.hops + 1
			prev[w] = v
			heap.Push(pq, &pqItem{address: w, hops: hops[w], priority: -logVolume(cand)})
		}
	}
	if _, ok := prev[to]; !ok {
		return nil, ErrNoPath
	}
	return s.materialize(reconstruct(prev, from, to))
}

func logVolume(v *big.Int) float64 {
	if v == nil || v.Sign() <= 0 {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	if f <= 0 {
		return 0
	}
	return math.Log10(f)
}

func reconstruct(prev map[string]string, from, to string) []string {
	path := []string{to}
	for cur := to; cur != from; {
		p, ok := prev[cur]
		if !ok {
			return nil
		}
		path = append([]string{p}, path...)
		cur = p
	}
	return path
}

// materialize fills volume aggregates along a node sequence.
func (s *Snapshot) materialize(addresses []string) (*Path, error) {
	if len(addresses) == 0 {
		return nil, ErrNoPath
	}
	total := new(big.Int)
	var bottleneck *big.Int
	for i := 0; i+1 < len(addresses); i++ {
		vol := s.edgeVolume(addresses[i], addresses[i+1])
		if vol == nil {
			return nil, ErrNoPath
		}
		total.Add(total, vol)
		if bottleneck == nil || vol.Cmp(bottleneck) < 0 {
			bottleneck = vol
		}
	}
	if bottleneck == nil {
		bottleneck = new(big.Int)
	}
	return &Path{
		Addresses:   addresses,
		Length:      len(addresses) - 1,
		TotalVolume: total.String(),
		Bottleneck:  bottleneck.String(),
	}, nil
}

func (s *Snapshot) edgeVolume(from, to string) *big.Int {
	for _, nb := range s.Out[from] {
		if nb.Address == to {
			return nb.Volume
		}
	}
	return nil
}

// FindAllPaths enumerates up to k distinct simple paths within
// maxDepth, scored 100 - 10*hops + min(50, 10*log10(totalVolume/1e12))
// and sorted best first.
func (s *Snapshot) FindAllPaths(from, to string, maxDepth, k int) []Path {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxPathDepth
	}
	if k <= 0 {
		k = 5
	}
	if from == to {
		return []Path{{Addresses: []string{from}, Length: 0, TotalVolume: "0", Bottleneck: "0", Score: 100}}
	}

	var found []Path
	onPath := map[string]bool{from: true}
	path := []string{from}

	var dfs func(current string)
	dfs = func(current string) {
		if len(found) >= k*3 { // Over-collect, then keep the best k
			return
		}
		if len(path)-1 >= maxDepth {
			return
		}
		for _, nb := range s.Out[current] {
			if nb.Address == to {
				full := append(append([]string{}, path...), to)
				if p, err := s.materialize(full); err == nil {
					found = append(found, *p)
				}
				continue
			}
			if onPath[nb.Address] {
				continue
			}
			onPath[nb.Address] = true
			path = append(path, nb.Address)
			dfs(nb.Address)
			path = path[:len(path)-1]
			onPath[nb.Address] = false
		}
	}
	dfs(from)

	for i := range found {
		found[i].Score = scorePath(&found[i])
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].Score != found[j].Score {
			return found[i].Score > found[j].Score
		}
		return found[i].Length < found[j].Length
	})
	if len(found) > k {
		found = found[:k]
	}
	return found
}

func scorePath(p *Path) float64 {
	score := 100 - 10*float64(p.Length)
	total, ok := new(big.Int).SetString(p.TotalVolume, 10)
	if ok && total.Sign() > 0 {
		ratio, _ := new(big.Float).Quo(new(big.Float).SetInt(total), big.NewFloat(1e12)).Float64()
		if ratio > 0 {
			bonus := 10 * math.Log10(ratio)
			if bonus > 50 {
				bonus = 50
			}
			if bonus > 0 {
				score += bonus
			}
		}
	}
	return score
}
