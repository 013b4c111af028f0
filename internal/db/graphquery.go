package db

import (
	"context"
	"fmt"
	"math/big"
	"sort"
)

// Traversal is the raw graph produced by the query engine, before the
// assembler decorates it into the response payload.
type Traversal struct {
	Center      string
	Nodes       map[string]int // address -> hop level (center = 0)
	Order       []string       // discovery order, deterministic
	Edges       []TraversalEdge
	ActualDepth int
	Frontier    []string // addresses discovered in the last completed hop
	HasMore     bool
}

// TraversalEdge aggregates both directions between one address pair.
// From/To is the dominant direction; ForwardVolume flows From->To.
type TraversalEdge struct {
	From, To      string
	Volume        *big.Int // Combined both-direction volume
	ForwardVolume *big.Int
	ReverseVolume *big.Int
	Count         int64
	FirstBlock    int64
	LastBlock     int64
	FirstTs       int64
	LastTs        int64
	Bidirectional bool
}

func newTraversal(center string) *Traversal {
	t := &Traversal{
		Center: center,
		Nodes:  map[string]int{center: 0},
		Order:  []string{center},
	}
	return t
}

func (t *Traversal) addNode(address string, hop int) {
	if _, seen := t.Nodes[address]; seen {
		return
	}
	t.Nodes[address] = hop
	t.Order = append(t.Order, address)
	if hop > t.ActualDepth {
		t.ActualDepth = hop
	}
}

// pairStat is one transfer_stats row relative to a queried address.
type pairStat struct {
	From, To              string
	Total                 *big.Int
	Count                 int64
	FirstBlock, LastBlock int64
	FirstTs, LastTs       int64
}

// neighborStats streams the counterparty rows for one address, volume
// filtered and numerically ordered, capped at limit. The RowHook fires
// per row so the recursive-query guard can meter the scan.
func (s *Store) neighborStats(ctx context.Context, address string, minVolume *big.Int, limit int, row RowHook) ([]pairStat, error) {
	if row == nil {
		row = noopRow
	}
	min := "0"
	if minVolume != nil && minVolume.Sign() > 0 {
		min = minVolume.String()
	}
	query := fmt.Sprintf(`
		SELECT from_address, to_address, total_amount, transfer_count,
		       first_transfer_block, last_transfer_block, first_transfer_ts, last_transfer_ts
		FROM transfer_stats
		WHERE (from_address = ?1 OR to_address = ?1)
		  AND `+numericGE+`
		ORDER BY `+numericOrderDesc+`, from_address ASC, to_address ASC
		LIMIT ?`, "total_amount")

	rows, err := s.db.QueryContext(ctx, query, address, min, min, min, limit)
	if err != nil {
		return nil, fmt.Errorf("neighbor stats for %s: %w", address, err)
	}
	defer rows.Close()

	var stats []pairStat
	for rows.Next() {
		if err := row(); err != nil {
			return nil, err
		}
		var ps pairStat
		var total string
		if err := rows.Scan(&ps.From, &ps.To, &total, &ps.Count,
			&ps.FirstBlock, &ps.LastBlock, &ps.FirstTs, &ps.LastTs); err != nil {
			return nil, fmt.Errorf("scan neighbor stat: %w", err)
		}
		ps.Total = bigFrom(total)
		stats = append(stats, ps)
	}
	return stats, rows.Err()
}

// edgeAccumulator merges directed pair stats into bidirectional edges.
type edgeAccumulator struct {
	edges map[[2]string]*TraversalEdge
}

func newEdgeAccumulator() *edgeAccumulator {
	return &edgeAccumulator{edges: make(map[[2]string]*TraversalEdge)}
}

func pairKey(a, b string) [2]string {
	if a < b {
		return [2]string{a, b}
	}
	return [2]string{b, a}
}

func (acc *edgeAccumulator) add(ps pairStat) {
	key := pairKey(ps.From, ps.To)
	e, ok := acc.edges[key]
	if !ok {
		e = &TraversalEdge{
			From:          ps.From,
			To:            ps.To,
			Volume:        new(big.Int),
			ForwardVolume: new(big.Int),
			ReverseVolume: new(big.Int),
			FirstBlock:    ps.FirstBlock,
			FirstTs:       ps.FirstTs,
		}
		acc.edges[key] = e
	}
	if ps.From == e.From {
		e.ForwardVolume.Add(e.ForwardVolume, ps.Total)
	} else {
		e.ReverseVolume.Add(e.ReverseVolume, ps.Total)
		e.Bidirectional = true
	}
	e.Volume.Add(e.Volume, ps.Total)
	e.Count += ps.Count
	if ps.FirstBlock < e.FirstBlock {
		e.FirstBlock = ps.FirstBlock
	}
	if ps.LastBlock > e.LastBlock {
		e.LastBlock = ps.LastBlock
	}
	if ps.FirstTs < e.FirstTs || e.FirstTs == 0 {
		e.FirstTs = ps.FirstTs
	}
	if ps.LastTs > e.LastTs {
		e.LastTs = ps.LastTs
	}
}

// collect returns edges whose endpoints are both in nodes, with the
// dominant direction normalized so ForwardVolume >= ReverseVolume.
func (acc *edgeAccumulator) collect(nodes map[string]int) ([]TraversalEdge, int) {
	var out []TraversalEdge
	omitted := 0
	for _, e := range acc.edges {
		if _, ok := nodes[e.From]; !ok {
			omitted++
			continue
		}
		if _, ok := nodes[e.To]; !ok {
			omitted++
			continue
		}
		if e.ReverseVolume.Cmp(e.ForwardVolume) > 0 {
			e.From, e.To = e.To, e.From
			e.ForwardVolume, e.ReverseVolume = e.ReverseVolume, e.ForwardVolume
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if cmp := out[i].Volume.Cmp(out[j].Volume); cmp != 0 {
			return cmp > 0
		}
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out, omitted
}

// DirectGraph builds the depth=1 neighborhood of center: one edge per
// counterparty aggregating both directions, ordered by volume.
func (s *Store) DirectGraph(ctx context.Context, center string, minVolume *big.Int, limit int, row RowHook) (*Traversal, error) {
	return s.DirectGraphExcluding(ctx, center, minVolume, limit, nil, row)
}

// DirectGraphExcluding is DirectGraph with a skip set: counterparties
// in skip spend no node budget and contribute no edge. Paginated
// expansion uses it to resume the neighbors a truncated earlier page
// could not deliver.
func (s *Store) DirectGraphExcluding(ctx context.Context, center string, minVolume *big.Int, limit int, skip map[string]bool, row RowHook) (*Traversal, error) {
	t := newTraversal(center)
	// Over-fetch so skipped counterparties cannot starve the scan: up
	// to two rows per counterparty, plus one counterparty's worth of
	// rows to detect HasMore.
	stats, err := s.neighborStats(ctx, center, minVolume, 2*(limit+len(skip)+1), row)
	if err != nil {
		return nil, err
	}

	acc := newEdgeAccumulator()
	for _, ps := range stats {
		peer := ps.To
		if ps.To == center {
			peer = ps.From
		}
		if peer == center || skip[peer] {
			continue
		}
		if _, seen := t.Nodes[peer]; !seen {
			if len(t.Nodes) > limit {
				t.HasMore = true
				continue
			}
			t.addNode(peer, 1)
		}
		acc.add(ps)
	}
	t.Edges, _ = acc.collect(t.Nodes)
	t.ActualDepth = boolToDepth(len(t.Nodes) > 1)
	t.Frontier = t.Order[1:]
	return t, nil
}

func boolToDepth(nonEmpty bool) int {
	if nonEmpty {
		return 1
	}
	return 0
}

// MultiHopGraph expands BFS frontier-by-frontier out to depth, keeping
// within a node budget. Each frontier node contributes its top-K
// counterparties where K = remaining budget / frontier size (min 1).
// Ties break on larger volume first, then lexicographic address.
func (s *Store) MultiHopGraph(ctx context.Context, center string, depth, maxNodes int, minVolume *big.Int, row RowHook) (*Traversal, error) {
	if depth <= 1 {
		return s.DirectGraph(ctx, center, minVolume, maxNodes-1, row)
	}

	t := newTraversal(center)
	acc := newEdgeAccumulator()
	frontier := []string{center}

	for hop := 1; hop <= depth && len(frontier) > 0; hop++ {
		remaining := maxNodes - len(t.Nodes)
		if remaining <= 0 {
			t.HasMore = true
			break
		}
		perNode := remaining / len(frontier)
		if perNode < 1 {
			perNode = 1
		}

		var nextFrontier []string
		for _, addr := range frontier {
			stats, err := s.neighborStats(ctx, addr, minVolume, 2*(perNode+1), row)
			if err != nil {
				return nil, err
			}
			taken := 0
			for _, ps := range stats {
				peer := ps.To
				if ps.To == addr {
					peer = ps.From
				}
				if peer == addr {
					continue
				}
				if _, seen := t.Nodes[peer]; seen {
					// Known node: keep the edge, costs no budget.
					acc.add(ps)
					continue
				}
				if taken >= perNode || len(t.Nodes) >= maxNodes {
					t.HasMore = true
					continue
				}
				t.addNode(peer, hop)
				nextFrontier = append(nextFrontier, peer)
				acc.add(ps)
				taken++
			}
		}
		if len(nextFrontier) > 0 {
			t.Frontier = nextFrontier
		}
		frontier = nextFrontier
	}

	t.Edges, _ = acc.collect(t.Nodes)
	return t, nil
}

// Cycle is one circular flow through the center.
type Cycle struct {
	Path      []string // [center, ..., center]
	MinVolume *big.Int // Bottleneck edge volume along the path
}

// maxCycleFanout bounds the outgoing edges explored per node during
// cycle search; without it a hub node makes the DFS quadratic.
const maxCycleFanout = 25

// CircularFlows finds directed paths center -> ... -> center of length
// <= maxDepth whose minimum edge volume is >= threshold. Each distinct
// cycle is reported once, in canonical form (lexicographically
// smallest rotation decides identity).
func (s *Store) CircularFlows(ctx context.Context, center string, maxDepth int, threshold *big.Int, row RowHook) ([]Cycle, error) {
	if maxDepth < 2 {
		maxDepth = 2
	}
	if row == nil {
		row = noopRow
	}

	// Adjacency cache: outgoing edges only, volume-filtered.
	adjacency := make(map[string][]pairStat)
	outgoing := func(addr string) ([]pairStat, error) {
		if cached, ok := adjacency[addr]; ok {
			return cached, nil
		}
		min := "0"
		if threshold != nil && threshold.Sign() > 0 {
			min = threshold.String()
		}
		query := fmt.Sprintf(`
			SELECT from_address, to_address, total_amount, transfer_count,
			       first_transfer_block, last_transfer_block, first_transfer_ts, last_transfer_ts
			FROM transfer_stats
			WHERE from_address = ?1 AND `+numericGE+`
			ORDER BY `+numericOrderDesc+`, to_address ASC
			LIMIT ?`, "total_amount")
		rows, err := s.db.QueryContext(ctx, query, addr, min, min, min, maxCycleFanout)
		if err != nil {
			return nil, fmt.Errorf("outgoing edges for %s: %w", addr, err)
		}
		defer rows.Close()

		var stats []pairStat
		for rows.Next() {
			if err := row(); err != nil {
				return nil, err
			}
			var ps pairStat
			var total string
			if err := rows.Scan(&ps.From, &ps.To, &total, &ps.Count,
				&ps.FirstBlock, &ps.LastBlock, &ps.FirstTs, &ps.LastTs); err != nil {
				return nil, fmt.Errorf("scan outgoing edge: %w", err)
			}
			ps.Total = bigFrom(total)
			stats = append(stats, ps)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
		adjacency[addr] = stats
		return stats, nil
	}

	var cycles []Cycle
	seen := make(map[string]bool)
	path := []string{center}
	onPath := map[string]bool{center: true}

	var dfs func(current string, minVol *big.Int) error
	dfs = func(current string, minVol *big.Int) error {
		if len(path) > maxDepth {
			return nil
		}
		edges, err := outgoing(current)
		if err != nil {
			return err
		}
		for _, e := range edges {
			vol := e.Total
			bottleneck := minVol
			if bottleneck == nil || vol.Cmp(bottleneck) < 0 {
				bottleneck = vol
			}
			if e.To == center {
				if len(path) < 2 {
					continue // A->A is not a cycle
				}
				cycle := append(append([]string{}, path...), center)
				key := canonicalCycle(cycle)
				if !seen[key] {
					seen[key] = true
					cycles = append(cycles, Cycle{Path: cycle, MinVolume: new(big.Int).Set(bottleneck)})
				}
				continue
			}
			if onPath[e.To] {
				continue // Only simple cycles through the center
			}
			path = append(path, e.To)
			onPath[e.To] = true
			if err := dfs(e.To, bottleneck); err != nil {
				return err
			}
			onPath[e.To] = false
			path = path[:len(path)-1]
		}
		return nil
	}

	if err := dfs(center, nil); err != nil {
		return nil, err
	}

	sort.Slice(cycles, func(i, j int) bool {
		if cmp := cycles[i].MinVolume.Cmp(cycles[j].MinVolume); cmp != 0 {
			return cmp > 0
		}
		return len(cycles[i].Path) < len(cycles[j].Path)
	})
	return cycles, nil
}

// canonicalCycle identifies a cycle by its lexicographically smallest
// rotation, ignoring the duplicated terminal node.
func canonicalCycle(path []string) string {
	if len(path) < 2 {
		return ""
	}
	nodes := path[:len(path)-1]
	best := ""
	for i := range nodes {
		rotated := ""
		for j := range nodes {
			rotated += nodes[(i+j)%len(nodes)] + ">"
		}
		if best == "" || rotated < best {
			best = rotated
		}
	}
	return best
}

// FallbackGraph derives a depth-1 relationship view straight from the
// transfers table. It backs the graph endpoints when transfer_stats
// has nothing for the center, so callers always get a well-formed
// (possibly center-only) graph.
func (s *Store) FallbackGraph(ctx context.Context, center string, limit int, row RowHook) (*Traversal, error) {
	if row == nil {
		row = noopRow
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_address, to_address, amount, block_number, block_timestamp
		FROM transfers
		WHERE from_address = ?1 OR to_address = ?1
		ORDER BY block_number DESC
		LIMIT 2000`, center)
	if err != nil {
		return nil, fmt.Errorf("fallback graph: %w", err)
	}
	defer rows.Close()

	acc := newEdgeAccumulator()
	type volume struct{ total *big.Int }
	peers := make(map[string]*volume)
	for rows.Next() {
		if err := row(); err != nil {
			return nil, err
		}
		var from, to, amount string
		var block, ts int64
		if err := rows.Scan(&from, &to, &amount, &block, &ts); err != nil {
			return nil, fmt.Errorf("scan fallback row: %w", err)
		}
		peer := to
		if to == center {
			peer = from
		}
		if peer == center {
			continue
		}
		v, ok := peers[peer]
		if !ok {
			v = &volume{total: new(big.Int)}
			peers[peer] = v
		}
		amt := bigFrom(amount)
		v.total.Add(v.total, amt)
		acc.add(pairStat{
			From: from, To: to, Total: amt, Count: 1,
			FirstBlock: block, LastBlock: block, FirstTs: ts, LastTs: ts,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Rank peers by aggregate volume and keep the top slice.
	type ranked struct {
		addr  string
		total *big.Int
	}
	order := make([]ranked, 0, len(peers))
	for addr, v := range peers {
		order = append(order, ranked{addr, v.total})
	}
	sort.Slice(order, func(i, j int) bool {
		if cmp := order[i].total.Cmp(order[j].total); cmp != 0 {
			return cmp > 0
		}
		return order[i].addr < order[j].addr
	})

	t := newTraversal(center)
	for i, r := range order {
		if limit > 0 && i >= limit {
			t.HasMore = true
			break
		}
		t.addNode(r.addr, 1)
	}
	t.Edges, _ = acc.collect(t.Nodes)
	if len(t.Nodes) > 1 {
		t.ActualDepth = 1
	}
	t.Frontier = t.Order[1:]
	return t, nil
}
