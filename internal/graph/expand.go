package graph

import (
	"context"
	"math/big"

	"github.com/polkatrace/graph-engine/internal/db"
	"github.com/polkatrace/graph-engine/internal/guard"
	"github.com/polkatrace/graph-engine/pkg/models"
)

// expandPerNode caps counterparties pulled per frontier address during
// one expansion step.
const expandPerNode = 10

// expandCenterNodes caps undelivered center neighbors resumed per
// expansion step. Without the resume pass a center whose degree exceeds
// the first page's node budget strands the remainder: the delivered
// peers' only counterparty may be the center itself, which the
// exclusion set removes.
const expandCenterNodes = 50

// Expand resumes a paginated traversal from a cursor. The result
// contains only nodes and edges the caller has not seen: undelivered
// direct neighbors of the center come back first, then each frontier
// address contributes its own counterparties one hop deeper. Edges are
// kept only when at least one endpoint is new.
func (a *Assembler) Expand(ctx context.Context, cursor *models.Cursor, minVolume *big.Int, includeRisk bool) (*models.GraphPayload, error) {
	exclude := make(map[string]bool, len(cursor.ExcludeNodes)+len(cursor.LastNodes)+1)
	for _, addr := range cursor.ExcludeNodes {
		exclude[addr] = true
	}
	frontierSet := make(map[string]bool, len(cursor.LastNodes))
	for _, addr := range cursor.LastNodes {
		frontierSet[addr] = true
		exclude[addr] = true
	}
	exclude[cursor.CenterAddress] = true

	nextDepth := cursor.CurrentDepth + 1
	t := &db.Traversal{
		Center: cursor.CenterAddress,
		Nodes:  make(map[string]int),
	}
	admit := func(peer string, hop int) {
		if exclude[peer] {
			return
		}
		if _, seen := t.Nodes[peer]; seen {
			return
		}
		t.Nodes[peer] = hop
		t.Order = append(t.Order, peer)
		t.Frontier = append(t.Frontier, peer)
		if hop > t.ActualDepth {
			t.ActualDepth = hop
		}
	}
	keepNewEdges := func(edges []db.TraversalEdge) {
		for _, e := range edges {
			_, fromNew := t.Nodes[e.From]
			_, toNew := t.Nodes[e.To]
			if fromNew || toNew {
				t.Edges = append(t.Edges, e)
			}
		}
	}

	centerMore := false
	queryID := "expand:" + cursor.CenterAddress
	err := a.guard.Run(ctx, queryID, guard.Limits{}, func(qctx context.Context, row guard.RowFunc) error {
		sub, err := a.store.DirectGraphExcluding(qctx, cursor.CenterAddress, minVolume, expandCenterNodes, exclude, db.RowHook(row))
		if err != nil {
			return err
		}
		for _, peer := range sub.Order[1:] {
			admit(peer, 1)
		}
		centerMore = sub.HasMore
		keepNewEdges(sub.Edges)

		for _, addr := range cursor.LastNodes {
			sub, err := a.store.DirectGraph(qctx, addr, minVolume, expandPerNode, db.RowHook(row))
			if err != nil {
				return err
			}
			for _, peer := range sub.Order[1:] {
				admit(peer, nextDepth)
			}
			keepNewEdges(sub.Edges)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// buildPayload needs every edge endpoint present in the node map;
	// anchors keep their already-delivered depth: the center at zero,
	// frontier addresses at the cursor depth.
	anchors := make([]string, 0, len(cursor.LastNodes)+1)
	kept := t.Edges[:0]
	for _, e := range t.Edges {
		for _, end := range []string{e.From, e.To} {
			if _, ok := t.Nodes[end]; ok {
				continue
			}
			switch {
			case end == cursor.CenterAddress:
				t.Nodes[end] = 0
			case frontierSet[end]:
				t.Nodes[end] = cursor.CurrentDepth
			default:
				continue
			}
			anchors = append(anchors, end)
		}
		_, fromOK := t.Nodes[e.From]
		_, toOK := t.Nodes[e.To]
		if fromOK && toOK {
			kept = append(kept, e)
		}
	}
	t.Edges = kept
	t.Order = append(anchors, t.Order...)

	payload, err := a.buildPayload(ctx, t, Request{
		Center:      cursor.CenterAddress,
		Depth:       nextDepth,
		MaxNodes:    len(t.Nodes) + 1,
		MinVolume:   minVolume,
		IncludeRisk: includeRisk,
	})
	if err != nil {
		return nil, err
	}

	// A next cursor is issued only when another step can produce a new
	// node: either the center still has undelivered neighbors, or this
	// step admitted fresh addresses whose own neighborhoods are
	// unexplored.
	if len(t.Frontier) > 0 || centerMore {
		last := t.Frontier
		if len(last) > cursorMaxLastNodes {
			last = last[len(last)-cursorMaxLastNodes:]
		}
		if len(last) == 0 {
			last = []string{cursor.CenterAddress}
		}
		depth := t.ActualDepth
		if depth < 1 {
			depth = cursor.CurrentDepth
		}
		excludeNext := append([]string{}, cursor.ExcludeNodes...)
		excludeNext = append(excludeNext, cursor.LastNodes...)
		excludeNext = append(excludeNext, t.Frontier...)
		if len(excludeNext) > cursorMaxExclude {
			excludeNext = excludeNext[len(excludeNext)-cursorMaxExclude:]
		}
		payload.Metadata.HasMore = true
		payload.Metadata.NextCursor = EncodeCursor(&models.Cursor{
			CenterAddress: cursor.CenterAddress,
			CurrentDepth:  depth,
			LastNodes:     append([]string{}, last...),
			ExcludeNodes:  dedupe(excludeNext),
		})
	}
	return payload, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
