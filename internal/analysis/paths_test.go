package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polkatrace/graph-engine/pkg/models"
)

// testSnapshot builds a snapshot from directed (from, to, volume)
// triples.
func testSnapshot(edges [][3]string) *Snapshot {
	seen := map[string]bool{}
	var nodes []models.GraphNode
	var ge []models.GraphEdge
	for _, e := range edges {
		for _, addr := range []string{e[0], e[1]} {
			if !seen[addr] {
				seen[addr] = true
				nodes = append(nodes, models.GraphNode{Address: addr})
			}
		}
		ge = append(ge, models.GraphEdge{
			ID:     e[0] + "->" + e[1],
			Source: e[0],
			Target: e[1],
			Volume: e[2],
			Count:  1,
		})
	}
	return NewSnapshot(nodes, ge)
}

func TestShortestPath_FewestHops(t *testing.T) {
	s := testSnapshot([][3]string{
		{"A", "B", "1000000000000"},
		{"B", "C", "1000000000000"},
		{"A", "C", "500000000000"},
	})

	p, err := s.ShortestPath("A", "C", WeightHops, 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, p.Addresses)
	assert.Equal(t, 1, p.Length)
	assert.Equal(t, "500000000000", p.TotalVolume)
	assert.Equal(t, "500000000000", p.Bottleneck)
}

func TestShortestPath_SameNode(t *testing.T) {
	s := testSnapshot([][3]string{{"A", "B", "1"}})
	p, err := s.ShortestPath("A", "A", WeightHops, 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, p.Addresses)
	assert.Equal(t, 0, p.Length)
}

func TestShortestPath_WidestVolume(t *testing.T) {
	// Direct edge is narrow; the two-hop route carries far more.
	s := testSnapshot([][3]string{
		{"A", "C", "1000000000000"},
		{"A", "B", "90000000000000"},
		{"B", "C", "80000000000000"},
	})

	p, err := s.ShortestPath("A", "C", WeightVolume, 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, p.Addresses)
	assert.Equal(t, "80000000000000", p.Bottleneck)
}

func TestShortestPath_NoRoute(t *testing.T) {
	s := testSnapshot([][3]string{
		{"A", "B", "1000000000000"},
		{"C", "D", "1000000000000"},
	})
	_, err := s.ShortestPath("A", "D", WeightHops, 4)
	assert.ErrorIs(t, err, ErrNoPath)
}

func TestShortestPath_DepthBound(t *testing.T) {
	s := testSnapshot([][3]string{
		{"A", "B", "1"},
		{"B", "C", "1"},
		{"C", "D", "1"},
	})
	_, err := s.ShortestPath("A", "D", WeightHops, 2)
	assert.ErrorIs(t, err, ErrNoPath)

	p, err := s.ShortestPath("A", "D", WeightHops, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Length)
}

func TestFindAllPaths(t *testing.T) {
	s := testSnapshot([][3]string{
		{"A", "C", "5000000000000"},
		{"A", "B", "5000000000000"},
		{"B", "C", "5000000000000"},
	})

	paths := s.FindAllPaths("A", "C", 4, 5)
	require.Len(t, paths, 2)
	// Fewer hops scores higher at comparable volume.
	assert.Equal(t, 1, paths[0].Length)
	assert.Equal(t, 2, paths[1].Length)
	assert.Greater(t, paths[0].Score, paths[1].Score)
	for _, p := range paths {
		assert.Equal(t, "A", p.Addresses[0])
		assert.Equal(t, "C", p.Addresses[len(p.Addresses)-1])
	}
}

func TestPathScore(t *testing.T) {
	// 1 hop carrying exactly one token: no volume bonus.
	s := testSnapshot([][3]string{{"A", "B", "1000000000000"}})
	paths := s.FindAllPaths("A", "B", 4, 1)
	require.Len(t, paths, 1)
	assert.InDelta(t, 90, paths[0].Score, 0.01)

	// Volume bonus caps at 50.
	huge := testSnapshot([][3]string{{"A", "B", "1000000000000000000000000"}})
	paths = huge.FindAllPaths("A", "B", 4, 1)
	require.Len(t, paths, 1)
	assert.InDelta(t, 140, paths[0].Score, 0.01)
}
