package graph

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/polkatrace/graph-engine/pkg/models"
)

// clusterMinSize hides trivial one-node groups from the cluster list.
const clusterMinSize = 2

// BuildClusters groups the payload's non-center nodes into connected
// components of the graph with the center removed. A hub-and-spoke
// graph has no clusters; communities bridged only through the center
// show up as separate groups.
func BuildClusters(p *models.GraphPayload) []models.GraphCluster {
	center := p.Metadata.CenterNode
	parent := make(map[string]string, len(p.Nodes))
	var find func(string) string
	find = func(x string) string {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(a, b string) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	for _, n := range p.Nodes {
		if n.Address != center {
			parent[n.Address] = n.Address
		}
	}
	for _, e := range p.Edges {
		if e.Source == center || e.Target == center {
			continue
		}
		if _, ok := parent[e.Source]; !ok {
			continue
		}
		if _, ok := parent[e.Target]; !ok {
			continue
		}
		union(e.Source, e.Target)
	}

	groups := make(map[string][]string)
	for addr := range parent {
		root := find(addr)
		groups[root] = append(groups[root], addr)
	}

	volumes := make(map[string]*big.Int)
	for _, n := range p.Nodes {
		if v, ok := new(big.Int).SetString(n.TotalVolume, 10); ok {
			volumes[n.Address] = v
		}
	}

	var clusters []models.GraphCluster
	for _, addrs := range groups {
		if len(addrs) < clusterMinSize {
			continue
		}
		sort.Strings(addrs)
		total := new(big.Int)
		for _, a := range addrs {
			if v, ok := volumes[a]; ok {
				total.Add(total, v)
			}
		}
		clusters = append(clusters, models.GraphCluster{
			Addresses:   addrs,
			TotalVolume: total.String(),
		})
	}
	sort.Slice(clusters, func(i, j int) bool {
		if len(clusters[i].Addresses) != len(clusters[j].Addresses) {
			return len(clusters[i].Addresses) > len(clusters[j].Addresses)
		}
		return clusters[i].Addresses[0] < clusters[j].Addresses[0]
	})
	for i := range clusters {
		clusters[i].ID = fmt.Sprintf("cluster-%d", i+1)
		clusters[i].Label = fmt.Sprintf("%d linked addresses", len(clusters[i].Addresses))
	}
	return clusters
}
