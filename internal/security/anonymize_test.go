package security

import (
	"strings"
	"testing"

	"github.com/polkatrace/graph-engine/pkg/models"
)

func TestPseudonym_Deterministic(t *testing.T) {
	a := NewAnonymizer("salt-1")

	p1 := a.Pseudonym("addr")
	p2 := a.Pseudonym("addr")
	if p1 != p2 {
		t.Fatalf("pseudonym not stable: %s vs %s", p1, p2)
	}
	if !strings.HasPrefix(p1, "anon_") {
		t.Fatalf("unexpected pseudonym shape: %s", p1)
	}
	if a.Pseudonym("other") == p1 {
		t.Fatal("distinct addresses must map to distinct pseudonyms")
	}

	// A different salt breaks correlation across deployments.
	b := NewAnonymizer("salt-2")
	if b.Pseudonym("addr") == p1 {
		t.Fatal("pseudonyms must depend on the salt")
	}
}

func TestAnonymizePayload(t *testing.T) {
	a := NewAnonymizer("salt")
	payload := &models.GraphPayload{
		Nodes: []models.GraphNode{
			{Address: "center", Identity: models.NodeIdentity{Display: "Alice"}},
			{Address: "peer"},
		},
		Edges: []models.GraphEdge{
			{ID: "center->peer", Source: "center", Target: "peer"},
		},
		Clusters: []models.GraphCluster{
			{ID: "cluster-1", Addresses: []string{"center", "peer"}},
		},
		Metadata: models.GraphMetadata{
			CenterNode: "center",
			HasMore:    true,
			NextCursor: "resume-handle",
		},
	}

	a.AnonymizePayload(payload)

	center := a.Pseudonym("center")
	if payload.Nodes[0].Address != center {
		t.Fatalf("node address not rewritten: %s", payload.Nodes[0].Address)
	}
	if payload.Nodes[0].Identity.Display != "redacted" {
		t.Fatalf("identity leaked: %s", payload.Nodes[0].Identity.Display)
	}
	if payload.Edges[0].Source != center || payload.Edges[0].Target != a.Pseudonym("peer") {
		t.Fatalf("edge endpoints leaked: %+v", payload.Edges[0])
	}
	if payload.Edges[0].ID != payload.Edges[0].Source+"->"+payload.Edges[0].Target {
		t.Fatalf("edge id inconsistent: %s", payload.Edges[0].ID)
	}
	if payload.Metadata.CenterNode != center {
		t.Fatalf("center leaked: %s", payload.Metadata.CenterNode)
	}
	if payload.Metadata.NextCursor != "" || payload.Metadata.HasMore {
		t.Fatal("anonymized payloads must not be resumable")
	}
	for _, addr := range payload.Clusters[0].Addresses {
		if !strings.HasPrefix(addr, "anon_") {
			t.Fatalf("cluster address leaked: %s", addr)
		}
	}
}
