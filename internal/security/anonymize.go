// Package security holds the privacy anonymizer used on outbound
// payloads when the caller requests anonymized output.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/polkatrace/graph-engine/pkg/models"
)

// Anonymizer replaces addresses with salted pseudonyms. The mapping is
// deterministic per salt so repeated queries stay correlatable without
// exposing the underlying address.
type Anonymizer struct {
	salt []byte
}

func NewAnonymizer(salt string) *Anonymizer {
	return &Anonymizer{salt: []byte(salt)}
}

// Pseudonym derives the stable pseudonym for one address.
func (a *Anonymizer) Pseudonym(address string) string {
	mac := hmac.New(sha256.New, a.salt)
	mac.Write([]byte(address))
	return "anon_" + hex.EncodeToString(mac.Sum(nil))[:16]
}

// AnonymizePayload rewrites every address in a graph payload in place:
// node addresses, edge endpoints, cursor references, and identity
// display fields that could leak the address.
func (a *Anonymizer) AnonymizePayload(p *models.GraphPayload) {
	for i := range p.Nodes {
		n := &p.Nodes[i]
		n.Address = a.Pseudonym(n.Address)
		if n.Identity.Display != "" {
			n.Identity.Display = "redacted"
		}
	}
	for i := range p.Edges {
		e := &p.Edges[i]
		e.Source = a.Pseudonym(e.Source)
		e.Target = a.Pseudonym(e.Target)
		e.ID = e.Source + "->" + e.Target
	}
	p.Metadata.CenterNode = a.Pseudonym(p.Metadata.CenterNode)
	// A cursor would leak raw addresses; anonymized payloads are not
	// resumable.
	p.Metadata.NextCursor = ""
	p.Metadata.HasMore = false
	for i := range p.Clusters {
		for j, addr := range p.Clusters[i].Addresses {
			p.Clusters[i].Addresses[j] = a.Pseudonym(addr)
		}
	}
}
