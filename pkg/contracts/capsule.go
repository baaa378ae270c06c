package contracts

import "time"

// CapsulePropagation controls how far an adopted capsule's rules travel.
type CapsulePropagation string

const (
	PropagateNone     CapsulePropagation = "none"
	PropagateChildren CapsulePropagation = "children"
	PropagatePeers    CapsulePropagation = "peers"
	PropagateAll      CapsulePropagation = "all"
)

// ValidPropagation reports whether p is one of the fixed enumeration values.
func ValidPropagation(p CapsulePropagation) bool {
	switch p {
	case PropagateNone, PropagateChildren, PropagatePeers, PropagateAll:
		return true
	}
	return false
}

// CapsuleContract is a single gating obligation carried by a capsule.
type CapsuleContract struct {
	Capability string `json:"capability"`
	Constraint string `json:"constraint,omitempty"`
}

// GatingCapsule is a signed bundle of gating rules issued by an external
// trust-store issuer. The signature covers the capsule with the Signature
// field cleared, serialized in canonical (RFC 8785) form.
//
// Capsules are never mutated after verification; adoption merges them into
// an immutable gating snapshot that is swapped in whole.
type GatingCapsule struct {
	ID        string             `json:"id"`
	Version   string             `json:"version"`
	Issuer    string             `json:"issuer,omitempty"`
	IssuedAt  time.Time          `json:"issued_at"`
	HopTTL    *int               `json:"hop_ttl,omitempty"`
	Propagate CapsulePropagation `json:"propagate,omitempty"`
	Denies    []string           `json:"denies"`
	Contracts []CapsuleContract  `json:"contracts"`
	Signature string             `json:"signature,omitempty"`
}

// SigningView returns a copy of the capsule with the signature cleared,
// the exact structure whose canonical bytes were signed by the issuer.
func (c GatingCapsule) SigningView() GatingCapsule {
	c.Signature = ""
	return c
}

// GatingRuleset is an immutable snapshot of adopted capsule rules. The
// trust verifier swaps whole snapshots atomically; readers never observe a
// partially-adopted capsule.
type GatingRuleset struct {
	Version   int64             `json:"version"`
	Denies    []string          `json:"denies"`
	Contracts []CapsuleContract `json:"contracts"`
	Capsules  []string          `json:"capsules"` // adopted capsule ids, oldest first
}
