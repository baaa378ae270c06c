package rpu

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/quorralabs/keel/pkg/canonicalize"
	"github.com/quorralabs/keel/pkg/contracts"
)

// maxIssuedAtSkew is the clock-skew tolerance on issued_at. It is not a
// validity window: a capsule may be arbitrarily old, only the future is
// bounded.
const maxIssuedAtSkew = 5 * time.Minute

// Verifier authenticates capsules against the trust store.
type Verifier struct {
	trust *TrustStore
	clock func() time.Time
}

// NewVerifier creates a verifier over the trust store.
func NewVerifier(trust *TrustStore) *Verifier {
	return &Verifier{trust: trust, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// VerifyCapsule runs the full verification chain. Every step must pass;
// any failure returns false with detail only in the logs, never to the
// untrusted caller.
func (v *Verifier) VerifyCapsule(c *contracts.GatingCapsule) bool {
	if c == nil {
		return false
	}
	if c.Issuer == "" {
		slog.Debug("capsule rejected: no issuer", "capsule", c.ID)
		return false
	}
	issuer, ok := v.trust.Lookup(c.Issuer)
	if !ok {
		slog.Debug("capsule rejected: unknown issuer", "capsule", c.ID, "issuer", c.Issuer)
		return false
	}

	if c.Signature == "" {
		slog.Debug("capsule rejected: unsigned", "capsule", c.ID)
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(c.Signature)
	if err != nil {
		slog.Debug("capsule rejected: signature not base64", "capsule", c.ID, "error", err)
		return false
	}

	// The signed payload is the capsule with its signature cleared,
	// re-serialized in the same canonical form the issuer signed.
	canonical, err := canonicalize.JCS(c.SigningView())
	if err != nil {
		slog.Debug("capsule rejected: canonicalization failed", "capsule", c.ID, "error", err)
		return false
	}

	if !v.verifySignature(issuer, canonical, sig) {
		slog.Debug("capsule rejected: bad signature",
			"capsule", c.ID, "issuer", c.Issuer, "alg", issuer.Alg)
		return false
	}

	return v.plausible(c)
}

// verifySignature dispatches on the issuer's algorithm. The branch is
// deliberate: ed25519 verifies canonical bytes directly, secp256k1
// verifies ECDSA over their SHA-256 digest, and the signature shapes
// differ (fixed 64 bytes vs. DER-or-compact).
func (v *Verifier) verifySignature(issuer *Issuer, canonical, sig []byte) bool {
	switch issuer.Alg {
	case AlgEd25519:
		if len(sig) != ed25519.SignatureSize || len(issuer.key) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(issuer.key), canonical, sig)

	case AlgSecp256k1:
		pub, err := secp256k1.ParsePubKey(issuer.key)
		if err != nil {
			return false
		}
		parsed, ok := parseSecpSignature(sig)
		if !ok {
			return false
		}
		digest := sha256.Sum256(canonical)
		return parsed.Verify(digest[:], pub)

	default:
		return false
	}
}

// parseSecpSignature accepts DER or fixed 64-byte (r||s) encodings.
func parseSecpSignature(sig []byte) (*secpecdsa.Signature, bool) {
	if parsed, err := secpecdsa.ParseDERSignature(sig); err == nil {
		return parsed, true
	}
	if len(sig) != 64 {
		return nil, false
	}
	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(sig[:32]); overflow {
		return nil, false
	}
	if overflow := s.SetByteSlice(sig[32:]); overflow {
		return nil, false
	}
	return secpecdsa.NewSignature(&r, &s), true
}

// plausible is the final gate, independent of cryptography: a validly
// signed capsule can still be rejected on shape.
func (v *Verifier) plausible(c *contracts.GatingCapsule) bool {
	if c.IssuedAt.After(v.clock().Add(maxIssuedAtSkew)) {
		slog.Debug("capsule rejected: issued_at in the future",
			"capsule", c.ID, "issued_at", c.IssuedAt)
		return false
	}
	if c.HopTTL != nil && *c.HopTTL == 0 {
		slog.Debug("capsule rejected: zero hop_ttl", "capsule", c.ID)
		return false
	}
	if c.Propagate != "" && !contracts.ValidPropagation(c.Propagate) {
		slog.Debug("capsule rejected: bad propagate", "capsule", c.ID, "propagate", c.Propagate)
		return false
	}
	// Version is advisory: a validly signed capsule is never rejected on
	// its version string, only flagged when it does not parse as semver.
	if c.Version != "" {
		if _, err := semver.NewVersion(c.Version); err != nil {
			slog.Debug("capsule version is not semver", "capsule", c.ID, "version", c.Version)
		}
	}
	return true
}
