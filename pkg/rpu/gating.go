package rpu

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/quorralabs/keel/pkg/contracts"
	"github.com/quorralabs/keel/pkg/events"
)

// Gate owns the live gating ruleset. Adoption builds a new merged snapshot
// and swaps it in one atomic store, so policy readers never observe a
// partially-adopted capsule. Last writer wins; the only rollback is a
// subsequent capsule or a restart.
type Gate struct {
	verifier *Verifier
	bus      events.Publisher

	adoptMu sync.Mutex // serializes merges, not reads
	ruleset atomic.Pointer[contracts.GatingRuleset]
}

// NewGate creates a gate with an empty ruleset.
func NewGate(verifier *Verifier, bus events.Publisher) *Gate {
	g := &Gate{verifier: verifier, bus: bus}
	g.ruleset.Store(&contracts.GatingRuleset{})
	return g
}

// Ruleset returns the current snapshot. Implements policy.GatingSource.
func (g *Gate) Ruleset() *contracts.GatingRuleset {
	return g.ruleset.Load()
}

// Adopt verifies the capsule and, on success, merges it into the live
// ruleset. The returned bool is the verification outcome.
func (g *Gate) Adopt(c *contracts.GatingCapsule) bool {
	if !g.verifier.VerifyCapsule(c) {
		return false
	}

	g.adoptMu.Lock()
	old := g.ruleset.Load()
	next := &contracts.GatingRuleset{
		Version:   old.Version + 1,
		Denies:    append(append([]string(nil), old.Denies...), c.Denies...),
		Contracts: append(append([]contracts.CapsuleContract(nil), old.Contracts...), c.Contracts...),
		Capsules:  append(append([]string(nil), old.Capsules...), c.ID),
	}
	g.ruleset.Store(next)
	g.adoptMu.Unlock()

	slog.Info("capsule adopted",
		"capsule", c.ID, "issuer", c.Issuer, "ruleset_version", next.Version)
	g.bus.Publish(contracts.TopicCapsuleAdopted, contracts.CapsuleAdoptedEvent{
		CapsuleID: c.ID,
		Issuer:    c.Issuer,
		Version:   next.Version,
	})
	return true
}

// AdoptFromHeaderJSON accepts a capsule as a raw JSON header or admin
// payload. Verification failure is silent at this boundary: the caller
// learns only that adoption did not occur, never why.
func (g *Gate) AdoptFromHeaderJSON(raw []byte) bool {
	var c contracts.GatingCapsule
	if err := json.Unmarshal(raw, &c); err != nil {
		slog.Debug("capsule header rejected: malformed JSON", "error", err)
		return false
	}
	return g.Adopt(&c)
}
