package contracts

import "time"

// CapabilityLease is a time-boxed grant of a capability to a subject.
// Leases are immutable once issued and expire passively when TTLUntil
// passes; there is no revocation path, so issuance clamps the TTL into
// [1s, 24h] to bound the blast radius of a leaked grant.
type CapabilityLease struct {
	ID         string    `json:"id"`
	Subject    string    `json:"subject"`
	Capability string    `json:"capability"`
	Scope      string    `json:"scope,omitempty"`
	TTLUntil   time.Time `json:"ttl_until"`
	Budget     *int64    `json:"budget,omitempty"`
	CreatedAt  time.Time `json:"created"`
}

// Valid reports whether the lease still satisfies a policy check at t.
func (l *CapabilityLease) Valid(t time.Time) bool {
	return t.Before(l.TTLUntil)
}

// LeaseTTL clamp bounds. Requested TTLs outside this window are clamped,
// never rejected.
const (
	LeaseTTLMin = 1 * time.Second
	LeaseTTLMax = 24 * time.Hour
)

// ClampLeaseTTL forces a requested TTL into the issuable window.
func ClampLeaseTTL(d time.Duration) time.Duration {
	if d < LeaseTTLMin {
		return LeaseTTLMin
	}
	if d > LeaseTTLMax {
		return LeaseTTLMax
	}
	return d
}
