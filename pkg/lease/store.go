// Package lease issues and checks capability leases: time-boxed grants that
// satisfy a policy-required capability. Leases expire passively; lookup
// filters expired rows instead of purging them.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quorralabs/keel/pkg/contracts"
	"github.com/quorralabs/keel/pkg/events"
	"github.com/quorralabs/keel/pkg/kernel"
)

// ErrEmptyCapability rejects issuance requests without a capability name.
var ErrEmptyCapability = errors.New("lease: capability must not be empty")

// DefaultTTL applies when an issuance request omits ttl_secs.
const DefaultTTL = time.Hour

// IssueRequest carries the caller-supplied fields of an issuance.
type IssueRequest struct {
	Subject    string
	Capability string
	Scope      string
	TTLSecs    int64
	Budget     *int64
}

// Store issues capability leases against the kernel and maintains an
// active-lease snapshot for observability.
type Store struct {
	kernel kernel.Store
	bus    events.Publisher
	clock  func() time.Time

	mu       sync.RWMutex
	snapshot []*contracts.CapabilityLease
}

// NewStore creates a lease store over the kernel.
func NewStore(k kernel.Store, bus events.Publisher) *Store {
	return &Store{kernel: k, bus: bus, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Issue mints a new lease. The TTL is clamped into [1s, 24h] regardless of
// the requested value; a zero TTLSecs gets DefaultTTL before clamping.
// Issuance publishes a lease-created event and refreshes the snapshot.
func (s *Store) Issue(ctx context.Context, req IssueRequest) (*contracts.CapabilityLease, error) {
	if req.Capability == "" {
		return nil, ErrEmptyCapability
	}
	subject := req.Subject
	if subject == "" {
		subject = "local"
	}

	ttl := DefaultTTL
	if req.TTLSecs != 0 {
		ttl = time.Duration(req.TTLSecs) * time.Second
	}
	ttl = contracts.ClampLeaseTTL(ttl)

	now := s.clock().UTC()
	l := &contracts.CapabilityLease{
		ID:         uuid.New().String(),
		Subject:    subject,
		Capability: req.Capability,
		Scope:      req.Scope,
		TTLUntil:   now.Add(ttl),
		Budget:     req.Budget,
		CreatedAt:  now,
	}
	if err := s.kernel.InsertLease(ctx, l); err != nil {
		return nil, fmt.Errorf("lease: issue: %w", err)
	}

	slog.Info("capability lease issued",
		"lease_id", l.ID, "subject", l.Subject,
		"capability", l.Capability, "ttl", ttl)

	s.bus.Publish(contracts.TopicLeaseCreated, contracts.LeaseCreatedEvent{Lease: *l})
	if err := s.refreshSnapshot(ctx); err != nil {
		slog.Warn("lease snapshot refresh failed", "error", err)
	}
	return l, nil
}

// FindValid returns a lease for (subject, capability) whose TTL has not
// passed, or nil. Expired rows are filtered here, never deleted.
func (s *Store) FindValid(ctx context.Context, subject, capability string) (*contracts.CapabilityLease, error) {
	leases, err := s.kernel.ListLeases(ctx)
	if err != nil {
		return nil, fmt.Errorf("lease: find valid: %w", err)
	}
	now := s.clock().UTC()
	for _, l := range leases {
		if l.Subject == subject && l.Capability == capability && l.Valid(now) {
			return l, nil
		}
	}
	return nil, nil
}

// Active returns the current snapshot of unexpired leases. The snapshot is
// rebuilt on every issuance; Active itself does not hit the kernel.
func (s *Store) Active() []*contracts.CapabilityLease {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.clock().UTC()
	out := make([]*contracts.CapabilityLease, 0, len(s.snapshot))
	for _, l := range s.snapshot {
		if l.Valid(now) {
			out = append(out, l)
		}
	}
	return out
}

func (s *Store) refreshSnapshot(ctx context.Context) error {
	leases, err := s.kernel.ListLeases(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.snapshot = leases
	s.mu.Unlock()
	return nil
}
