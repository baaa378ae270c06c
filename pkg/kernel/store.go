// Package kernel is the durable action/event store backing admission.
// Policy, staging, and lease state all persist here; the queue holds only
// in-flight delivery state and rebuilds from these tables on restart.
package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/quorralabs/keel/pkg/contracts"
)

// Sentinel errors surfaced across the storage boundary.
var (
	ErrNotFound   = errors.New("kernel: not found")
	ErrNotPending = errors.New("kernel: staging entry not pending")
)

// ActionRecord is the durable form of an admitted action.
type ActionRecord struct {
	ID        string                `json:"id"`
	Kind      string                `json:"kind"`
	Payload   json.RawMessage       `json:"payload,omitempty"`
	Priority  int                   `json:"priority"`
	State     contracts.ActionState `json:"state"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// Store is the boundary between the admission subsystems and durable
// storage. Implementations must propagate write failures; no operation may
// silently drop data.
type Store interface {
	// Actions.
	InsertAction(ctx context.Context, a *ActionRecord) error
	SetActionState(ctx context.Context, id string, state contracts.ActionState) error
	GetAction(ctx context.Context, id string) (*ActionRecord, error)
	DeleteActionsByState(ctx context.Context, states []contracts.ActionState) (int64, error)
	CountActionsByState(ctx context.Context, state contracts.ActionState) (int64, error)

	// Staging entries.
	InsertStaging(ctx context.Context, e *contracts.StagingEntry) error
	GetStaging(ctx context.Context, id string) (*contracts.StagingEntry, error)
	// DecideStaging transitions a pending entry to a terminal status in one
	// conditional write. It returns ErrNotPending if the entry exists but
	// was already decided, ErrNotFound if it does not exist.
	DecideStaging(ctx context.Context, id string, status contracts.StagingStatus, reason, decidedBy, resultingActionID string, decidedAt time.Time) error

	// Capability leases.
	InsertLease(ctx context.Context, l *contracts.CapabilityLease) error
	ListLeases(ctx context.Context) ([]*contracts.CapabilityLease, error)

	// RecordContribution bumps the approval-contribution counter for an
	// operator identity.
	RecordContribution(ctx context.Context, subject string) error

	Close() error
}
