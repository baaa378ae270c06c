// Package admission composes the pipeline: policy decision, capability
// lease check, staging divert, and queue handoff. Every side-effecting
// action enters through Submit.
package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quorralabs/keel/pkg/contracts"
	"github.com/quorralabs/keel/pkg/events"
	"github.com/quorralabs/keel/pkg/kernel"
	"github.com/quorralabs/keel/pkg/lease"
	"github.com/quorralabs/keel/pkg/policy"
	"github.com/quorralabs/keel/pkg/queue"
	"github.com/quorralabs/keel/pkg/staging"
)

// Outcome is the terminal result of an admission attempt.
type Outcome string

const (
	// OutcomeDenied: policy denied and no valid lease covers it. The
	// Decision says whether a lease could resolve it.
	OutcomeDenied Outcome = "denied"
	// OutcomeStaged: held for a human decision.
	OutcomeStaged Outcome = "staged"
	// OutcomeQueued: admitted and waiting for a worker.
	OutcomeQueued Outcome = "queued"
)

// Result reports what happened to a submitted action.
type Result struct {
	Outcome  Outcome                  `json:"outcome"`
	Decision contracts.PolicyDecision `json:"decision"`

	StagingID string `json:"staging_id,omitempty"`
	ActionID  string `json:"action_id,omitempty"`
}

// Service wires the admission pipeline together.
type Service struct {
	policy *policy.Engine
	leases *lease.Store
	gate   *staging.Gate
	queue  queue.Queue
	kernel kernel.Store
	bus    events.Publisher
	clock  func() time.Time
}

// NewService builds the pipeline.
func NewService(p *policy.Engine, l *lease.Store, g *staging.Gate, q queue.Queue, k kernel.Store, bus events.Publisher) *Service {
	return &Service{policy: p, leases: l, gate: g, queue: q, kernel: k, bus: bus, clock: time.Now}
}

// Submit runs one action request through the pipeline.
//
// Denials are results, not errors: the error return is reserved for
// storage and queue failures, which propagate rather than silently
// dropping the action.
func (s *Service) Submit(ctx context.Context, subject, kind string, input json.RawMessage) (*Result, error) {
	decision := s.policy.Evaluate(kind)
	if !decision.Allow {
		if decision.RequireCapability == "" {
			// Capsule denies are not leaseable; nothing to look up.
			return &Result{Outcome: OutcomeDenied, Decision: decision}, nil
		}
		held, err := s.leases.FindValid(ctx, subject, decision.RequireCapability)
		if err != nil {
			return nil, fmt.Errorf("admission: lease lookup: %w", err)
		}
		if held == nil {
			slog.Info("action denied, capability not leased",
				"kind", kind, "subject", subject,
				"require_capability", decision.RequireCapability)
			return &Result{Outcome: OutcomeDenied, Decision: decision}, nil
		}
		slog.Debug("policy denial satisfied by lease",
			"kind", kind, "lease_id", held.ID)
	}

	if s.gate.ShouldStage(kind) {
		entry, err := s.gate.Stage(ctx, kind, input, subject)
		if err != nil {
			return nil, err
		}
		return &Result{Outcome: OutcomeStaged, Decision: decision, StagingID: entry.ID}, nil
	}

	actionID, err := s.admit(ctx, kind, input)
	if err != nil {
		return nil, err
	}
	return &Result{Outcome: OutcomeQueued, Decision: decision, ActionID: actionID}, nil
}

// admit persists the action and hands it to the queue, publishing the
// same submission event an approved staging entry produces.
func (s *Service) admit(ctx context.Context, kind string, input json.RawMessage) (string, error) {
	var meta struct {
		Priority int `json:"priority"`
	}
	if len(input) > 0 {
		_ = json.Unmarshal(input, &meta)
	}

	actionID := uuid.New().String()
	now := s.clock().UTC()
	if err := s.kernel.InsertAction(ctx, &kernel.ActionRecord{
		ID:        actionID,
		Kind:      kind,
		Payload:   input,
		Priority:  meta.Priority,
		State:     contracts.ActionQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return "", fmt.Errorf("admission: store action: %w", err)
	}
	if _, err := s.queue.Enqueue(ctx, &contracts.Task{
		ID:       actionID,
		Kind:     kind,
		Payload:  input,
		Priority: meta.Priority,
	}); err != nil {
		return "", fmt.Errorf("admission: enqueue action: %w", err)
	}

	s.bus.Publish(contracts.TopicActionSubmitted, contracts.ActionSubmittedEvent{
		ActionID: actionID,
		Kind:     kind,
	})
	return actionID, nil
}
