// Package staging holds admitted-but-not-yet-allowed actions for a human
// decision. An entry is created pending, transitions exactly once to
// approved or denied, and on approval produces a queue task that is
// indistinguishable downstream from a directly admitted one.
package staging

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
	"github.com/quorralabs/keel/pkg/queue"
)

// Gate is the staging decision surface.
type Gate struct {
	kernel kernel.Store
	queue  queue.Queue
	bus    events.Publisher

	mode      contracts.StagingMode
	allowList map[string]struct{}

	clock func() time.Time
}

// NewGate creates a gate in the given mode. allowKinds is consulted only
// in ask mode: listed kinds skip staging.
func NewGate(k kernel.Store, q queue.Queue, bus events.Publisher, mode contracts.StagingMode, allowKinds []string) *Gate {
	allow := make(map[string]struct{}, len(allowKinds))
	for _, kind := range allowKinds {
		allow[kind] = struct{}{}
	}
	return &Gate{
		kernel:    k,
		queue:     q,
		bus:       bus,
		mode:      mode,
		allowList: allow,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// ShouldStage reports whether an action of this kind must wait for a
// human. It runs once per action, before queue admission.
func (g *Gate) ShouldStage(kind string) bool {
	switch g.mode {
	case contracts.StagingModeAuto:
		return false
	case contracts.StagingModeAlways:
		return true
	default: // ask
		_, allowed := g.allowList[kind]
		return !allowed
	}
}

// actionMeta is the informational metadata extracted from action input at
// staging time. Absent fields are fine; extraction never fails admission.
type actionMeta struct {
	Project  string          `json:"project"`
	Priority int             `json:"priority"`
	Evidence json.RawMessage `json:"evidence"`
}

func extractMeta(input json.RawMessage) actionMeta {
	var meta actionMeta
	if len(input) > 0 {
		_ = json.Unmarshal(input, &meta)
	}
	return meta
}

// Stage durably records a pending entry for the action.
func (g *Gate) Stage(ctx context.Context, kind string, input json.RawMessage, requestedBy string) (*contracts.StagingEntry, error) {
	meta := extractMeta(input)
	entry := &contracts.StagingEntry{
		ID:          uuid.New().String(),
		ActionKind:  kind,
		ActionInput: input,
		Project:     meta.Project,
		RequestedBy: requestedBy,
		Status:      contracts.StagingPending,
		CreatedAt:   g.clock().UTC(),
	}
	if err := g.kernel.InsertStaging(ctx, entry); err != nil {
		return nil, fmt.Errorf("staging: stage %s: %w", kind, err)
	}

	slog.Info("action staged for review",
		"staging_id", entry.ID, "kind", kind, "project", entry.Project,
		"has_evidence", len(meta.Evidence) > 0)
	g.bus.Publish(contracts.TopicStagingCreated, contracts.StagingDecidedEvent{Entry: *entry})
	return entry, nil
}

// Approve transitions a pending entry to approved, mints a fresh task,
// stores it queued, and hands it to the queue. Downstream of this call a
// staged-then-approved action looks exactly like a direct admission.
//
// Returns kernel.ErrNotFound or kernel.ErrNotPending when the entry cannot
// be decided. A store or queue failure after the transition commits leaves
// the entry approved without a delivered task; the orphan is logged and the
// error returned.
func (g *Gate) Approve(ctx context.Context, stagingID, decidedBy string) (*contracts.StagingEntry, error) {
	entry, err := g.kernel.GetStaging(ctx, stagingID)
	if err != nil {
		return nil, err
	}

	meta := extractMeta(entry.ActionInput)
	actionID := uuid.New().String()
	now := g.clock().UTC()

	if err := g.kernel.DecideStaging(ctx, stagingID, contracts.StagingApproved, "", decidedBy, actionID, now); err != nil {
		return nil, err
	}

	if err := g.kernel.InsertAction(ctx, &kernel.ActionRecord{
		ID:        actionID,
		Kind:      entry.ActionKind,
		Payload:   entry.ActionInput,
		Priority:  meta.Priority,
		State:     contracts.ActionQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		g.logOrphanedApproval(stagingID, actionID, err)
		return nil, fmt.Errorf("staging: store approved action: %w", err)
	}

	if _, err := g.queue.Enqueue(ctx, &contracts.Task{
		ID:       actionID,
		Kind:     entry.ActionKind,
		Payload:  entry.ActionInput,
		Priority: meta.Priority,
	}); err != nil {
		g.logOrphanedApproval(stagingID, actionID, err)
		return nil, fmt.Errorf("staging: enqueue approved action: %w", err)
	}

	if err := g.kernel.RecordContribution(ctx, decidedBy); err != nil {
		slog.Warn("contribution metric not recorded", "decided_by", decidedBy, "error", err)
	}

	entry.Status = contracts.StagingApproved
	entry.DecidedBy = decidedBy
	entry.DecidedAt = &now
	entry.ResultingActionID = actionID

	slog.Info("staged action approved",
		"staging_id", stagingID, "action_id", actionID, "decided_by", decidedBy)
	g.bus.Publish(contracts.TopicStagingDecided, contracts.StagingDecidedEvent{Entry: *entry})
	g.bus.Publish(contracts.TopicActionSubmitted, contracts.ActionSubmittedEvent{
		ActionID: actionID,
		Kind:     entry.ActionKind,
	})
	return entry, nil
}

// logOrphanedApproval records a decided-but-undelivered approval. The
// one-shot transition has already committed when the action store or the
// queue fails, so the entry stays approved with a resulting_action_id that
// names no delivered task; operators find these by the log marker.
func (g *Gate) logOrphanedApproval(stagingID, actionID string, err error) {
	slog.Error("approval orphaned: decided but not delivered",
		"staging_id", stagingID, "action_id", actionID, "error", err)
}

// Deny transitions a pending entry to denied with a reason. No task is
// ever created on this path.
func (g *Gate) Deny(ctx context.Context, stagingID, reason, decidedBy string) (*contracts.StagingEntry, error) {
	now := g.clock().UTC()
	if err := g.kernel.DecideStaging(ctx, stagingID, contracts.StagingDenied, reason, decidedBy, "", now); err != nil {
		return nil, err
	}
	entry, err := g.kernel.GetStaging(ctx, stagingID)
	if err != nil {
		return nil, err
	}

	slog.Info("staged action denied",
		"staging_id", stagingID, "reason", reason, "decided_by", decidedBy)
	g.bus.Publish(contracts.TopicStagingDecided, contracts.StagingDecidedEvent{Entry: *entry})
	return entry, nil
}
