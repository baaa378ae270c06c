package contracts

import (
	"encoding/json"
	"time"
)

// StagingStatus tracks the lifecycle of a staged action. An entry moves
// exactly once from pending to a terminal state.
type StagingStatus string

const (
	StagingPending  StagingStatus = "pending"
	StagingApproved StagingStatus = "approved"
	StagingDenied   StagingStatus = "denied"
)

// Terminal reports whether the status admits no further transition.
func (s StagingStatus) Terminal() bool {
	return s == StagingApproved || s == StagingDenied
}

// StagingEntry is an action held for a human decision before queue
// admission. ResultingActionID is set only on approval and names the task
// minted for the queue.
type StagingEntry struct {
	ID          string          `json:"id"`
	ActionKind  string          `json:"action_kind"`
	ActionInput json.RawMessage `json:"action_input,omitempty"`
	Project     string          `json:"project,omitempty"`
	RequestedBy string          `json:"requested_by,omitempty"`
	Status      StagingStatus   `json:"status"`
	Reason      string          `json:"reason,omitempty"`
	DecidedBy   string          `json:"decided_by,omitempty"`
	DecidedAt   *time.Time      `json:"decided_at,omitempty"`

	ResultingActionID string `json:"resulting_action_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// StagingMode governs whether an admitted action is held for review.
type StagingMode string

const (
	// StagingModeAuto never stages.
	StagingModeAuto StagingMode = "auto"
	// StagingModeAlways stages every action.
	StagingModeAlways StagingMode = "always"
	// StagingModeAsk stages unless the action kind is allow-listed.
	StagingModeAsk StagingMode = "ask"
)
