package contracts

import (
	"encoding/json"
	"time"
)

// Task is the unit of work admitted into the delivery queue.
//
// A task is owned exclusively by the queue instance that holds it: either
// sitting in a priority bucket or parked in the pending-lease table while a
// worker processes it. Callers must not mutate a task after Enqueue; the
// Attempt counter is queue-internal state.
type Task struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Priority int             `json:"priority"` // Lower = more urgent
	Attempt  uint32          `json:"attempt"`
}

// LeaseToken is the queue-internal delivery lease minted at dequeue time.
// It is consumed by Ack (success) or Nack (failure); an unacknowledged
// token past ExpiresAt is the sole recovery path for a crashed worker.
//
// Not to be confused with CapabilityLease, which is a policy-layer grant.
type LeaseToken struct {
	TaskID    string    `json:"task_id"`
	LeaseID   string    `json:"lease_id"`
	ExpiresAt time.Time `json:"expires_at"`
}
