package contracts

// Event topics published on the notification bus. The fan-out transport
// (SSE, websockets) is an external collaborator; subsystems here only
// publish.
const (
	TopicLeaseCreated    = "lease.created"
	TopicStagingCreated  = "staging.created"
	TopicStagingDecided  = "staging.decided"
	TopicActionSubmitted = "action.submitted"
	TopicCapsuleAdopted  = "capsule.adopted"
)

// LeaseCreatedEvent announces a newly issued capability lease.
type LeaseCreatedEvent struct {
	Lease CapabilityLease `json:"lease"`
}

// StagingDecidedEvent announces the terminal decision on a staging entry.
type StagingDecidedEvent struct {
	Entry StagingEntry `json:"entry"`
}

// ActionSubmittedEvent announces an action admitted to the queue. A staged
// action approved by a human produces the same event an un-staged action
// would, so downstream consumers cannot tell the paths apart.
type ActionSubmittedEvent struct {
	ActionID string `json:"action_id"`
	Kind     string `json:"kind"`
}

// CapsuleAdoptedEvent announces a verified capsule merged into the live
// gating ruleset.
type CapsuleAdoptedEvent struct {
	CapsuleID string `json:"capsule_id"`
	Issuer    string `json:"issuer"`
	Version   int64  `json:"ruleset_version"`
}
