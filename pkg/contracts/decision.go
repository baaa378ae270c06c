package contracts

import "time"

// PolicyDecision is the outcome of evaluating an action kind against the
// active policy configuration. It is computed fresh per request and never
// persisted.
//
// A deny with a non-empty RequireCapability is resolvable: the caller can
// obtain a matching capability lease and retry.
type PolicyDecision struct {
	Allow             bool           `json:"allow"`
	RequireCapability string         `json:"require_capability,omitempty"`
	Explain           *PolicyExplain `json:"explain,omitempty"`
}

// PolicyExplain is the structured reason attached to a decision.
type PolicyExplain struct {
	Posture     string `json:"posture"`
	MatchedRule string `json:"matched_rule,omitempty"`
	Reason      string `json:"reason"`
}

// ABACRecord wraps a decision with the principal/action/resource triple it
// was computed for, plus a canonical decision hash, for audit trails. It is
// explainability metadata only; the decision outcome is unchanged.
type ABACRecord struct {
	Principal    string         `json:"principal"`
	Action       string         `json:"action"`
	Resource     string         `json:"resource"`
	Decision     PolicyDecision `json:"decision"`
	DecisionHash string         `json:"decision_hash"`
	EvaluatedAt  time.Time      `json:"evaluated_at"`
}
