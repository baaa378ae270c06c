package policy

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/quorralabs/keel/pkg/canonicalize"
	"github.com/quorralabs/keel/pkg/contracts"
)

// GatingSource supplies the adopted capsule ruleset, or nil when no capsule
// has been adopted. The trust verifier implements this.
type GatingSource interface {
	Ruleset() *contracts.GatingRuleset
}

// Engine evaluates action kinds against the active configuration. It is a
// pure function over its config plus the current gating snapshot; it has no
// side effects and persists nothing.
type Engine struct {
	cfg    Config
	guards []cel.Program // index-aligned with cfg.Rules; nil = no guard
	gating GatingSource
	clock  func() time.Time
}

// NewEngine compiles the configuration. Rule guards that fail to compile
// are treated as always-true so a typo cannot silently disable a deny rule.
func NewEngine(cfg Config, gating GatingSource) *Engine {
	e := &Engine{cfg: cfg, gating: gating, clock: time.Now}
	e.guards = make([]cel.Program, len(cfg.Rules))

	env, err := cel.NewEnv(cel.Variable("kind", cel.StringType))
	if err != nil {
		slog.Error("policy guard environment unavailable", "error", err)
		return e
	}
	for i, r := range cfg.Rules {
		if r.When == "" {
			continue
		}
		ast, iss := env.Compile(r.When)
		if iss != nil && iss.Err() != nil {
			slog.Warn("policy rule guard rejected, rule applies unconditionally",
				"kind_prefix", r.KindPrefix, "error", iss.Err())
			continue
		}
		prg, err := env.Program(ast)
		if err != nil {
			slog.Warn("policy rule guard rejected, rule applies unconditionally",
				"kind_prefix", r.KindPrefix, "error", err)
			continue
		}
		e.guards[i] = prg
	}
	return e
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Config returns the active configuration.
func (e *Engine) Config() Config { return e.cfg }

// Evaluate decides whether an action kind may run.
//
// Order: adopted capsule denies first (an issuer deny overrides allow_all),
// then allow_all, then the first matching prefix rule (deny, naming the
// required capability), then allow by default.
func (e *Engine) Evaluate(kind string) contracts.PolicyDecision {
	if rs := e.ruleset(); rs != nil {
		for _, prefix := range rs.Denies {
			if strings.HasPrefix(kind, prefix) {
				return contracts.PolicyDecision{
					Allow: false,
					Explain: &contracts.PolicyExplain{
						Posture:     string(e.cfg.Posture),
						MatchedRule: "capsule:" + prefix,
						Reason:      "denied by adopted capsule",
					},
				}
			}
		}
		for _, c := range rs.Contracts {
			if c.Constraint != "" && strings.HasPrefix(kind, c.Constraint) {
				return e.deny(kind, c.Capability, "capsule-contract:"+c.Constraint)
			}
		}
	}

	if e.cfg.AllowAll {
		return contracts.PolicyDecision{
			Allow: true,
			Explain: &contracts.PolicyExplain{
				Posture: string(e.cfg.Posture),
				Reason:  "allow_all",
			},
		}
	}

	for i, r := range e.cfg.Rules {
		if !strings.HasPrefix(kind, r.KindPrefix) {
			continue
		}
		if !e.guardApplies(i, kind) {
			continue
		}
		return e.deny(kind, r.Capability, r.KindPrefix)
	}

	return contracts.PolicyDecision{
		Allow: true,
		Explain: &contracts.PolicyExplain{
			Posture: string(e.cfg.Posture),
			Reason:  "no matching rule",
		},
	}
}

// EvaluateABAC wraps Evaluate with a principal/action/resource
// explainability record for audit. The outcome is identical to Evaluate on
// the action kind.
func (e *Engine) EvaluateABAC(principal, action, resource string) contracts.ABACRecord {
	decision := e.Evaluate(action)
	rec := contracts.ABACRecord{
		Principal:   principal,
		Action:      action,
		Resource:    resource,
		Decision:    decision,
		EvaluatedAt: e.clock().UTC(),
	}
	hash, err := canonicalize.CanonicalHash(struct {
		Principal string                   `json:"principal"`
		Action    string                   `json:"action"`
		Resource  string                   `json:"resource"`
		Decision  contracts.PolicyDecision `json:"decision"`
	}{principal, action, resource, decision})
	if err != nil {
		slog.Error("abac decision hash failed", "action", action, "error", err)
		hash = "sha256:unknown"
	}
	rec.DecisionHash = hash
	return rec
}

func (e *Engine) deny(kind, capability, matched string) contracts.PolicyDecision {
	return contracts.PolicyDecision{
		Allow:             false,
		RequireCapability: capability,
		Explain: &contracts.PolicyExplain{
			Posture:     string(e.cfg.Posture),
			MatchedRule: matched,
			Reason:      fmt.Sprintf("kind %q requires capability %q", kind, capability),
		},
	}
}

// guardApplies reports whether rule i applies to kind. A rule without a
// compiled guard applies unconditionally; a guard evaluation error keeps
// the rule applied (fail-closed).
func (e *Engine) guardApplies(i int, kind string) bool {
	prg := e.guards[i]
	if prg == nil {
		return true
	}
	val, _, err := prg.Eval(map[string]interface{}{"kind": kind})
	if err != nil {
		slog.Warn("policy guard evaluation failed, applying rule",
			"kind", kind, "error", err)
		return true
	}
	applies, ok := val.Value().(bool)
	if !ok {
		return true
	}
	return applies
}

func (e *Engine) ruleset() *contracts.GatingRuleset {
	if e.gating == nil {
		return nil
	}
	return e.gating.Ruleset()
}
