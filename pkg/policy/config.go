// Package policy is the attribute-based admission gate: it decides, per
// action kind, whether execution may proceed outright or requires a
// capability backed by a valid lease. The engine names the required
// capability; it does not check leases itself.
package policy

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Posture is a named policy preset.
type Posture string

const (
	PostureRelaxed  Posture = "relaxed"
	PostureStandard Posture = "standard"
	PostureStrict   Posture = "strict"
)

// Rule denies action kinds under KindPrefix unless the caller holds
// Capability. When is an optional CEL guard over the action kind; a rule
// with a guard applies only when the guard evaluates true.
type Rule struct {
	KindPrefix string `yaml:"kind_prefix" json:"kind_prefix"`
	Capability string `yaml:"capability" json:"capability"`
	When       string `yaml:"when,omitempty" json:"when,omitempty"`
}

// Config is the expanded policy configuration the engine evaluates.
type Config struct {
	Posture  Posture `yaml:"posture" json:"posture"`
	AllowAll bool    `yaml:"allow_all" json:"allow_all"`
	Rules    []Rule  `yaml:"rules" json:"rules"`
}

// Expand returns the configuration a posture stands for.
func Expand(p Posture) Config {
	switch p {
	case PostureRelaxed:
		return Config{Posture: PostureRelaxed, AllowAll: true}
	case PostureStrict:
		return Config{Posture: PostureStrict, Rules: []Rule{
			{KindPrefix: "net.", Capability: "net"},
			{KindPrefix: "fs.write", Capability: "fs:write"},
			{KindPrefix: "fs.delete", Capability: "fs:write"},
			{KindPrefix: "exec.", Capability: "exec"},
			{KindPrefix: "model.", Capability: "model"},
		}}
	default:
		return Config{Posture: PostureStandard, Rules: []Rule{
			{KindPrefix: "net.", Capability: "net"},
			{KindPrefix: "exec.", Capability: "exec"},
		}}
	}
}

// Load resolves configuration with the documented precedence: an explicit
// rule file, then a named posture, then the standard posture. A malformed
// or unreadable rule file falls back to the posture chain rather than
// failing startup.
func Load(rulePath string, posture Posture) Config {
	if rulePath != "" {
		cfg, err := loadRuleFile(rulePath)
		if err == nil {
			return cfg
		}
		slog.Warn("policy rule file rejected, falling back to posture",
			"path", rulePath, "error", err)
	}
	if posture != "" {
		return Expand(posture)
	}
	return Expand(PostureStandard)
}

func loadRuleFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("policy: read rule file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("policy: parse rule file: %w", err)
	}
	for i, r := range cfg.Rules {
		if r.KindPrefix == "" || r.Capability == "" {
			return Config{}, fmt.Errorf("policy: rule %d missing kind_prefix or capability", i)
		}
	}
	if cfg.Posture == "" {
		cfg.Posture = "file"
	}
	return cfg, nil
}
