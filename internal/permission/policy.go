package permission

import (
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// Decision is the permission tier assigned to a tool call.
type Decision string

const (
	// DecisionAutonomous lets the call proceed without human involvement.
	DecisionAutonomous Decision = "autonomous"
	// DecisionRequiresApproval blocks the call until a human resolves it.
	DecisionRequiresApproval Decision = "requires_approval"
	// DecisionDenied refuses the call outright.
	DecisionDenied Decision = "denied"
)

func (d Decision) Valid() bool {
	switch d {
	case DecisionAutonomous, DecisionRequiresApproval, DecisionDenied:
		return true
	}
	return false
}

// Selector matches tool calls by name glob, category, tag, or danger flag.
// Empty fields match everything; populated fields are ANDed, values within
// a field are ORed.
type Selector struct {
	Tools      []string `yaml:"tools" json:"tools"`
	Categories []string `yaml:"categories" json:"categories"`
	Tags       []string `yaml:"tags" json:"tags"`
	Dangerous  *bool    `yaml:"dangerous" json:"dangerous"`
}

// Rule assigns a decision to matching calls. Rules are evaluated in order
// and the first match wins.
type Rule struct {
	Name     string   `yaml:"name" json:"name"`
	Match    Selector `yaml:"match" json:"match"`
	Decision Decision `yaml:"decision" json:"decision"`
	Reason   string   `yaml:"reason" json:"reason"`
}

// RateLimit caps how often a tool may run autonomously. Calls over the
// limit are degraded to requires_approval, never silently dropped.
type RateLimit struct {
	PerMinute int `yaml:"per_minute" json:"per_minute"`
	Burst     int `yaml:"burst" json:"burst"`
}

// Policy is the full permission configuration for a task run.
type Policy struct {
	// Default applies to registered tools no rule matches.
	Default Decision `yaml:"default" json:"default"`
	Rules   []Rule   `yaml:"rules" json:"rules"`
	// RateLimits are keyed by tool name; "*" sets a fallback for all tools.
	RateLimits map[string]RateLimit `yaml:"rate_limits" json:"rate_limits"`
}

// DefaultPolicy requires approval for anything not explicitly trusted and
// for every tool flagged dangerous.
func DefaultPolicy() Policy {
	dangerous := true
	return Policy{
		Default: DecisionRequiresApproval,
		Rules: []Rule{
			{
				Name:     "dangerous-needs-approval",
				Match:    Selector{Dangerous: &dangerous},
				Decision: DecisionRequiresApproval,
				Reason:   "tool is flagged dangerous",
			},
			{
				Name:     "readonly-autonomous",
				Match:    Selector{Tags: []string{"readonly"}},
				Decision: DecisionAutonomous,
			},
		},
	}
}

// LoadPolicy reads and validates a YAML policy file.
func LoadPolicy(filePath string) (Policy, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return Policy{}, fmt.Errorf("parse policy file %s: %w", filePath, err)
	}
	if policy.Default == "" {
		policy.Default = DecisionRequiresApproval
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, fmt.Errorf("invalid policy %s: %w", filePath, err)
	}
	return policy, nil
}

// Validate checks every decision and selector glob in the policy.
func (p Policy) Validate() error {
	if !p.Default.Valid() {
		return fmt.Errorf("default decision %q is not one of autonomous, requires_approval, denied", p.Default)
	}
	for i, rule := range p.Rules {
		if !rule.Decision.Valid() {
			return fmt.Errorf("rule %d (%s): decision %q is invalid", i, rule.Name, rule.Decision)
		}
		for _, pattern := range rule.Match.Tools {
			if _, err := path.Match(pattern, "probe"); err != nil {
				return fmt.Errorf("rule %d (%s): bad tool pattern %q: %w", i, rule.Name, pattern, err)
			}
		}
	}
	for name, limit := range p.RateLimits {
		if limit.PerMinute < 0 || limit.Burst < 0 {
			return fmt.Errorf("rate limit for %q: negative values", name)
		}
	}
	return nil
}

// callContext carries the tool attributes a selector can match on.
type callContext struct {
	Tool      string
	Category  string
	Tags      []string
	Dangerous bool
}

// resolve returns the first matching rule's decision, or the policy default.
func (p Policy) resolve(ctx callContext) (Decision, *Rule) {
	for i := range p.Rules {
		rule := &p.Rules[i]
		if rule.Match.matches(ctx) {
			return rule.Decision, rule
		}
	}
	return p.Default, nil
}

func (s Selector) matches(ctx callContext) bool {
	if len(s.Tools) > 0 && !matchAnyGlob(s.Tools, ctx.Tool) {
		return false
	}
	if len(s.Categories) > 0 && !containsFold(s.Categories, ctx.Category) {
		return false
	}
	if len(s.Tags) > 0 && !intersectsFold(s.Tags, ctx.Tags) {
		return false
	}
	if s.Dangerous != nil && *s.Dangerous != ctx.Dangerous {
		return false
	}
	return true
}

func matchAnyGlob(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if ok, err := path.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

func containsFold(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(v, target) {
			return true
		}
	}
	return false
}

func intersectsFold(values, targets []string) bool {
	for _, target := range targets {
		if containsFold(values, target) {
			return true
		}
	}
	return false
}
