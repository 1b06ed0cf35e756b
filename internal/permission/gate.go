// Package permission classifies tool calls into permission tiers before
// execution. The gate fails closed: a call naming a tool the registry does
// not know is denied, and rate-limit overruns degrade autonomous calls to
// requires_approval rather than letting them through.
package permission

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tether/internal/agent/ports"
	"tether/internal/shared/logging"
)

// Verdict is the gate's classification of one tool call.
type Verdict struct {
	Decision Decision
	// Rule names the policy rule that matched, empty for the default.
	Rule   string
	Reason string
	// RateLimited marks an autonomous call degraded by a rate limit.
	RateLimited bool
}

// Gate classifies tool calls against a policy and per-tool rate limits.
type Gate struct {
	policy   Policy
	registry ports.ToolRegistry
	logger   logging.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// GateOption customizes gate construction.
type GateOption func(*Gate)

// WithGateLogger attaches a logger for classification decisions.
func WithGateLogger(logger logging.Logger) GateOption {
	return func(g *Gate) {
		g.logger = logger
	}
}

// NewGate builds a gate over the given registry. The registry is the
// source of truth for which tools exist and their metadata.
func NewGate(policy Policy, registry ports.ToolRegistry, opts ...GateOption) *Gate {
	g := &Gate{
		policy:   policy,
		registry: registry,
		logger:   logging.Nop(),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Classify returns the permission tier for call. Classification never
// errors: anything that cannot be positively classified is denied.
func (g *Gate) Classify(call ports.ToolCall) Verdict {
	tool, err := g.registry.Get(call.Name)
	if err != nil || tool == nil {
		g.logger.Warn("Denying unregistered tool %q", call.Name)
		return Verdict{Decision: DecisionDenied, Reason: "tool is not registered"}
	}

	meta := tool.Metadata()
	decision, rule := g.policy.resolve(callContext{
		Tool:      call.Name,
		Category:  meta.Category,
		Tags:      meta.Tags,
		Dangerous: meta.Dangerous,
	})

	verdict := Verdict{Decision: decision}
	if rule != nil {
		verdict.Rule = rule.Name
		verdict.Reason = rule.Reason
	}

	// Rate limits only tighten: an over-limit autonomous call needs a
	// human, while requires_approval and denied stand as resolved.
	if verdict.Decision == DecisionAutonomous && !g.allow(call.Name) {
		g.logger.Info("Rate limit reached for %q, requiring approval", call.Name)
		verdict.Decision = DecisionRequiresApproval
		verdict.RateLimited = true
		verdict.Reason = "rate limit reached"
	}

	return verdict
}

// allow consumes one rate-limit token for the tool. Tools with no
// configured limit always pass.
func (g *Gate) allow(tool string) bool {
	limit, ok := g.policy.RateLimits[tool]
	if !ok {
		limit, ok = g.policy.RateLimits["*"]
	}
	if !ok || limit.PerMinute <= 0 {
		return true
	}

	g.mu.Lock()
	limiter, exists := g.limiters[tool]
	if !exists {
		burst := limit.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(limit.PerMinute)), burst)
		g.limiters[tool] = limiter
	}
	g.mu.Unlock()

	return limiter.Allow()
}
