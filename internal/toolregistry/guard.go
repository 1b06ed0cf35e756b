package toolregistry

import (
	"context"
	"time"

	"tether/internal/agent/ports"
	"tether/internal/errors"
	"tether/internal/shared/logging"
)

// DefaultToolTimeout bounds a single tool call when the policy has no
// per-tool override.
const DefaultToolTimeout = 120 * time.Second

// ExecPolicy controls how guarded tools run: how long a call may take and
// how infrastructure failures are retried.
type ExecPolicy struct {
	DefaultTimeout time.Duration            `yaml:"default_timeout" json:"default_timeout"`
	PerToolTimeout map[string]time.Duration `yaml:"per_tool_timeout" json:"per_tool_timeout"`
	Retry          errors.RetryConfig       `yaml:"retry" json:"retry"`
}

// DefaultExecPolicy returns the policy used when none is configured.
func DefaultExecPolicy() ExecPolicy {
	return ExecPolicy{
		DefaultTimeout: DefaultToolTimeout,
		Retry:          errors.DefaultRetryConfig(),
	}
}

func (p ExecPolicy) withDefaults() ExecPolicy {
	if p.DefaultTimeout <= 0 {
		p.DefaultTimeout = DefaultToolTimeout
	}
	if p.Retry.BaseDelay <= 0 {
		p.Retry = errors.DefaultRetryConfig()
	}
	return p
}

// TimeoutFor returns the call timeout for a tool.
func (p ExecPolicy) TimeoutFor(tool string) time.Duration {
	if t, ok := p.PerToolTimeout[tool]; ok && t > 0 {
		return t
	}
	return p.DefaultTimeout
}

// RetryFor returns the retry budget for a tool. Dangerous tools get exactly
// one attempt: a side-effecting call must not fire twice because the
// transport hiccuped.
func (p ExecPolicy) RetryFor(tool string, dangerous bool) errors.RetryConfig {
	cfg := p.Retry
	if dangerous {
		cfg.MaxAttempts = 0
	}
	return cfg
}

// ExecutionObserver receives one callback per guarded call. The observability
// package implements it; a nil observer disables recording.
type ExecutionObserver interface {
	RecordToolExecution(tool string, elapsed time.Duration, success bool)
}

// Guard wraps tool executors with timeout, retry, and circuit breaking.
//
// Only infrastructure errors (a Go error returned from Execute) count toward
// the breaker and the retry budget. A failure reported in ToolResult.Error is
// the tool working as designed: the decision-maker needs to see it and adapt,
// so it passes through untouched and marks the breaker successful.
type Guard struct {
	policy   ExecPolicy
	breakers *errors.CircuitBreakerManager
	logger   logging.Logger
	observer ExecutionObserver
}

// GuardOption customizes a Guard.
type GuardOption func(*Guard)

// WithGuardLogger sets the logger.
func WithGuardLogger(logger logging.Logger) GuardOption {
	return func(g *Guard) { g.logger = logging.OrNop(logger) }
}

// WithObserver sets the execution observer.
func WithObserver(obs ExecutionObserver) GuardOption {
	return func(g *Guard) { g.observer = obs }
}

// WithBreakerConfig replaces the default circuit breaker configuration.
func WithBreakerConfig(cfg errors.CircuitBreakerConfig) GuardOption {
	return func(g *Guard) { g.breakers = errors.NewCircuitBreakerManager(cfg) }
}

// NewGuard creates a guard with one circuit breaker per tool name.
func NewGuard(policy ExecPolicy, opts ...GuardOption) *Guard {
	g := &Guard{
		policy:   policy.withDefaults(),
		breakers: errors.NewCircuitBreakerManager(errors.DefaultCircuitBreakerConfig()),
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Wrap decorates a single executor.
func (g *Guard) Wrap(tool ports.ToolExecutor) ports.ToolExecutor {
	return &guardedTool{guard: g, delegate: tool}
}

// Registry decorates a registry so every Get returns a guarded executor.
func (g *Guard) Registry(inner ports.ToolRegistry) ports.ToolRegistry {
	return &guardedRegistry{guard: g, inner: inner}
}

// BreakerState exposes the breaker state for a tool, mainly for tests and
// the status endpoint.
func (g *Guard) BreakerState(tool string) errors.CircuitState {
	return g.breakers.Get(tool).State()
}

func (g *Guard) execute(ctx context.Context, delegate ports.ToolExecutor, call ports.ToolCall) (*ports.ToolResult, error) {
	meta := delegate.Metadata()
	name := meta.Name
	if name == "" {
		name = delegate.Definition().Name
	}

	execCtx, cancel := context.WithTimeout(ctx, g.policy.TimeoutFor(name))
	defer cancel()

	breaker := g.breakers.Get(name)
	start := time.Now()

	attempts := 0
	result, err := errors.RetryWithResultAndLog(execCtx, g.policy.RetryFor(name, meta.Dangerous),
		func(ctx context.Context) (*ports.ToolResult, error) {
			attempts++
			return g.executeOnce(ctx, breaker, delegate, call)
		}, g.logger)

	elapsed := time.Since(start)
	if g.observer != nil {
		g.observer.RecordToolExecution(name, elapsed, err == nil && !result.Failed())
	}

	if err == nil {
		return result, nil
	}

	// Task cancellation is the only failure the caller sees as a Go error.
	// Everything else, including a single call timing out or the breaker being
	// open, becomes tool output for the decision-maker to react to.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	failure := &errors.ToolExecutionError{Tool: name, Attempts: attempts, Err: err}
	g.logger.Warn("Tool %s failed: %v", name, failure)
	return &ports.ToolResult{CallID: call.ID, Error: failure.Error()}, nil
}

func (g *Guard) executeOnce(ctx context.Context, breaker *errors.CircuitBreaker, delegate ports.ToolExecutor, call ports.ToolCall) (*ports.ToolResult, error) {
	if err := breaker.Allow(); err != nil {
		return nil, err
	}

	result, err := delegate.Execute(ctx, call)
	breaker.Mark(err)
	if err != nil {
		return nil, err
	}

	if result == nil {
		result = &ports.ToolResult{}
	}
	if result.CallID == "" {
		result.CallID = call.ID
	}
	return result, nil
}

type guardedTool struct {
	guard    *Guard
	delegate ports.ToolExecutor
}

func (t *guardedTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	return t.guard.execute(ctx, t.delegate, call)
}

func (t *guardedTool) Definition() ports.ToolDefinition { return t.delegate.Definition() }
func (t *guardedTool) Metadata() ports.ToolMetadata     { return t.delegate.Metadata() }

// ApprovalPreview passes through when the delegate supports previews.
func (t *guardedTool) ApprovalPreview(ctx context.Context, call ports.ToolCall) string {
	if p, ok := t.delegate.(ports.ApprovalPreviewer); ok {
		return p.ApprovalPreview(ctx, call)
	}
	return ""
}

type guardedRegistry struct {
	guard *Guard
	inner ports.ToolRegistry
}

func (r *guardedRegistry) Register(tool ports.ToolExecutor) error { return r.inner.Register(tool) }
func (r *guardedRegistry) Unregister(name string) error           { return r.inner.Unregister(name) }
func (r *guardedRegistry) List() []ports.ToolDefinition           { return r.inner.List() }

func (r *guardedRegistry) Get(name string) (ports.ToolExecutor, error) {
	tool, err := r.inner.Get(name)
	if err != nil {
		return nil, err
	}
	return r.guard.Wrap(tool), nil
}

var _ ports.ToolRegistry = (*guardedRegistry)(nil)
var _ ports.ApprovalPreviewer = (*guardedTool)(nil)
