// Package domain runs the bounded execution loop. Each task cycles through
// plan, permission check, and tool execution until the decision-maker
// produces a final answer or a budget limit, cancellation, or unrecoverable
// failure stops it. Every terminal path yields a TaskResult carrying the
// full step history and a budget report.
package domain

import (
	"context"
	"fmt"
	"time"

	"tether/internal/agent/ports"
	"tether/internal/approval"
	"tether/internal/budget"
	"tether/internal/cache"
	"tether/internal/errors"
	"tether/internal/observability"
	"tether/internal/permission"
	"tether/internal/shared/logging"
	"tether/internal/utils/id"
)

const (
	// DefaultMaxRetries caps consecutive denials and consecutive failed
	// executions before the loop gives up on a task.
	DefaultMaxRetries = 3
	// DefaultCheckpointEvery is the executed-step interval between snapshots.
	DefaultCheckpointEvery = 5
)

// Config wires the loop's collaborators and limits. Planner, Tools, Gate,
// and Approvals are required; everything else has a working default.
type Config struct {
	// Planner proposes the next action each iteration.
	Planner ports.Planner
	// Tools resolves proposed calls to executors and their metadata.
	Tools ports.ToolRegistry
	// Gate classifies every call before it may run.
	Gate *permission.Gate
	// Approvals brokers human sign-off for gated calls.
	Approvals *approval.Broker
	// Limits is the per-task resource budget. Zero fields are unlimited.
	Limits budget.Limits
	// MaxRetries tolerates that many consecutive denials or failed
	// executions; one more aborts the task. Defaults to DefaultMaxRetries.
	MaxRetries int
	// CheckpointEvery persists a snapshot every N executed steps. Zero
	// takes the default; negative disables checkpointing.
	CheckpointEvery int
	// CacheTTL bounds cached result lifetime; zero uses the cache default.
	CacheTTL time.Duration
	// Retry shapes decision-maker retries. The zero value becomes
	// MaxRetries attempts with short backoff.
	Retry errors.RetryConfig
	// Logger receives loop progress; nil discards it.
	Logger logging.Logger
}

// Engine executes tasks against a fixed set of collaborators. One engine
// serves many tasks; all per-task state lives in the runtime RunTask builds.
type Engine struct {
	planner         ports.Planner
	tools           ports.ToolRegistry
	gate            *permission.Gate
	approvals       *approval.Broker
	limits          budget.Limits
	maxRetries      int
	checkpointEvery int
	cacheTTL        time.Duration
	retry           errors.RetryConfig
	logger          logging.Logger

	cache       *cache.TieredCache
	checkpoints ports.CheckpointStore
	resume      bool
	events      ports.EventCallback
	metrics     *observability.LoopMetrics
}

// Option customizes engine construction.
type Option func(*Engine)

// WithCache answers repeated calls from the result cache instead of
// re-executing them.
func WithCache(c *cache.TieredCache) Option {
	return func(e *Engine) {
		e.cache = c
	}
}

// WithCheckpointStore persists progress snapshots to store.
func WithCheckpointStore(store ports.CheckpointStore) Option {
	return func(e *Engine) {
		e.checkpoints = store
	}
}

// WithResume makes RunTask restore the task's latest checkpoint before its
// first iteration. Requires WithCheckpointStore.
func WithResume() Option {
	return func(e *Engine) {
		e.resume = true
	}
}

// WithEvents streams loop progress to callback.
func WithEvents(callback ports.EventCallback) Option {
	return func(e *Engine) {
		e.events = callback
	}
}

// WithLoopMetrics records loop health to metrics.
func WithLoopMetrics(metrics *observability.LoopMetrics) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// New validates config and builds an engine.
func New(config Config, opts ...Option) (*Engine, error) {
	if config.Planner == nil {
		return nil, fmt.Errorf("domain: planner is required")
	}
	if config.Tools == nil {
		return nil, fmt.Errorf("domain: tool registry is required")
	}
	if config.Gate == nil {
		return nil, fmt.Errorf("domain: permission gate is required")
	}
	if config.Approvals == nil {
		return nil, fmt.Errorf("domain: approval broker is required")
	}

	maxRetries := config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	checkpointEvery := config.CheckpointEvery
	if checkpointEvery == 0 {
		checkpointEvery = DefaultCheckpointEvery
	}
	retry := config.Retry
	if retry.MaxAttempts == 0 && retry.BaseDelay == 0 {
		retry = errors.RetryConfig{
			MaxAttempts:  maxRetries,
			BaseDelay:    200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			JitterFactor: 0.25,
		}
	}

	e := &Engine{
		planner:         config.Planner,
		tools:           config.Tools,
		gate:            config.Gate,
		approvals:       config.Approvals,
		limits:          config.Limits,
		maxRetries:      maxRetries,
		checkpointEvery: checkpointEvery,
		cacheTTL:        config.CacheTTL,
		retry:           retry,
		logger:          logging.OrNop(config.Logger),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RunTask executes one task to a terminal state. The result is non-nil for
// every terminal path; the error is non-nil only for cancellation and for
// decision-maker failures that survived their retry budget, and then the
// partial result still accompanies it.
func (e *Engine) RunTask(ctx context.Context, task ports.Task) (*ports.TaskResult, error) {
	if task.ID == "" {
		task.ID = id.NewTaskID()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	e.logger.Info("Task %s started: %s", task.ID, task.Goal)

	r := &taskRuntime{
		engine:    e,
		ctx:       ctx,
		task:      task,
		ledger:    budget.NewLedger(e.limits, budget.WithLogger(e.logger)),
		state:     StatePlanning,
		startTime: time.Now(),
	}
	return r.run()
}

func (e *Engine) emit(event ports.Event) {
	if e.events == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}
	e.events(event)
}
