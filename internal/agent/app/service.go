// Package app assembles the execution loop from configuration. It owns the
// object graph (tools, permission gate, approval broker, result cache,
// checkpoint store, engine) and exposes single runs and concurrent batches
// on top of it.
package app

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"tether/internal/agent/domain"
	"tether/internal/agent/ports"
	"tether/internal/approval"
	"tether/internal/cache"
	"tether/internal/checkpoint"
	"tether/internal/config"
	"tether/internal/observability"
	"tether/internal/permission"
	"tether/internal/shared/logging"
	"tether/internal/toolregistry"
	"tether/internal/tools/builtin"
	"tether/internal/utils/id"
)

// Service runs tasks through a fully wired execution loop.
type Service struct {
	config   config.Config
	engine   *domain.Engine
	registry ports.ToolRegistry
	gate     *permission.Gate
	broker   *approval.Broker
	cache    *cache.TieredCache
	logger   logging.Logger

	closers []func() error
}

type options struct {
	logger   logging.Logger
	notifier ports.Notifier
	events   ports.EventCallback
	observer toolregistry.ExecutionObserver
	metrics  *observability.LoopMetrics
	embedder ports.Embedder
	tools    []ports.ToolExecutor
}

// Option customizes service construction.
type Option func(*options)

// WithLogger routes service and loop logs through logger.
func WithLogger(logger logging.Logger) Option {
	return func(o *options) { o.logger = logging.OrNop(logger) }
}

// WithNotifier overrides the approver derived from the approval mode.
// The console's websocket hub and the terminal resolver both arrive here.
func WithNotifier(notifier ports.Notifier) Option {
	return func(o *options) { o.notifier = notifier }
}

// WithEvents streams loop events to callback, for live CLI rendering and
// the console stream.
func WithEvents(callback ports.EventCallback) Option {
	return func(o *options) { o.events = callback }
}

// WithExecutionObserver records tool execution outcomes, usually the
// observability metrics collector.
func WithExecutionObserver(observer toolregistry.ExecutionObserver) Option {
	return func(o *options) { o.observer = observer }
}

// WithLoopMetrics overrides the loop health recorder, mainly so tests can
// use a private Prometheus registry.
func WithLoopMetrics(metrics *observability.LoopMetrics) Option {
	return func(o *options) { o.metrics = metrics }
}

// WithEmbedder enables the semantic cache tier with the given embedder.
func WithEmbedder(embedder ports.Embedder) Option {
	return func(o *options) { o.embedder = embedder }
}

// WithTools registers additional executors beyond the builtin set.
func WithTools(tools ...ports.ToolExecutor) Option {
	return func(o *options) { o.tools = append(o.tools, tools...) }
}

// New wires a service from configuration. The planner is injected because
// its origin varies by entry point: a plan file for batch runs, a scripted
// sequence in tests, a live decision-maker in a full deployment.
func New(cfg config.Config, planner ports.Planner, opts ...Option) (*Service, error) {
	if planner == nil {
		return nil, fmt.Errorf("app: planner is required")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.OrNop(o.logger)

	s := &Service{config: cfg, logger: logger}

	registry := toolregistry.NewRegistry()
	toolSet := builtin.All(builtin.Config{WorkDir: cfg.WorkDir, Logger: logger})
	toolSet = append(toolSet, o.tools...)
	for _, tool := range toolSet {
		if err := registry.Register(tool); err != nil {
			return nil, fmt.Errorf("app: register tool: %w", err)
		}
	}

	guardOpts := []toolregistry.GuardOption{toolregistry.WithGuardLogger(logger)}
	if o.observer != nil {
		guardOpts = append(guardOpts, toolregistry.WithObserver(o.observer))
	}
	guard := toolregistry.NewGuard(toolregistry.DefaultExecPolicy(), guardOpts...)
	s.registry = guard.Registry(registry)

	policy, err := resolvePolicy(cfg.Permission)
	if err != nil {
		return nil, err
	}
	s.gate = permission.NewGate(policy, s.registry, permission.WithGateLogger(logger))

	s.broker = approval.NewBroker(cfg.Approval.Timeout, approval.WithLogger(logger))
	if notifier := resolveNotifier(o.notifier, cfg.Approval.Mode, s.broker); notifier != nil {
		s.broker.SetNotifier(notifier)
	}

	engineOpts := []domain.Option{}

	if cfg.Cache.Enabled {
		tieredOpts := []cache.TieredOption{cache.WithCacheLogger(logger)}
		if o.embedder != nil {
			index, err := cache.NewSemanticIndex(cfg.Cache.Tiered.PersistPath, o.embedder)
			if err != nil {
				return nil, fmt.Errorf("app: semantic cache: %w", err)
			}
			tieredOpts = append(tieredOpts, cache.WithSemanticIndex(index))
		}
		tiered, err := cache.NewTieredCache(cfg.Cache.Tiered, tieredOpts...)
		if err != nil {
			return nil, fmt.Errorf("app: result cache: %w", err)
		}
		s.cache = tiered
		engineOpts = append(engineOpts, domain.WithCache(tiered))
	}

	store, closer, err := buildCheckpointStore(cfg.Checkpoint, logger)
	if err != nil {
		return nil, err
	}
	if store != nil {
		engineOpts = append(engineOpts, domain.WithCheckpointStore(store))
		if cfg.Checkpoint.Resume {
			engineOpts = append(engineOpts, domain.WithResume())
		}
	}
	if closer != nil {
		s.closers = append(s.closers, closer)
	}

	if o.events != nil {
		engineOpts = append(engineOpts, domain.WithEvents(o.events))
	}
	metrics := o.metrics
	if metrics == nil {
		metrics = observability.NewLoopMetrics()
	}
	engineOpts = append(engineOpts, domain.WithLoopMetrics(metrics))

	engine, err := domain.New(domain.Config{
		Planner:         planner,
		Tools:           s.registry,
		Gate:            s.gate,
		Approvals:       s.broker,
		Limits:          cfg.Budget,
		MaxRetries:      cfg.Loop.MaxRetries,
		CheckpointEvery: cfg.Loop.CheckpointEvery,
		CacheTTL:        cfg.Cache.Tiered.DefaultTTL,
		Logger:          logger,
	}, engineOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: build engine: %w", err)
	}
	s.engine = engine

	return s, nil
}

// resolvePolicy picks the permission policy source: inline beats file beats
// the built-in default.
func resolvePolicy(cfg config.PermissionConfig) (permission.Policy, error) {
	if cfg.Policy != nil {
		return *cfg.Policy, nil
	}
	if cfg.PolicyFile != "" {
		policy, err := permission.LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return permission.Policy{}, fmt.Errorf("app: load policy: %w", err)
		}
		return policy, nil
	}
	return permission.DefaultPolicy(), nil
}

// resolveNotifier maps the configured approval mode to an approver unless
// the caller supplied one. Console mode returns nil: requests wait for an
// operator on the HTTP console, and silence expires into denial.
func resolveNotifier(override ports.Notifier, mode string, broker *approval.Broker) ports.Notifier {
	if override != nil {
		return override
	}
	switch mode {
	case "auto-approve":
		return approval.NewAutoResolver(broker, true, 0)
	case "auto-deny":
		return approval.NewAutoResolver(broker, false, 0)
	case "console":
		return nil
	default:
		return approval.NewInteractiveResolver(broker, false, true)
	}
}

func buildCheckpointStore(cfg config.CheckpointConfig, logger logging.Logger) (ports.CheckpointStore, func() error, error) {
	switch cfg.Backend {
	case "":
		return nil, nil, nil
	case "file":
		store, err := checkpoint.NewFileStore(cfg.Dir, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("app: checkpoint store: %w", err)
		}
		return store, nil, nil
	case "badger":
		store, err := checkpoint.OpenBadgerStore(checkpoint.BadgerConfig{Path: cfg.Dir, Logger: logger})
		if err != nil {
			return nil, nil, fmt.Errorf("app: checkpoint store: %w", err)
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("app: unknown checkpoint backend %q", cfg.Backend)
	}
}

// Run executes one task. Blank identity fields are filled in: a generated
// task ID, the configured actor, and the current time.
func (s *Service) Run(ctx context.Context, task ports.Task) (*ports.TaskResult, error) {
	if task.ID == "" {
		task.ID = id.NewTaskID()
	}
	if task.Actor == "" {
		task.Actor = s.config.Actor
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	s.logger.Info("Task %s starting: %s", task.ID, task.Goal)
	result, err := s.engine.RunTask(ctx, task)
	if err != nil {
		s.logger.Error("Task %s failed: %v", task.ID, err)
		return result, err
	}
	s.logger.Info("Task %s finished: status=%s steps=%d tokens=%d cost=$%.4f",
		task.ID, result.Status, result.Budget.Steps, result.Budget.Tokens, result.Budget.CostUSD)
	return result, nil
}

// RunGoal is the convenience entry for callers that only have a goal string.
func (s *Service) RunGoal(ctx context.Context, goal string) (*ports.TaskResult, error) {
	return s.Run(ctx, ports.Task{Goal: goal})
}

// RunBatch executes tasks concurrently, at most limit at a time (zero or
// negative means all at once). Results align with the input by index; a
// task that ends badly still leaves its result there. The first hard
// failure cancels the remaining tasks, which then land as rejected.
func (s *Service) RunBatch(ctx context.Context, tasks []ports.Task, limit int) ([]*ports.TaskResult, error) {
	results := make([]*ports.TaskResult, len(tasks))
	if len(tasks) == 0 {
		return results, nil
	}

	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, task := range tasks {
		g.Go(func() error {
			result, err := s.Run(ctx, task)
			results[i] = result
			if err != nil {
				return fmt.Errorf("task %s: %w", result.TaskID, err)
			}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

// Broker exposes the approval broker so entry points can attach the console
// or release requests on shutdown.
func (s *Service) Broker() *approval.Broker {
	return s.broker
}

// Registry exposes the guarded tool registry.
func (s *Service) Registry() ports.ToolRegistry {
	return s.registry
}

// Cache returns the result cache, nil when caching is disabled.
func (s *Service) Cache() *cache.TieredCache {
	return s.cache
}

// Close releases resources the service opened, such as the Badger store.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
