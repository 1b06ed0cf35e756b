package domain

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"tether/internal/agent/ports"
	"tether/internal/approval"
	"tether/internal/budget"
	"tether/internal/cache"
	"tether/internal/errors"
	"tether/internal/permission"
	"tether/internal/planner"
	"tether/internal/toolregistry"
)

// ---- fixtures ----

type stubTool struct {
	name      string
	dangerous bool
	tags      []string
	execute   func(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error)

	mu    sync.Mutex
	calls int
}

func (t *stubTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	if t.execute != nil {
		return t.execute(ctx, call)
	}
	return &ports.ToolResult{CallID: call.ID, Content: "ok"}, nil
}

func (t *stubTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{Name: t.name, Description: "test tool", Parameters: ports.ParameterSchema{Type: "object"}}
}

func (t *stubTool) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: t.name, Version: "1.0.0", Category: "test", Tags: t.tags, Dangerous: t.dangerous}
}

func (t *stubTool) executions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

type eventLog struct {
	mu     sync.Mutex
	events []ports.Event
}

func (l *eventLog) callback() ports.EventCallback {
	return func(event ports.Event) {
		l.mu.Lock()
		l.events = append(l.events, event)
		l.mu.Unlock()
	}
}

func (l *eventLog) types() []ports.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	types := make([]ports.EventType, 0, len(l.events))
	for _, event := range l.events {
		types = append(types, event.Type)
	}
	return types
}

func (l *eventLog) find(eventType ports.EventType) (ports.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, event := range l.events {
		if event.Type == eventType {
			return event, true
		}
	}
	return ports.Event{}, false
}

type memCheckpointStore struct {
	mu     sync.Mutex
	saved  []ports.Checkpoint
	latest map[string]*ports.Checkpoint
}

func newMemCheckpointStore() *memCheckpointStore {
	return &memCheckpointStore{latest: make(map[string]*ports.Checkpoint)}
}

func (s *memCheckpointStore) Save(ctx context.Context, cp *ports.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *cp
	s.saved = append(s.saved, copied)
	s.latest[cp.TaskID] = &copied
	return nil
}

func (s *memCheckpointStore) Latest(ctx context.Context, taskID string) (*ports.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.latest[taskID]
	if !ok {
		return nil, nil
	}
	copied := *cp
	return &copied, nil
}

func (s *memCheckpointStore) Delete(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.latest, taskID)
	return nil
}

func (s *memCheckpointStore) snapshots() []ports.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ports.Checkpoint(nil), s.saved...)
}

func registryWith(t *testing.T, tools ...ports.ToolExecutor) *toolregistry.Registry {
	t.Helper()
	registry := toolregistry.NewRegistry()
	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			t.Fatalf("Register(%s) failed: %v", tool.Metadata().Name, err)
		}
	}
	return registry
}

func autonomousPolicy() permission.Policy {
	return permission.Policy{Default: permission.DecisionAutonomous}
}

func fastRetry() errors.RetryConfig {
	return errors.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func mustEngine(t *testing.T, config Config, opts ...Option) *Engine {
	t.Helper()
	if config.Retry.MaxAttempts == 0 && config.Retry.BaseDelay == 0 {
		config.Retry = fastRetry()
	}
	engine, err := New(config, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return engine
}

func countKind(history []ports.Step, kind ports.StepKind) int {
	n := 0
	for _, step := range history {
		if step.Kind == kind {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// ---- completion ----

func TestRunTaskCompletes(t *testing.T) {
	echo := &stubTool{name: "echo"}
	registry := registryWith(t, echo)
	script := planner.NewScripted(
		planner.Call("echo", map[string]any{"text": "hi"}),
		planner.Final("all done"),
	)
	engine := mustEngine(t, Config{
		Planner:   script,
		Tools:     registry,
		Gate:      permission.NewGate(autonomousPolicy(), registry),
		Approvals: approval.NewBroker(time.Minute),
	})

	result, err := engine.RunTask(context.Background(), ports.Task{Goal: "echo something"})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if result.Status != ports.StatusCompleted {
		t.Fatalf("Status = %s, want %s", result.Status, ports.StatusCompleted)
	}
	if result.Answer != "all done" {
		t.Fatalf("Answer = %q, want %q", result.Answer, "all done")
	}
	if len(result.History) != 1 || result.History[0].Kind != ports.StepExecuted {
		t.Fatalf("History = %+v, want one executed step", result.History)
	}
	if result.Budget.Steps != 1 {
		t.Fatalf("Budget.Steps = %d, want 1", result.Budget.Steps)
	}
	if result.TaskID == "" {
		t.Fatal("TaskID was not assigned")
	}
	if echo.executions() != 1 {
		t.Fatalf("tool executed %d times, want 1", echo.executions())
	}
}

// ---- budgets ----

func TestStepBudgetStopsRun(t *testing.T) {
	echo := &stubTool{name: "echo"}
	registry := registryWith(t, echo)
	script := planner.NewScripted(
		planner.Call("echo", map[string]any{"n": 1}),
		planner.Call("echo", map[string]any{"n": 2}),
		planner.Call("echo", map[string]any{"n": 3}),
		planner.Call("echo", map[string]any{"n": 4}),
		planner.Final("never reached"),
	)
	engine := mustEngine(t, Config{
		Planner:   script,
		Tools:     registry,
		Gate:      permission.NewGate(autonomousPolicy(), registry),
		Approvals: approval.NewBroker(time.Minute),
		Limits:    budget.Limits{MaxSteps: 3},
	})

	result, err := engine.RunTask(context.Background(), ports.Task{Goal: "keep calling"})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if result.Status != ports.StatusBudgetExhausted {
		t.Fatalf("Status = %s, want %s", result.Status, ports.StatusBudgetExhausted)
	}
	if got := countKind(result.History, ports.StepExecuted); got != 3 {
		t.Fatalf("executed steps = %d, want exactly 3", got)
	}
	if result.Budget.Steps != 3 || result.Budget.Exhausted != "steps" {
		t.Fatalf("Budget = %+v, want 3 steps with steps exhausted", result.Budget)
	}
	if script.Remaining() != 2 {
		t.Fatalf("Remaining = %d, want 2: the fourth call must never be planned", script.Remaining())
	}
	if !strings.Contains(result.ErrorMessage, "steps") {
		t.Fatalf("ErrorMessage = %q, want mention of steps", result.ErrorMessage)
	}
}

func TestPlannerUsageCharged(t *testing.T) {
	echo := &stubTool{name: "echo"}
	registry := registryWith(t, echo)
	first := planner.WithUsage(planner.Call("echo", nil), "gpt-4o-mini", 100, 50)
	second := planner.WithUsage(planner.Final("done"), "gpt-4o-mini", 80, 20)
	script := planner.NewScripted(first, second)
	engine := mustEngine(t, Config{
		Planner:   script,
		Tools:     registry,
		Gate:      permission.NewGate(autonomousPolicy(), registry),
		Approvals: approval.NewBroker(time.Minute),
	})

	result, err := engine.RunTask(context.Background(), ports.Task{Goal: "count tokens"})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if result.Budget.Tokens != 250 {
		t.Fatalf("Budget.Tokens = %d, want 250", result.Budget.Tokens)
	}
	wantCost := budget.CostOfUsage(first.Usage) + budget.CostOfUsage(second.Usage)
	if math.Abs(result.Budget.CostUSD-wantCost) > 1e-9 {
		t.Fatalf("Budget.CostUSD = %v, want %v", result.Budget.CostUSD, wantCost)
	}
}

func TestUnpricedUsageCountsTokensOnly(t *testing.T) {
	registry := registryWith(t)
	script := planner.NewScripted(planner.WithUsage(planner.Final("done"), "", 40, 10))
	engine := mustEngine(t, Config{
		Planner:   script,
		Tools:     registry,
		Gate:      permission.NewGate(autonomousPolicy(), registry),
		Approvals: approval.NewBroker(time.Minute),
	})

	result, err := engine.RunTask(context.Background(), ports.Task{Goal: "cheap"})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if result.Budget.Tokens != 50 || result.Budget.CostUSD != 0 {
		t.Fatalf("Budget = %+v, want 50 tokens and zero cost", result.Budget)
	}
}

func TestTokenBudgetStopsAtPlanning(t *testing.T) {
	echo := &stubTool{name: "echo"}
	registry := registryWith(t, echo)
	script := planner.NewScripted(planner.WithUsage(planner.Call("echo", nil), "", 150, 0))
	engine := mustEngine(t, Config{
		Planner:   script,
		Tools:     registry,
		Gate:      permission.NewGate(autonomousPolicy(), registry),
		Approvals: approval.NewBroker(time.Minute),
		Limits:    budget.Limits{MaxTokens: 100},
	})

	result, err := engine.RunTask(context.Background(), ports.Task{Goal: "too chatty"})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if result.Status != ports.StatusBudgetExhausted {
		t.Fatalf("Status = %s, want budget_exhausted", result.Status)
	}
	if result.Budget.Tokens != 0 {
		t.Fatalf("Budget.Tokens = %d, want 0: a rejected record must not partially apply", result.Budget.Tokens)
	}
	if result.Budget.Exhausted != "tokens" {
		t.Fatalf("Budget.Exhausted = %q, want tokens", result.Budget.Exhausted)
	}
	if len(result.History) != 0 {
		t.Fatalf("History = %+v, want empty", result.History)
	}
	if echo.executions() != 0 {
		t.Fatalf("tool executed %d times, want 0", echo.executions())
	}
}

func TestToolTokenOverrunKeepsHistory(t *testing.T) {
	heavy := &stubTool{name: "heavy"}
	heavy.execute = func(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
		return &ports.ToolResult{CallID: call.ID, Content: "big payload", TokensUsed: 150}, nil
	}
	registry := registryWith(t, heavy)
	script := planner.NewScripted(
		planner.Call("heavy", nil),
		planner.Final("never reached"),
	)
	engine := mustEngine(t, Config{
		Planner:   script,
		Tools:     registry,
		Gate:      permission.NewGate(autonomousPolicy(), registry),
		Approvals: approval.NewBroker(time.Minute),
		Limits:    budget.Limits{MaxTokens: 100},
	})

	result, err := engine.RunTask(context.Background(), ports.Task{Goal: "heavy lifting"})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if result.Status != ports.StatusBudgetExhausted || result.Budget.Exhausted != "tokens" {
		t.Fatalf("Status = %s, Exhausted = %q, want budget_exhausted on tokens", result.Status, result.Budget.Exhausted)
	}
	if len(result.History) != 1 || result.History[0].Kind != ports.StepExecuted {
		t.Fatalf("History = %+v, want the executed step preserved", result.History)
	}
	if result.Budget.Steps != 0 {
		t.Fatalf("Budget.Steps = %d, want 0: the overrun stopped settlement", result.Budget.Steps)
	}
}

func TestDurationCheckedAtStepBoundary(t *testing.T) {
	slow := &stubTool{name: "slow"}
	slow.execute = func(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
		time.Sleep(30 * time.Millisecond)
		return &ports.ToolResult{CallID: call.ID, Content: "eventually"}, nil
	}
	registry := registryWith(t, slow)
	script := planner.NewScripted(
		planner.Call("slow", map[string]any{"n": 1}),
		planner.Call("slow", map[string]any{"n": 2}),
		planner.Final("never reached"),
	)
	engine := mustEngine(t, Config{
		Planner:   script,
		Tools:     registry,
		Gate:      permission.NewGate(autonomousPolicy(), registry),
		Approvals: approval.NewBroker(time.Minute),
		Limits:    budget.Limits{MaxDuration: 10 * time.Millisecond},
	})

	result, err := engine.RunTask(context.Background(), ports.Task{Goal: "slow going"})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if result.Status != ports.StatusBudgetExhausted || result.Budget.Exhausted != "duration" {
		t.Fatalf("Status = %s, Exhausted = %q, want budget_exhausted on duration", result.Status, result.Budget.Exhausted)
	}
	if got := countKind(result.History, ports.StepExecuted); got != 1 {
		t.Fatalf("executed steps = %d, want 1: the running call finishes, the boundary stops", got)
	}
	if script.Remaining() != 2 {
		t.Fatalf("Remaining = %d, want 2", script.Remaining())
	}
}

// ---- permissions and approvals ----

func TestPolicyDenialContinues(t *testing.T) {
	rm := &stubTool{name: "rm_rf", dangerous: true}
	echo := &stubTool{name: "echo"}
	registry := registryWith(t, rm, echo)
	policy := permission.Policy{
		Default: permission.DecisionAutonomous,
		Rules: []permission.Rule{{
			Name:     "no-destructive",
			Match:    permission.Selector{Tools: []string{"rm_rf"}},
			Decision: permission.DecisionDenied,
			Reason:   "destructive call",
		}},
	}
	script := planner.NewScripted(
		planner.Call("rm_rf", map[string]any{"path": "/tmp/scratch"}),
		planner.Call("echo", nil),
		planner.Final("done without deleting"),
	)
	engine := mustEngine(t, Config{
		Planner:   script,
		Tools:     registry,
		Gate:      permission.NewGate(policy, registry),
		Approvals: approval.NewBroker(time.Minute),
	})

	result, err := engine.RunTask(context.Background(), ports.Task{Goal: "cleanup"})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if result.Status != ports.StatusCompleted {
		t.Fatalf("Status = %s, want completed", result.Status)
	}
	if len(result.History) != 2 {
		t.Fatalf("history length = %d, want 2", len(result.History))
	}
	denied := result.History[0]
	if denied.Kind != ports.StepDenied || !strings.Contains(denied.Note, "destructive call") {
		t.Fatalf("first step = %+v, want a denial citing the rule reason", denied)
	}
	if result.Budget.Steps != 1 {
		t.Fatalf("Budget.Steps = %d, want 1: denials are free", result.Budget.Steps)
	}
	if rm.executions() != 0 {
		t.Fatalf("denied tool ran %d times", rm.executions())
	}
}

func TestApprovalTimeoutBecomesDenial(t *testing.T) {
	deploy := &stubTool{name: "deploy"}
	registry := registryWith(t, deploy)
	script := planner.NewScripted(
		planner.Call("deploy", map[string]any{"env": "prod"}),
		planner.Final("gave up on deploying"),
	)
	engine := mustEngine(t, Config{
		Planner:   script,
		Tools:     registry,
		Gate:      permission.NewGate(permission.Policy{Default: permission.DecisionRequiresApproval}, registry),
		Approvals: approval.NewBroker(60 * time.Millisecond),
	})

	result, err := engine.RunTask(context.Background(), ports.Task{Goal: "ship it"})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if result.Status != ports.StatusCompleted {
		t.Fatalf("Status = %s, want completed after the denial observation", result.Status)
	}
	if len(result.History) != 1 {
		t.Fatalf("history length = %d, want 1", len(result.History))
	}
	step := result.History[0]
	if step.Kind != ports.StepDenied || !strings.Contains(step.Note, "expired") {
		t.Fatalf("step = %+v, want an expiry denial", step)
	}
	if result.Budget.Steps != 0 {
		t.Fatalf("Budget.Steps = %d, want 0", result.Budget.Steps)
	}
	if deploy.executions() != 0 {
		t.Fatalf("unapproved tool ran %d times", deploy.executions())
	}
}

func TestApprovalDenialObserved(t *testing.T) {
	deploy := &stubTool{name: "deploy"}
	registry := registryWith(t, deploy)
	broker := approval.NewBroker(time.Minute)
	broker.SetNotifier(approval.NewAutoResolver(broker, false, 0))
	script := planner.NewScripted(
		planner.Call("deploy", nil),
		planner.Final("ok then"),
	)
	engine := mustEngine(t, Config{
		Planner:   script,
		Tools:     registry,
		Gate:      permission.NewGate(permission.Policy{Default: permission.DecisionRequiresApproval}, registry),
		Approvals: broker,
	})

	result, err := engine.RunTask(context.Background(), ports.Task{Goal: "ask first"})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if result.Status != ports.StatusCompleted {
		t.Fatalf("Status = %s, want completed", result.Status)
	}
	step := result.History[0]
	if step.Kind != ports.StepDenied || !strings.Contains(step.Note, "auto-deny") {
		t.Fatalf("step = %+v, want a denial naming the actor", step)
	}
	if deploy.executions() != 0 {
		t.Fatalf("denied tool ran %d times", deploy.executions())
	}
}

func TestConsecutiveDenialsAbort(t *testing.T) {
	blocked := &stubTool{name: "blocked"}
	registry := registryWith(t, blocked)
	replies := make([]ports.PlannerReply, 0, 6)
	for i := 0; i < 5; i++ {
		replies = append(replies, planner.Call("blocked", map[string]any{"attempt": i}))
	}
	replies = append(replies, planner.Final("unreachable"))
	script := planner.NewScripted(replies...)
	engine := mustEngine(t, Config{
		Planner:    script,
		Tools:      registry,
		Gate:       permission.NewGate(permission.Policy{Default: permission.DecisionDenied}, registry),
		Approvals:  approval.NewBroker(time.Minute),
		MaxRetries: 3,
	})

	result, err := engine.RunTask(context.Background(), ports.Task{Goal: "keep trying"})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if result.Status != ports.StatusError {
		t.Fatalf("Status = %s, want error", result.Status)
	}
	if got := countKind(result.History, ports.StepDenied); got != 4 {
		t.Fatalf("denied steps = %d, want 4: three tolerated, the fourth aborts", got)
	}
	if !strings.Contains(result.ErrorMessage, "consecutive denials") {
		t.Fatalf("ErrorMessage = %q", result.ErrorMessage)
	}
	if script.Remaining() != 2 {
		t.Fatalf("Remaining = %d, want 2", script.Remaining())
	}
}

func TestDenialStreakResetsOnSuccess(t *testing.T) {
	blocked := &stubTool{name: "blocked"}
	echo := &stubTool{name: "echo", tags: []string{"readonly"}}
	registry := registryWith(t, blocked, echo)
	policy := permission.Policy{
		Default: permission.DecisionDenied,
		Rules: []permission.Rule{{
			Name:     "readonly-ok",
			Match:    permission.Selector{Tags: []string{"readonly"}},
			Decision: permission.DecisionAutonomous,
		}},
	}
	script := planner.NewScripted(
		planner.Call("blocked", map[string]any{"n": 1}),
		planner.Call("blocked", map[string]any{"n": 2}),
		planner.Call("echo", nil),
		planner.Call("blocked", map[string]any{"n": 3}),
		planner.Call("blocked", map[string]any{"n": 4}),
		planner.Final("adapted"),
	)
	engine := mustEngine(t, Config{
		Planner:    script,
		Tools:      registry,
		Gate:       permission.NewGate(policy, registry),
		Approvals:  approval.NewBroker(time.Minute),
		MaxRetries: 3,
	})

	result, err := engine.RunTask(context.Background(), ports.Task{Goal: "adapt"})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if result.Status != ports.StatusCompleted {
		t.Fatalf("Status = %s, want completed: the executed call resets the streak", result.Status)
	}
	if got := countKind(result.History, ports.StepDenied); got != 4 {
		t.Fatalf("denied steps = %d, want 4", got)
	}
}

func TestRateLimitDegradesToApproval(t *testing.T) {
	fast := &stubTool{name: "fast"}
	registry := registryWith(t, fast)
	broker := approval.NewBroker(time.Minute)
	broker.SetNotifier(approval.NewAutoResolver(broker, true, 0))
	policy := permission.Policy{
		Default:    permission.DecisionAutonomous,
		RateLimits: map[string]permission.RateLimit{"fast": {PerMinute: 1, Burst: 1}},
	}
	events := &eventLog{}
	script := planner.NewScripted(
		planner.Call("fast", map[string]any{"n": 1}),
		planner.Call("fast", map[string]any{"n": 2}),
		planner.Final("both ran"),
	)
	engine := mustEngine(t, Config{
		Planner:   script,
		Tools:     registry,
		Gate:      permission.NewGate(policy, registry),
		Approvals: broker,
	}, WithEvents(events.callback()))

	result, err := engine.RunTask(context.Background(), ports.Task{Goal: "burst"})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if result.Status != ports.StatusCompleted {
		t.Fatalf("Status = %s, want completed", result.Status)
	}
	if fast.executions() != 2 {
		t.Fatalf("tool executed %d times, want 2: the degraded call runs after approval", fast.executions())
	}
	if got := countKind(result.History, ports.StepExecuted); got != 2 {
		t.Fatalf("executed steps = %d, want 2", got)
	}
	resolved, ok := events.find(ports.EventApprovalResolved)
	if !ok || resolved.Message != string(ports.ApprovalApproved) {
		t.Fatalf("approval resolved event = %+v (found %v)", resolved, ok)
	}
}

type previewTool struct {
	stubTool
}

func (t *previewTool) ApprovalPreview(ctx context.Context, call ports.ToolCall) string {
	return "would deploy build 42 to prod"
}

type capturingResolver struct {
	broker *approval.Broker

	mu        sync.Mutex
	summaries []string
}

func (n *capturingResolver) Notify(ctx context.Context, rec ports.ApprovalRecord) error {
	n.mu.Lock()
	n.summaries = append(n.summaries, rec.Summary)
	n.mu.Unlock()
	_, err := n.broker.Resolve(rec.ID, true, "tester", "looks safe")
	return err
}

func TestApprovalCarriesToolPreview(t *testing.T) {
	deploy := &previewTool{stubTool{name: "deploy"}}
	registry := registryWith(t, deploy)
	broker := approval.NewBroker(time.Minute)
	resolver := &capturingResolver{broker: broker}
	broker.SetNotifier(resolver)
	script := planner.NewScripted(
		planner.Call("deploy", nil),
		planner.Final("shipped"),
	)
	engine := mustEngine(t, Config{
		Planner:   script,
		Tools:     registry,
		Gate:      permission.NewGate(permission.Policy{Default: permission.DecisionRequiresApproval}, registry),
		Approvals: broker,
	})

	result, err := engine.RunTask(context.Background(), ports.Task{Goal: "ship"})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if result.Status != ports.StatusCompleted || deploy.executions() != 1 {
		t.Fatalf("Status = %s, executions = %d", result.Status, deploy.executions())
	}
	resolver.mu.Lock()
	defer resolver.mu.Unlock()
	if len(resolver.summaries) != 1 || resolver.summaries[0] != "would deploy build 42 to prod" {
		t.Fatalf("summaries = %v, want the tool's preview", resolver.summaries)
	}
}

// ---- cache ----

func TestCacheHitSkipsExecution(t *testing.T) {
	lookupTool := &stubTool{name: "lookup"}
	registry := registryWith(t, lookupTool)
	resultCache, err := cache.NewTieredCache(cache.DefaultConfig())
	if err != nil {
		t.Fatalf("NewTieredCache failed: %v", err)
	}
	seeded := ports.ToolCall{Name: "lookup", Arguments: map[string]any{"q": "answer"}}
	stored := ports.ToolResult{CallID: "call-earlier", Content: "cached content", TokensUsed: 42, CostUSD: 0.25}
	if err := resultCache.Store(context.Background(), seeded, stored, 0); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	events := &eventLog{}
	script := planner.NewScripted(
		planner.Call("lookup", map[string]any{"q": "answer"}),
		planner.Final("served from cache"),
	)
	engine := mustEngine(t, Config{
		Planner:   script,
		Tools:     registry,
		Gate:      permission.NewGate(autonomousPolicy(), registry),
		Approvals: approval.NewBroker(time.Minute),
	}, WithCache(resultCache), WithEvents(events.callback()))

	result, err := engine.RunTask(context.Background(), ports.Task{Goal: "look up"})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if result.Status != ports.StatusCompleted {
		t.Fatalf("Status = %s", result.Status)
	}
	if lookupTool.executions() != 0 {
		t.Fatalf("tool executed %d times, want 0", lookupTool.executions())
	}
	if len(result.History) != 1 || result.History[0].Kind != ports.StepCacheHit {
		t.Fatalf("History = %+v, want one cache-hit step", result.History)
	}
	replayed := result.History[0].Result
	if replayed.Content != "cached content" {
		t.Fatalf("replayed content = %q", replayed.Content)
	}
	if replayed.TokensUsed != 0 || replayed.CostUSD != 0 {
		t.Fatalf("replay charges %d tokens / %v USD, want zero", replayed.TokensUsed, replayed.CostUSD)
	}
	if result.Budget.Steps != 1 || result.Budget.Tokens != 0 || result.Budget.CostUSD != 0 {
		t.Fatalf("Budget = %+v, want one free step", result.Budget)
	}
	hit, ok := events.find(ports.EventCacheHit)
	if !ok || hit.Message != string(cache.HitExact) {
		t.Fatalf("cache hit event = %+v (found %v)", hit, ok)
	}
}

func TestExecutedResultEntersCache(t *testing.T) {
	fetch := &stubTool{name: "fetch"}
	registry := registryWith(t, fetch)
	resultCache, err := cache.NewTieredCache(cache.DefaultConfig())
	if err != nil {
		t.Fatalf("NewTieredCache failed: %v", err)
	}
	script := planner.NewScripted(
		planner.Call("fetch", map[string]any{"url": "https://example.com"}),
		planner.Call("fetch", map[string]any{"url": "https://example.com"}),
		planner.Final("fetched twice"),
	)
	engine := mustEngine(t, Config{
		Planner:   script,
		Tools:     registry,
		Gate:      permission.NewGate(autonomousPolicy(), registry),
		Approvals: approval.NewBroker(time.Minute),
	}, WithCache(resultCache))

	result, err := engine.RunTask(context.Background(), ports.Task{Goal: "fetch twice"})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if fetch.executions() != 1 {
		t.Fatalf("tool executed %d times, want 1: the repeat is served from cache", fetch.executions())
	}
	if len(result.History) != 2 ||
		result.History[0].Kind != ports.StepExecuted ||
		result.History[1].Kind != ports.StepCacheHit {
		t.Fatalf("History kinds = %+v, want executed then cache_hit", result.History)
	}
	if result.Budget.Steps != 2 {
		t.Fatalf("Budget.Steps = %d, want 2: cache hits still count as steps", result.Budget.Steps)
	}
}

// ---- failures and retries ----

func TestFailedExecutionObserved(t *testing.T) {
	flaky := &stubTool{name: "flaky"}
	flaky.execute = func(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
		return &ports.ToolResult{CallID: call.ID, Error: "connection refused by backend"}, nil
	}
	registry := registryWith(t, flaky)
	script := planner.NewScripted(
		planner.Call("flaky", nil),
		planner.Final("reported the failure"),
	)
	engine := mustEngine(t, Config{
		Planner:   script,
		Tools:     registry,
		Gate:      permission.NewGate(autonomousPolicy(), registry),
		Approvals: approval.NewBroker(time.Minute),
	})

	result, err := engine.RunTask(context.Background(), ports.Task{Goal: "try anyway"})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if result.Status != ports.StatusCompleted {
		t.Fatalf("Status = %s, want completed: one failure is observable, not fatal", result.Status)
	}
	step := result.History[0]
	if step.Kind != ports.StepFailed || step.Result == nil || step.Result.Error != "connection refused by backend" {
		t.Fatalf("step = %+v, want a failed step carrying the error", step)
	}
	if result.Budget.Steps != 1 {
		t.Fatalf("Budget.Steps = %d, want 1: failed executions still consume their step", result.Budget.Steps)
	}
}

func TestConsecutiveFailuresAbort(t *testing.T) {
	broken := &stubTool{name: "broken"}
	broken.execute = func(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
		return &ports.ToolResult{CallID: call.ID, Error: "disk full"}, nil
	}
	registry := registryWith(t, broken)
	script := planner.NewScripted(
		planner.Call("broken", map[string]any{"n": 1}),
		planner.Call("broken", map[string]any{"n": 2}),
		planner.Call("broken", map[string]any{"n": 3}),
		planner.Final("unreachable"),
	)
	engine := mustEngine(t, Config{
		Planner:    script,
		Tools:      registry,
		Gate:       permission.NewGate(autonomousPolicy(), registry),
		Approvals:  approval.NewBroker(time.Minute),
		MaxRetries: 1,
	})

	result, err := engine.RunTask(context.Background(), ports.Task{Goal: "doomed writes"})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if result.Status != ports.StatusError {
		t.Fatalf("Status = %s, want error", result.Status)
	}
	if got := countKind(result.History, ports.StepFailed); got != 2 {
		t.Fatalf("failed steps = %d, want 2: one tolerated, the second aborts", got)
	}
	if !strings.Contains(result.ErrorMessage, "failed executions") {
		t.Fatalf("ErrorMessage = %q", result.ErrorMessage)
	}
}

func TestPlannerTransientFailureRetried(t *testing.T) {
	registry := registryWith(t)
	attempts := 0
	flaky := planner.Func(func(ctx context.Context, task ports.Task, history []ports.Step) (*ports.PlannerReply, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.NewTransientError(fmt.Errorf("upstream 503"), "model overloaded")
		}
		reply := planner.Final("recovered")
		return &reply, nil
	})
	engine := mustEngine(t, Config{
		Planner:   flaky,
		Tools:     registry,
		Gate:      permission.NewGate(autonomousPolicy(), registry),
		Approvals: approval.NewBroker(time.Minute),
	})

	result, err := engine.RunTask(context.Background(), ports.Task{Goal: "patience"})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if result.Status != ports.StatusCompleted || result.Answer != "recovered" {
		t.Fatalf("result = %+v, want recovery after retries", result)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestPlannerPermanentFailurePropagates(t *testing.T) {
	registry := registryWith(t)
	attempts := 0
	broken := planner.Func(func(ctx context.Context, task ports.Task, history []ports.Step) (*ports.PlannerReply, error) {
		attempts++
		return nil, fmt.Errorf("model misconfigured")
	})
	engine := mustEngine(t, Config{
		Planner:   broken,
		Tools:     registry,
		Gate:      permission.NewGate(autonomousPolicy(), registry),
		Approvals: approval.NewBroker(time.Minute),
	})

	result, err := engine.RunTask(context.Background(), ports.Task{Goal: "doomed"})
	if err == nil || !strings.Contains(err.Error(), "model misconfigured") {
		t.Fatalf("err = %v, want the decision-maker failure", err)
	}
	if result == nil || result.Status != ports.StatusError {
		t.Fatalf("result = %+v, want an error-status result alongside the error", result)
	}
	if !strings.Contains(result.ErrorMessage, "model misconfigured") {
		t.Fatalf("ErrorMessage = %q", result.ErrorMessage)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1: permanent failures are not retried", attempts)
	}
}

// ---- cancellation ----

func TestCancellationReleasesApproval(t *testing.T) {
	deploy := &stubTool{name: "deploy"}
	registry := registryWith(t, deploy)
	broker := approval.NewBroker(time.Minute)
	script := planner.NewScripted(
		planner.Call("deploy", nil),
		planner.Final("unreachable"),
	)
	engine := mustEngine(t, Config{
		Planner:   script,
		Tools:     registry,
		Gate:      permission.NewGate(permission.Policy{Default: permission.DecisionRequiresApproval}, registry),
		Approvals: broker,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	type outcome struct {
		result *ports.TaskResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, runErr := engine.RunTask(ctx, ports.Task{ID: "task-cancel", Goal: "wait forever"})
		done <- outcome{result, runErr}
	}()

	waitFor(t, time.Second, func() bool { return len(broker.Pending()) == 1 })
	cancel()

	var got outcome
	select {
	case got = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunTask did not return after cancellation")
	}
	if !stderrors.Is(got.err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", got.err)
	}
	if got.result == nil || got.result.Status != ports.StatusRejected {
		t.Fatalf("result = %+v, want rejected", got.result)
	}
	if pending := broker.Pending(); len(pending) != 0 {
		t.Fatalf("pending approvals after cancel = %d, want 0", len(pending))
	}
	if deploy.executions() != 0 {
		t.Fatalf("tool ran %d times after cancellation", deploy.executions())
	}
}

func TestCancelledBeforeFirstIteration(t *testing.T) {
	registry := registryWith(t)
	script := planner.NewScripted(planner.Final("unreachable"))
	engine := mustEngine(t, Config{
		Planner:   script,
		Tools:     registry,
		Gate:      permission.NewGate(autonomousPolicy(), registry),
		Approvals: approval.NewBroker(time.Minute),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := engine.RunTask(ctx, ports.Task{Goal: "never starts"})
	if !stderrors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if result == nil || result.Status != ports.StatusRejected {
		t.Fatalf("result = %+v, want rejected", result)
	}
	if len(result.History) != 0 {
		t.Fatalf("History = %+v, want empty", result.History)
	}
	if script.Remaining() != 1 {
		t.Fatalf("Remaining = %d, want 1: the decision-maker must not be consulted", script.Remaining())
	}
}

// ---- checkpoints ----

func TestCheckpointCadence(t *testing.T) {
	echo := &stubTool{name: "echo"}
	registry := registryWith(t, echo)
	store := newMemCheckpointStore()
	replies := make([]ports.PlannerReply, 0, 6)
	for i := 0; i < 5; i++ {
		replies = append(replies, planner.Call("echo", map[string]any{"n": i}))
	}
	replies = append(replies, planner.Final("steady work done"))
	script := planner.NewScripted(replies...)
	engine := mustEngine(t, Config{
		Planner:         script,
		Tools:           registry,
		Gate:            permission.NewGate(autonomousPolicy(), registry),
		Approvals:       approval.NewBroker(time.Minute),
		CheckpointEvery: 2,
	}, WithCheckpointStore(store))

	result, err := engine.RunTask(context.Background(), ports.Task{ID: "task-ckpt", Goal: "steady work"})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if result.Status != ports.StatusCompleted {
		t.Fatalf("Status = %s", result.Status)
	}

	saved := store.snapshots()
	if len(saved) != 2 {
		t.Fatalf("saved %d checkpoints, want 2", len(saved))
	}
	if saved[0].Step != 2 || saved[1].Step != 4 {
		t.Fatalf("checkpoint steps = %d, %d, want 2 and 4", saved[0].Step, saved[1].Step)
	}
	if len(saved[0].History) != 2 {
		t.Fatalf("first checkpoint carries %d history entries, want 2", len(saved[0].History))
	}
	if cp, _ := store.Latest(context.Background(), "task-ckpt"); cp != nil {
		t.Fatalf("checkpoint survived completion: %+v", cp)
	}
}

func TestResumeFromCheckpoint(t *testing.T) {
	echo := &stubTool{name: "echo"}
	registry := registryWith(t, echo)
	store := newMemCheckpointStore()
	prior := &ports.Checkpoint{
		TaskID: "task-resume",
		Step:   2,
		History: []ports.Step{
			{Index: 0, Kind: ports.StepExecuted},
			{Index: 1, Kind: ports.StepExecuted},
		},
		Budget:    ports.BudgetReport{Steps: 2, Tokens: 30, Elapsed: 3 * time.Second},
		CreatedAt: time.Now(),
	}
	if err := store.Save(context.Background(), prior); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	script := planner.NewScripted(
		planner.Call("echo", nil),
		planner.Final("picked up where we left off"),
	)
	engine := mustEngine(t, Config{
		Planner:   script,
		Tools:     registry,
		Gate:      permission.NewGate(autonomousPolicy(), registry),
		Approvals: approval.NewBroker(time.Minute),
	}, WithCheckpointStore(store), WithResume())

	result, err := engine.RunTask(context.Background(), ports.Task{ID: "task-resume", Goal: "continue"})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if result.Status != ports.StatusCompleted {
		t.Fatalf("Status = %s", result.Status)
	}
	if len(result.History) != 3 {
		t.Fatalf("history length = %d, want 2 restored + 1 new", len(result.History))
	}
	if result.History[2].Index != 2 {
		t.Fatalf("new step index = %d, want 2", result.History[2].Index)
	}
	if result.Budget.Steps != 3 || result.Budget.Tokens != 30 {
		t.Fatalf("Budget = %+v, want restored consumption plus one step", result.Budget)
	}
	if result.Budget.Elapsed < 3*time.Second {
		t.Fatalf("Elapsed = %v, want the checkpointed time carried forward", result.Budget.Elapsed)
	}
	if cp, _ := store.Latest(context.Background(), "task-resume"); cp != nil {
		t.Fatalf("checkpoint survived completion: %+v", cp)
	}
}

func TestResumeWithSpentBudgetStopsImmediately(t *testing.T) {
	registry := registryWith(t)
	store := newMemCheckpointStore()
	prior := &ports.Checkpoint{
		TaskID:    "task-spent",
		Step:      3,
		Budget:    ports.BudgetReport{Steps: 3},
		CreatedAt: time.Now(),
	}
	if err := store.Save(context.Background(), prior); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	script := planner.NewScripted(planner.Final("unreachable"))
	engine := mustEngine(t, Config{
		Planner:   script,
		Tools:     registry,
		Gate:      permission.NewGate(autonomousPolicy(), registry),
		Approvals: approval.NewBroker(time.Minute),
		Limits:    budget.Limits{MaxSteps: 3},
	}, WithCheckpointStore(store), WithResume())

	result, err := engine.RunTask(context.Background(), ports.Task{ID: "task-spent", Goal: "nothing left"})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if result.Status != ports.StatusBudgetExhausted || result.Budget.Exhausted != "steps" {
		t.Fatalf("result = %+v, want immediate budget_exhausted on steps", result)
	}
	if script.Remaining() != 1 {
		t.Fatalf("Remaining = %d, want 1: no planning on a spent budget", script.Remaining())
	}
}

// ---- construction and events ----

func TestNewValidation(t *testing.T) {
	registry := toolregistry.NewRegistry()
	gate := permission.NewGate(autonomousPolicy(), registry)
	broker := approval.NewBroker(time.Minute)
	script := planner.NewScripted()

	cases := []struct {
		name   string
		config Config
	}{
		{"missing planner", Config{Tools: registry, Gate: gate, Approvals: broker}},
		{"missing registry", Config{Planner: script, Gate: gate, Approvals: broker}},
		{"missing gate", Config{Planner: script, Tools: registry, Approvals: broker}},
		{"missing broker", Config{Planner: script, Tools: registry, Gate: gate}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.config); err == nil {
				t.Fatal("New accepted an incomplete config")
			}
		})
	}
}

func TestEventSequence(t *testing.T) {
	echo := &stubTool{name: "echo"}
	registry := registryWith(t, echo)
	events := &eventLog{}
	script := planner.NewScripted(
		planner.Call("echo", nil),
		planner.Final("done"),
	)
	engine := mustEngine(t, Config{
		Planner:   script,
		Tools:     registry,
		Gate:      permission.NewGate(autonomousPolicy(), registry),
		Approvals: approval.NewBroker(time.Minute),
	}, WithEvents(events.callback()))

	result, err := engine.RunTask(context.Background(), ports.Task{Goal: "emit"})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}

	want := []ports.EventType{
		ports.EventPlanning,
		ports.EventStateChange, // -> executing
		ports.EventToolStart,
		ports.EventToolEnd,
		ports.EventStateChange, // -> planning
		ports.EventPlanning,
		ports.EventStateChange, // -> completed
		ports.EventDone,
	}
	got := events.types()
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}

	events.mu.Lock()
	defer events.mu.Unlock()
	for i, event := range events.events {
		if event.TaskID != result.TaskID {
			t.Fatalf("event %d TaskID = %q, want %q", i, event.TaskID, result.TaskID)
		}
		if event.At.IsZero() {
			t.Fatalf("event %d has no timestamp", i)
		}
	}
}
