package observability

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"tether/internal/toolregistry"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages all metrics for the agent runtime
type MetricsCollector struct {
	meter metric.Meter

	// Planner metrics
	plannerRequests     metric.Int64Counter
	plannerTokensInput  metric.Int64Counter
	plannerTokensOutput metric.Int64Counter
	plannerLatency      metric.Float64Histogram
	spendTotal          metric.Float64Counter

	// Tool metrics
	toolExecutions metric.Int64Counter
	toolDuration   metric.Float64Histogram

	// Loop metrics
	stepsTotal   metric.Int64Counter
	cacheLookups metric.Int64Counter
	approvals    metric.Int64Counter
	approvalWait metric.Float64Histogram

	// Task metrics
	taskExecutions metric.Int64Counter
	taskDuration   metric.Float64Histogram
	tasksActive    metric.Int64UpDownCounter

	// Server for Prometheus scraping
	prometheusServer *http.Server

	// Optional callbacks used by tests to assert instrumentation behavior
	testHooks MetricsTestHooks
}

// The guard reports every tool call outcome through the collector.
var _ toolregistry.ExecutionObserver = (*MetricsCollector)(nil)

// MetricsTestHooks exposes callbacks that tests can use to assert
// instrumentation without spinning up a full OTel stack.
type MetricsTestHooks struct {
	PlannerRequest func(model, status string, latency time.Duration, inputTokens, outputTokens int, cost float64)
	ToolExecution  func(tool string, elapsed time.Duration, success bool)
	TaskExecution  func(status string, duration time.Duration)
	Step           func(kind string)
	CacheLookup    func(result string)
	Approval       func(status string, wait time.Duration)
}

// SetTestHooks registers callbacks that are invoked whenever the matching
// metric is recorded. This is primarily used in unit tests so we can assert
// instrumentation without exporting real metrics.
func (m *MetricsCollector) SetTestHooks(hooks MetricsTestHooks) {
	if m == nil {
		return
	}
	m.testHooks = hooks
}

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	// Create Prometheus exporter
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	// Create meter provider
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	// Get meter
	meter := provider.Meter("tether")

	// Create metrics
	plannerRequests, err := meter.Int64Counter(
		"tether.planner.requests.total",
		metric.WithDescription("Total number of planner requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create planner_requests counter: %w", err)
	}

	plannerTokensInput, err := meter.Int64Counter(
		"tether.planner.tokens.input",
		metric.WithDescription("Total input tokens sent to the planner"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create planner_tokens_input counter: %w", err)
	}

	plannerTokensOutput, err := meter.Int64Counter(
		"tether.planner.tokens.output",
		metric.WithDescription("Total output tokens from the planner"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create planner_tokens_output counter: %w", err)
	}

	plannerLatency, err := meter.Float64Histogram(
		"tether.planner.latency",
		metric.WithDescription("Planner request latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create planner_latency histogram: %w", err)
	}

	spendTotal, err := meter.Float64Counter(
		"tether.budget.spend.total",
		metric.WithDescription("Total spend recorded against task budgets"),
		metric.WithUnit("USD"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create spend_total counter: %w", err)
	}

	toolExecutions, err := meter.Int64Counter(
		"tether.tool.executions.total",
		metric.WithDescription("Total number of tool executions"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool_executions counter: %w", err)
	}

	toolDuration, err := meter.Float64Histogram(
		"tether.tool.duration",
		metric.WithDescription("Tool execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool_duration histogram: %w", err)
	}

	stepsTotal, err := meter.Int64Counter(
		"tether.loop.steps.total",
		metric.WithDescription("Execution loop steps by kind"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create steps_total counter: %w", err)
	}

	cacheLookups, err := meter.Int64Counter(
		"tether.cache.lookups.total",
		metric.WithDescription("Tool result cache lookups by outcome"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache_lookups counter: %w", err)
	}

	approvals, err := meter.Int64Counter(
		"tether.approvals.total",
		metric.WithDescription("Approval requests by resolution"),
		metric.WithUnit("{approval}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create approvals counter: %w", err)
	}

	approvalWait, err := meter.Float64Histogram(
		"tether.approvals.wait",
		metric.WithDescription("Time tasks spent blocked on approval in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create approval_wait histogram: %w", err)
	}

	taskExecutions, err := meter.Int64Counter(
		"tether.tasks.executions.total",
		metric.WithDescription("Total task executions by terminal status"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create task_executions counter: %w", err)
	}

	taskDuration, err := meter.Float64Histogram(
		"tether.tasks.duration",
		metric.WithDescription("Task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create task_duration histogram: %w", err)
	}

	tasksActive, err := meter.Int64UpDownCounter(
		"tether.tasks.active",
		metric.WithDescription("Number of tasks currently running"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks_active gauge: %w", err)
	}

	collector := &MetricsCollector{
		meter:               meter,
		plannerRequests:     plannerRequests,
		plannerTokensInput:  plannerTokensInput,
		plannerTokensOutput: plannerTokensOutput,
		plannerLatency:      plannerLatency,
		spendTotal:          spendTotal,
		toolExecutions:      toolExecutions,
		toolDuration:        toolDuration,
		stepsTotal:          stepsTotal,
		cacheLookups:        cacheLookups,
		approvals:           approvals,
		approvalWait:        approvalWait,
		taskExecutions:      taskExecutions,
		taskDuration:        taskDuration,
		tasksActive:         tasksActive,
	}

	// Start Prometheus HTTP server
	if config.PrometheusPort > 0 {
		if err := collector.StartPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("failed to start prometheus server: %w", err)
		}
	}

	return collector, nil
}

// StartPrometheusServer starts the Prometheus metrics server
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Printf("Prometheus metrics server listening on :%d", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Prometheus server error: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics collector
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m == nil || m.prometheusServer == nil {
		return nil
	}
	return m.prometheusServer.Shutdown(ctx)
}

// RecordPlannerRequest records one planner round trip
func (m *MetricsCollector) RecordPlannerRequest(ctx context.Context, model, status string, latency time.Duration, inputTokens, outputTokens int, cost float64) {
	if m == nil {
		return
	}
	if hook := m.testHooks.PlannerRequest; hook != nil {
		hook(model, status, latency, inputTokens, outputTokens, cost)
	}
	if m.plannerRequests == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("model", model),
		attribute.String("status", status),
	}

	m.plannerRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.plannerTokensInput.Add(ctx, int64(inputTokens), metric.WithAttributes(attribute.String("model", model)))
	m.plannerTokensOutput.Add(ctx, int64(outputTokens), metric.WithAttributes(attribute.String("model", model)))
	m.plannerLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(attrs...))
	if cost > 0 {
		m.spendTotal.Add(ctx, cost, metric.WithAttributes(attribute.String("model", model)))
	}
}

// RecordToolExecution records one guarded tool call. The signature matches
// toolregistry.ExecutionObserver so the collector plugs straight into a Guard.
func (m *MetricsCollector) RecordToolExecution(tool string, elapsed time.Duration, success bool) {
	if m == nil {
		return
	}
	if hook := m.testHooks.ToolExecution; hook != nil {
		hook(tool, elapsed, success)
	}
	if m.toolExecutions == nil {
		return
	}

	status := "success"
	if !success {
		status = "failure"
	}
	ctx := context.Background()

	attrs := []attribute.KeyValue{
		attribute.String("tool_name", tool),
		attribute.String("status", status),
	}

	m.toolExecutions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.toolDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("tool_name", tool)))
}

// RecordStep records one loop step by kind
func (m *MetricsCollector) RecordStep(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	if hook := m.testHooks.Step; hook != nil {
		hook(kind)
	}
	if m.stepsTotal == nil {
		return
	}
	m.stepsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordCacheLookup records a cache lookup outcome: exact, semantic, or miss
func (m *MetricsCollector) RecordCacheLookup(ctx context.Context, result string) {
	if m == nil {
		return
	}
	if hook := m.testHooks.CacheLookup; hook != nil {
		hook(result)
	}
	if m.cacheLookups == nil {
		return
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordApproval records one approval resolution and how long the task waited
func (m *MetricsCollector) RecordApproval(ctx context.Context, status string, wait time.Duration) {
	if m == nil {
		return
	}
	if hook := m.testHooks.Approval; hook != nil {
		hook(status, wait)
	}
	if m.approvals == nil {
		return
	}
	m.approvals.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.approvalWait.Record(ctx, wait.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

// RecordTaskExecution records a finished task by terminal status
func (m *MetricsCollector) RecordTaskExecution(ctx context.Context, status string, duration time.Duration) {
	if m == nil {
		return
	}
	if hook := m.testHooks.TaskExecution; hook != nil {
		hook(status, duration)
	}
	if m.taskExecutions == nil || m.taskDuration == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("status", status),
	}
	m.taskExecutions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.taskDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// IncrementActiveTasks increments the running task counter
func (m *MetricsCollector) IncrementActiveTasks(ctx context.Context) {
	if m == nil || m.tasksActive == nil {
		return
	}
	m.tasksActive.Add(ctx, 1)
}

// DecrementActiveTasks decrements the running task counter
func (m *MetricsCollector) DecrementActiveTasks(ctx context.Context) {
	if m == nil || m.tasksActive == nil {
		return
	}
	m.tasksActive.Add(ctx, -1)
}
