package domain

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"tether/internal/agent/ports"
	"tether/internal/budget"
	"tether/internal/errors"
	"tether/internal/permission"
	tokenutil "tether/internal/shared/token"
	"tether/internal/utils/id"
)

// approvalSummaryTokens caps the summary sent with an approval request so a
// large diff preview cannot flood the console stream or the terminal prompt.
const approvalSummaryTokens = 600

// taskRuntime owns one task's loop state so the engine can stay reusable
// across tasks. The runtime is single-goroutine: only approval waits and
// tool executions block, and both respect the task context.
type taskRuntime struct {
	engine *Engine
	ctx    context.Context
	task   ports.Task
	ledger *budget.Ledger

	state     LoopState
	history   []ports.Step
	steps     int
	iteration int
	startTime time.Time

	// denialStreak and failureStreak count consecutive setbacks; any
	// successful or cached execution resets both. A streak exceeding
	// maxRetries aborts the task.
	denialStreak  int
	failureStreak int

	sinceCheckpoint int
}

func (r *taskRuntime) run() (*ports.TaskResult, error) {
	r.restoreCheckpoint()

	for {
		if result, stop, err := r.handleCancellation(); stop {
			return result, err
		}
		if res, exhausted := r.ledger.ExhaustedResource(); exhausted {
			return r.finishBudgetExhausted(res.String()), nil
		}

		r.iteration++
		r.engine.logger.Info("=== Iteration %d ===", r.iteration)

		result, done, err := r.runIteration()
		if done {
			return result, err
		}
	}
}

func (r *taskRuntime) handleCancellation() (*ports.TaskResult, bool, error) {
	if r.ctx.Err() == nil {
		return nil, false, nil
	}

	r.engine.logger.Info("Task %s canceled, stopping: %v", r.task.ID, r.ctx.Err())
	result := r.finishRejected(r.ctx.Err())
	return result, true, r.ctx.Err()
}

// runIteration performs one plan/authorize/execute cycle. It reports done
// with a result when the task reached a terminal state; err accompanies
// cancellation and exhausted decision-maker retries.
func (r *taskRuntime) runIteration() (_ *ports.TaskResult, _ bool, err error) {
	prevCtx := r.ctx
	spanCtx, span := startLoopSpan(
		r.ctx,
		traceSpanIteration,
		r.task,
		attribute.Int(traceAttrIteration, r.iteration),
		attribute.Int(traceAttrStep, r.steps),
	)
	r.ctx = spanCtx
	defer func() {
		markSpanResult(span, err)
		span.End()
		r.ctx = prevCtx
	}()

	r.setState(StatePlanning)

	reply, planErr := r.nextAction()
	if planErr != nil {
		if r.ctx.Err() != nil {
			return r.finishRejected(r.ctx.Err()), true, r.ctx.Err()
		}
		if errors.IsBudgetExceeded(planErr) {
			return r.finishBudgetExhausted(budgetResource(planErr)), true, nil
		}
		err = planErr
		return r.finish(StateErrored, "", fmt.Sprintf("decision-maker failed: %v", planErr)), true, err
	}

	if reply.IsFinal() {
		return r.finish(StateCompleted, reply.FinalAnswer, ""), true, nil
	}

	call := r.prepareCall(reply.ToolCall)

	if cached, hit := r.probeCache(call); hit {
		if result, aborted := r.completeStep(call, cached, ports.StepCacheHit, 0); aborted {
			return result, true, nil
		}
		return nil, false, nil
	}

	verdict := r.engine.gate.Classify(call)
	switch verdict.Decision {
	case permission.DecisionDenied:
		if result, aborted := r.observeDenial(call, denialNote(verdict)); aborted {
			return result, true, nil
		}
		return nil, false, nil

	case permission.DecisionRequiresApproval:
		record, waitErr := r.awaitApproval(call, verdict)
		if waitErr != nil {
			err = waitErr
			return r.finishRejected(waitErr), true, err
		}
		if !record.Status.Granted() {
			if result, aborted := r.observeDenial(call, approvalNote(record)); aborted {
				return result, true, nil
			}
			return nil, false, nil
		}
	}

	exec, execErr := r.executeTool(call)
	if execErr != nil {
		err = execErr
		return r.finishRejected(execErr), true, err
	}

	kind := ports.StepExecuted
	if exec.result.Failed() {
		kind = ports.StepFailed
	}
	if result, aborted := r.completeStep(call, exec.result, kind, exec.elapsed); aborted {
		return result, true, nil
	}
	if kind == ports.StepExecuted {
		r.storeInCache(call, exec.result, exec.meta)
	}
	return nil, false, nil
}

// nextAction consults the decision-maker, retrying transient failures, and
// charges the reported token usage to the ledger. Cost only accrues when
// the usage names a model.
func (r *taskRuntime) nextAction() (*ports.PlannerReply, error) {
	r.emit(ports.Event{Type: ports.EventPlanning})

	spanCtx, span := startLoopSpan(r.ctx, traceSpanPlan, r.task, attribute.Int(traceAttrIteration, r.iteration))
	started := time.Now()

	reply, err := errors.RetryWithResultAndLog(spanCtx, r.engine.retry, func(ctx context.Context) (*ports.PlannerReply, error) {
		return r.engine.planner.NextAction(ctx, r.task, r.history)
	}, r.engine.logger)

	span.SetAttributes(attribute.Int64("tether.planner.duration_ms", time.Since(started).Milliseconds()))
	if err == nil && reply == nil {
		err = fmt.Errorf("decision-maker returned no reply")
	}
	if err == nil && reply.Usage.Model != "" {
		span.SetAttributes(attribute.String(traceAttrModel, reply.Usage.Model))
	}
	markSpanResult(span, err)
	span.End()

	if err != nil {
		return nil, err
	}
	if recordErr := r.settleUsage(reply.Usage); recordErr != nil {
		return nil, recordErr
	}
	return reply, nil
}

func (r *taskRuntime) settleUsage(usage ports.TokenUsage) error {
	if total := usage.Total(); total > 0 {
		if err := r.ledger.Record(budget.ResourceTokens, float64(total)); err != nil {
			return err
		}
	}
	if usage.Model != "" {
		if cost := budget.CostOfUsage(usage); cost > 0 {
			if err := r.ledger.Record(budget.ResourceCost, cost); err != nil {
				return err
			}
		}
	}
	return nil
}

// prepareCall stamps identity onto the decision-maker's proposed call.
func (r *taskRuntime) prepareCall(proposed *ports.ToolCall) ports.ToolCall {
	call := *proposed
	if call.ID == "" {
		call.ID = id.NewCallID()
	}
	call.TaskID = r.task.ID
	if call.Arguments == nil {
		call.Arguments = map[string]any{}
	}
	return call
}

// probeCache answers call from the result cache when possible. A replayed
// result is re-addressed to this call and carries zero tokens and cost, so
// only the step counter moves. Cache failures degrade to misses.
func (r *taskRuntime) probeCache(call ports.ToolCall) (ports.ToolResult, bool) {
	if r.engine.cache == nil {
		return ports.ToolResult{}, false
	}

	lookup, err := r.engine.cache.Lookup(r.ctx, call, r.engine.cache.Threshold())
	if err != nil {
		r.engine.logger.Warn("Cache lookup degraded for %s: %v", call.Name, err)
		r.engine.metrics.RecordCacheDegraded()
	}
	if !lookup.Hit {
		return ports.ToolResult{}, false
	}

	r.engine.logger.Info("Cache hit (%s) for %s", lookup.Kind, call.Name)
	r.emit(ports.Event{Type: ports.EventCacheHit, Tool: call.Name, Message: string(lookup.Kind)})

	replay := lookup.Result
	replay.CallID = call.ID
	replay.TokensUsed = 0
	replay.CostUSD = 0
	return replay, true
}

// awaitApproval blocks the task on a human decision for call. Expiry and
// refusal come back as a non-granted record; only cancellation of the task
// context surfaces as an error.
func (r *taskRuntime) awaitApproval(call ports.ToolCall, verdict permission.Verdict) (ports.ApprovalRecord, error) {
	r.setState(StateAwaitingApproval)

	record, err := r.engine.approvals.Request(r.ctx, call, r.approvalSummary(call, verdict))
	if err != nil {
		return record, err
	}
	r.engine.logger.Info("Task %s: awaiting approval %s for %s", r.task.ID, record.ID, call.Name)
	r.emit(ports.Event{Type: ports.EventApprovalRequired, Tool: call.Name, Message: record.ID})

	spanCtx, span := startLoopSpan(r.ctx, traceSpanApprovalWait, r.task, attribute.String(traceAttrToolName, call.Name))
	resolved, waitErr := r.engine.approvals.Await(spanCtx, record.ID)
	markSpanResult(span, waitErr)
	span.End()
	if waitErr != nil {
		return resolved, waitErr
	}

	r.emit(ports.Event{Type: ports.EventApprovalResolved, Tool: call.Name, Message: string(resolved.Status)})
	if resolved.Status == ports.ApprovalExpired {
		r.engine.metrics.RecordApprovalExpired()
	}
	return resolved, nil
}

// approvalSummary describes the call for the approver: the tool's own
// preview when it offers one, else the decision-maker's justification,
// else the policy reason.
func (r *taskRuntime) approvalSummary(call ports.ToolCall, verdict permission.Verdict) string {
	if tool, err := r.engine.tools.Get(call.Name); err == nil {
		if previewer, ok := tool.(ports.ApprovalPreviewer); ok {
			if preview := previewer.ApprovalPreview(r.ctx, call); preview != "" {
				return tokenutil.Truncate(preview, approvalSummaryTokens)
			}
		}
	}
	if call.Justification != "" {
		return call.Justification
	}
	return verdict.Reason
}

type execution struct {
	result  ports.ToolResult
	meta    ports.ToolMetadata
	elapsed time.Duration
}

// executeTool runs call through the registry. Tool failures fold into the
// result so the decision-maker can observe and adapt; only cancellation of
// the task context comes back as an error.
func (r *taskRuntime) executeTool(call ports.ToolCall) (*execution, error) {
	r.setState(StateExecuting)

	tool, err := r.engine.tools.Get(call.Name)
	if err != nil {
		return &execution{result: ports.ToolResult{CallID: call.ID, Error: err.Error()}}, nil
	}

	r.emit(ports.Event{Type: ports.EventToolStart, Tool: call.Name})

	spanCtx, span := startLoopSpan(r.ctx, traceSpanToolExecute, r.task, attribute.String(traceAttrToolName, call.Name))
	started := time.Now()
	result, execErr := tool.Execute(spanCtx, call)
	elapsed := time.Since(started)
	span.SetAttributes(attribute.Int64("tether.tool.duration_ms", elapsed.Milliseconds()))
	markSpanResult(span, execErr)
	span.End()

	if execErr != nil {
		if r.ctx.Err() != nil {
			return nil, execErr
		}
		result = &ports.ToolResult{CallID: call.ID, Error: execErr.Error()}
	}
	if result == nil {
		result = &ports.ToolResult{CallID: call.ID, Error: "tool returned no result"}
	}

	endEvent := ports.Event{Type: ports.EventToolEnd, Tool: call.Name}
	if result.Failed() {
		endEvent.Message = result.Error
	}
	r.emit(endEvent)

	return &execution{result: *result, meta: tool.Metadata(), elapsed: elapsed}, nil
}

// completeStep settles an executed or cache-served call: it charges the
// ledger, appends the step, and handles the follow-on bookkeeping. A ledger
// rejection ends the task immediately, but the step still enters history
// because the work already happened.
func (r *taskRuntime) completeStep(call ports.ToolCall, result ports.ToolResult, kind ports.StepKind, elapsed time.Duration) (*ports.TaskResult, bool) {
	if overrun := r.recordConsumption(result); overrun != nil {
		r.appendStep(ports.Step{Kind: kind, Call: &call, Result: &result, Duration: elapsed})
		return r.finishBudgetExhausted(budgetResource(overrun)), true
	}
	r.steps++
	r.appendStep(ports.Step{Kind: kind, Call: &call, Result: &result, Duration: elapsed})

	if kind == ports.StepFailed {
		r.failureStreak++
		r.denialStreak = 0
	} else {
		r.failureStreak = 0
		r.denialStreak = 0
	}

	r.reportRemaining()

	r.sinceCheckpoint++
	if r.engine.checkpointEvery > 0 && r.sinceCheckpoint >= r.engine.checkpointEvery {
		r.saveCheckpoint()
		r.sinceCheckpoint = 0
	}

	if r.failureStreak > r.engine.maxRetries {
		r.engine.metrics.RecordStreakAbort("failures")
		msg := fmt.Sprintf("aborted after %d consecutive failed executions", r.failureStreak)
		return r.finish(StateErrored, "", msg), true
	}
	return nil, false
}

func (r *taskRuntime) recordConsumption(result ports.ToolResult) error {
	if result.TokensUsed > 0 {
		if err := r.ledger.Record(budget.ResourceTokens, float64(result.TokensUsed)); err != nil {
			return err
		}
	}
	if result.CostUSD > 0 {
		if err := r.ledger.Record(budget.ResourceCost, result.CostUSD); err != nil {
			return err
		}
	}
	return r.ledger.Record(budget.ResourceSteps, 1)
}

// observeDenial appends a denial notice so the decision-maker can adapt.
// Denied calls consume no budget; they only advance the denial streak.
func (r *taskRuntime) observeDenial(call ports.ToolCall, note string) (*ports.TaskResult, bool) {
	r.denialStreak++
	r.failureStreak = 0

	r.appendStep(ports.Step{Kind: ports.StepDenied, Call: &call, Note: note})
	r.engine.logger.Info("Task %s: call to %s denied: %s", r.task.ID, call.Name, note)
	r.emit(ports.Event{Type: ports.EventDenied, Tool: call.Name, Message: note})

	if r.denialStreak > r.engine.maxRetries {
		r.engine.metrics.RecordStreakAbort("denials")
		msg := fmt.Sprintf("aborted after %d consecutive denials", r.denialStreak)
		return r.finish(StateErrored, "", msg), true
	}
	return nil, false
}

func (r *taskRuntime) storeInCache(call ports.ToolCall, result ports.ToolResult, meta ports.ToolMetadata) {
	if r.engine.cache == nil || !r.engine.cache.Cacheable(meta, call, &result) {
		return
	}
	if err := r.engine.cache.Store(r.ctx, call, result, r.engine.cacheTTL); err != nil {
		r.engine.logger.Warn("Cache store degraded for %s: %v", call.Name, err)
		r.engine.metrics.RecordCacheDegraded()
	}
}

func (r *taskRuntime) appendStep(step ports.Step) {
	step.Index = len(r.history)
	step.At = time.Now()
	r.history = append(r.history, step)
}

func (r *taskRuntime) reportRemaining() {
	metrics := r.engine.metrics
	metrics.SetBudgetRemaining("steps", r.ledger.Remaining(budget.ResourceSteps))
	metrics.SetBudgetRemaining("tokens", r.ledger.Remaining(budget.ResourceTokens))
	metrics.SetBudgetRemaining("cost", r.ledger.Remaining(budget.ResourceCost))
	metrics.SetBudgetRemaining("duration", r.ledger.Remaining(budget.ResourceDuration))
}

// finish builds the terminal result. Every terminal path funnels through
// here so the result always carries the history and budget report.
func (r *taskRuntime) finish(state LoopState, answer, errMsg string) *ports.TaskResult {
	r.setState(state)

	result := &ports.TaskResult{
		TaskID:       r.task.ID,
		Status:       state.Status(),
		Answer:       answer,
		History:      r.history,
		Budget:       r.ledger.Report(),
		ErrorMessage: errMsg,
		Duration:     time.Since(r.startTime),
	}

	if state == StateCompleted {
		r.clearCheckpoint()
	}

	r.engine.logger.Info("Task %s finished: %s (%d history entries, %d steps, %.4f USD, %v)",
		r.task.ID, result.Status, len(result.History), result.Budget.Steps,
		result.Budget.CostUSD, result.Duration.Round(time.Millisecond))
	r.emit(ports.Event{Type: ports.EventDone, State: state.String(), Message: errMsg})

	return result
}

// finishRejected ends a canceled task, sweeping any approval request still
// pending so no approver acts on a dead loop.
func (r *taskRuntime) finishRejected(cause error) *ports.TaskResult {
	if released := r.engine.approvals.ReleaseTask(r.task.ID, "task canceled"); released > 0 {
		r.engine.logger.Info("Task %s: released %d pending approval(s)", r.task.ID, released)
	}
	return r.finish(StateRejected, "", cause.Error())
}

// finishBudgetExhausted ends the task on resource. The report's Exhausted
// field is filled explicitly because a rejected Record leaves the ledger
// itself under its limit.
func (r *taskRuntime) finishBudgetExhausted(resource string) *ports.TaskResult {
	r.engine.metrics.RecordBudgetStop(resource)
	r.emit(ports.Event{Type: ports.EventBudget, Message: resource})

	result := r.finish(StateBudgetExhausted, "", "budget exhausted: "+resource)
	if result.Budget.Exhausted == "" {
		result.Budget.Exhausted = resource
	}
	return result
}

func (r *taskRuntime) setState(next LoopState) {
	if r.state == next {
		return
	}
	r.engine.logger.Debug("Task %s: %s -> %s", r.task.ID, r.state, next)
	r.state = next
	r.emit(ports.Event{Type: ports.EventStateChange, State: next.String()})
}

func (r *taskRuntime) emit(event ports.Event) {
	event.TaskID = r.task.ID
	event.Step = r.steps
	r.engine.emit(event)
}

// budgetResource names the resource behind a ledger rejection.
func budgetResource(err error) string {
	var exceeded *errors.BudgetExceededError
	if stderrors.As(err, &exceeded) {
		return exceeded.Resource
	}
	return "budget"
}

func denialNote(verdict permission.Verdict) string {
	if verdict.Reason != "" {
		return "denied by policy: " + verdict.Reason
	}
	return "denied by policy"
}

func approvalNote(record ports.ApprovalRecord) string {
	if record.Status == ports.ApprovalExpired {
		return "approval request expired without a decision"
	}
	note := "approval denied"
	if record.Actor != "" {
		note += " by " + record.Actor
	}
	if record.Reason != "" {
		note += ": " + record.Reason
	}
	return note
}
