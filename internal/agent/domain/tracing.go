package domain

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tether/internal/agent/ports"
)

const (
	traceScopeLoop = "tether.loop"

	traceSpanIteration    = "tether.loop.iteration"
	traceSpanPlan         = "tether.planner.next_action"
	traceSpanToolExecute  = "tether.tool.execute"
	traceSpanApprovalWait = "tether.approval.wait"

	traceAttrTaskID    = "tether.task_id"
	traceAttrActor     = "tether.actor"
	traceAttrIteration = "tether.iteration"
	traceAttrStep      = "tether.step"
	traceAttrStatus    = "tether.status"
	traceAttrToolName  = "tether.tool_name"
	traceAttrModel     = "tether.planner.model"
)

func startLoopSpan(ctx context.Context, spanName string, task ports.Task, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	spanAttrs := make([]attribute.KeyValue, 0, len(attrs)+2)
	if task.ID != "" {
		spanAttrs = append(spanAttrs, attribute.String(traceAttrTaskID, task.ID))
	}
	if task.Actor != "" {
		spanAttrs = append(spanAttrs, attribute.String(traceAttrActor, task.Actor))
	}
	spanAttrs = append(spanAttrs, attrs...)

	return otel.Tracer(traceScopeLoop).Start(ctx, spanName, trace.WithAttributes(spanAttrs...))
}

func markSpanResult(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(traceAttrStatus, "error"))
		return
	}
	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.String(traceAttrStatus, "success"))
}
