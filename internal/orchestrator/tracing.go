package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	traceScope     = "github.com/aristath/taskcore/internal/orchestrator"
	traceSpanGraph = "taskcore.graph"
	traceSpanTask  = "taskcore.task"

	traceAttrRequestID  = "taskcore.request_id"
	traceAttrTaskID     = "taskcore.task_id"
	traceAttrCapability = "taskcore.capability"
	traceAttrWorker     = "taskcore.worker"
	traceAttrAttempts   = "taskcore.attempts"
	traceAttrTaskStatus = "taskcore.task_status"
	traceAttrGraphTasks = "taskcore.graph.tasks"
	traceAttrStatus     = "taskcore.status"
)

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(traceScope).Start(ctx, name, trace.WithAttributes(attrs...))
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
