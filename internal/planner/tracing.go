package planner

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	traceScope    = "github.com/aristath/taskcore/internal/planner"
	traceSpanPlan = "taskcore.plan"

	traceAttrRequestID  = "taskcore.request_id"
	traceAttrStrategy   = "taskcore.plan.strategy"
	traceAttrTasks      = "taskcore.plan.tasks"
	traceAttrConfidence = "taskcore.plan.confidence"
	traceAttrCacheHit   = "taskcore.plan.cache_hit"
	traceAttrStatus     = "taskcore.status"
)

func startPlanSpan(ctx context.Context, requestID string, strategy Strategy) (context.Context, trace.Span) {
	return otel.Tracer(traceScope).Start(ctx, traceSpanPlan, trace.WithAttributes(
		attribute.String(traceAttrRequestID, requestID),
		attribute.String(traceAttrStrategy, string(strategy)),
	))
}

func annotatePlanSpan(span trace.Span, res *PlanningResult) {
	span.SetAttributes(
		attribute.Int(traceAttrTasks, res.Graph.Len()),
		attribute.Float64(traceAttrConfidence, res.Confidence),
		attribute.Bool(traceAttrCacheHit, res.CacheHit),
	)
}

func markSpanResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(traceAttrStatus, "error"))
		return
	}
	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.String(traceAttrStatus, "success"))
}
