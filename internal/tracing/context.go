package tracing

import (
	"context"

	"github.com/google/uuid"
)

type tracingContextKey string

const (
	ctxTraceID      tracingContextKey = "tracing_trace_id"
	ctxCollector    tracingContextKey = "tracing_collector"
	ctxParentSpanID tracingContextKey = "tracing_parent_span_id"
)

func WithTraceID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxTraceID, id)
}

func TraceIDFromContext(ctx context.Context) uuid.UUID {
	v, _ := ctx.Value(ctxTraceID).(uuid.UUID)
	return v
}

func WithCollector(ctx context.Context, c *Collector) context.Context {
	return context.WithValue(ctx, ctxCollector, c)
}

func CollectorFromContext(ctx context.Context) *Collector {
	v, _ := ctx.Value(ctxCollector).(*Collector)
	return v
}

func WithParentSpanID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxParentSpanID, id)
}

func ParentSpanIDFromContext(ctx context.Context) uuid.UUID {
	v, _ := ctx.Value(ctxParentSpanID).(uuid.UUID)
	return v
}
