// Package tracing implements an in-memory span collector for agent
// runs, tool calls, and compaction cycles, with an optional mirror to
// an OTLP collector. Reconstructed from its call sites in the
// teacher's loop.go/loop_tracing.go (the teacher's own internal/tracing
// package was pruned from the retrieval pack): CreateTrace, a
// Start/Finish span pair, and FinishTrace, all keyed by a trace id
// threaded through context.Context.
package tracing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/shipagent/ship/internal/config"
	"github.com/shipagent/ship/internal/shippaths"
)

// Span kinds, matching the teacher's SpanType constants.
const (
	SpanAgent      = "agent"
	SpanLLMCall    = "llm_call"
	SpanToolCall   = "tool_call"
	SpanCompaction = "compaction"
)

// Span is one timed operation within a trace.
type Span struct {
	ID         uuid.UUID              `json:"id"`
	ParentID   uuid.UUID              `json:"parentId,omitempty"`
	TraceID    uuid.UUID              `json:"traceId"`
	Kind       string                 `json:"kind"`
	Name       string                 `json:"name"`
	StartTime  time.Time              `json:"startTime"`
	EndTime    time.Time              `json:"endTime,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	Error      string                 `json:"error,omitempty"`

	otelSpan oteltrace.Span
}

// Trace groups every span for one agent run.
type Trace struct {
	ID        uuid.UUID `json:"id"`
	ContextID string    `json:"contextId"`
	Name      string    `json:"name"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime,omitempty"`
	Status    string    `json:"status"`
	Spans     []*Span   `json:"spans"`
}

// Collector accumulates traces in memory, writes one JSONL line per
// finished trace under .ship/logs/traces.jsonl, and — when
// config.TelemetryConfig.Enabled — mirrors finished spans to an OTLP
// collector via the otel SDK.
type Collector struct {
	mu     sync.Mutex
	traces map[uuid.UUID]*Trace

	logPath  string
	tracer   oteltrace.Tracer
	shutdown func(context.Context) error
}

// NewCollector builds a Collector rooted at layout's logs directory.
// When cfg.Enabled, it also stands up an OTLP HTTP exporter; the
// returned shutdown func must be called on process exit (a no-op when
// telemetry is disabled).
func NewCollector(ctx context.Context, layout *shippaths.Layout, cfg config.TelemetryConfig) (*Collector, func(context.Context) error, error) {
	c := &Collector{
		traces:  make(map[uuid.UUID]*Trace),
		logPath: filepath.Join(layout.LogsDir(), "traces.jsonl"),
	}

	if !cfg.Enabled || cfg.Endpoint == "" {
		return c, func(context.Context) error { return nil }, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("tracing: otlp exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "ship-core"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("tracing: otlp resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	c.tracer = tp.Tracer("ship-core")
	c.shutdown = tp.Shutdown

	return c, tp.Shutdown, nil
}

// CreateTrace starts a new trace for one agent run.
func (c *Collector) CreateTrace(contextID, name string) uuid.UUID {
	id := uuid.New()
	now := time.Now().UTC()
	c.mu.Lock()
	c.traces[id] = &Trace{ID: id, ContextID: contextID, Name: name, StartTime: now, Status: "running"}
	c.mu.Unlock()
	return id
}

// StartSpan opens a span under traceID, nested under parentID (pass
// uuid.Nil for a root span), and returns its id.
func (c *Collector) StartSpan(ctx context.Context, traceID, parentID uuid.UUID, kind, name string, attrs map[string]interface{}) uuid.UUID {
	id := uuid.New()
	span := &Span{
		ID:         id,
		ParentID:   parentID,
		TraceID:    traceID,
		Kind:       kind,
		Name:       name,
		StartTime:  time.Now().UTC(),
		Attributes: attrs,
	}

	if c.tracer != nil {
		_, otelSpan := c.tracer.Start(ctx, name, oteltrace.WithAttributes(mapToOtelAttrs(attrs)...))
		span.otelSpan = otelSpan
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.traces[traceID]
	if !ok {
		return id
	}
	t.Spans = append(t.Spans, span)
	return id
}

// FinishSpan closes a span, recording err if non-nil.
func (c *Collector) FinishSpan(traceID, spanID uuid.UUID, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.traces[traceID]
	if !ok {
		return
	}
	for _, s := range t.Spans {
		if s.ID != spanID {
			continue
		}
		s.EndTime = time.Now().UTC()
		if err != nil {
			s.Error = err.Error()
		}
		if s.otelSpan != nil {
			if err != nil {
				s.otelSpan.RecordError(err)
			}
			s.otelSpan.End()
		}
		return
	}
}

// FinishTrace marks a trace complete and flushes it to the JSONL sink.
func (c *Collector) FinishTrace(traceID uuid.UUID, status string) {
	c.mu.Lock()
	t, ok := c.traces[traceID]
	if ok {
		t.EndTime = time.Now().UTC()
		t.Status = status
	}
	delete(c.traces, traceID)
	c.mu.Unlock()

	if !ok {
		return
	}
	if err := c.appendJSONL(t); err != nil {
		slog.Warn("tracing: failed to write trace log", "error", err)
	}
}

func (c *Collector) appendJSONL(t *Trace) error {
	if err := os.MkdirAll(filepath.Dir(c.logPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(c.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	line, err := json.Marshal(t)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = f.Write(line)
	return err
}

func mapToOtelAttrs(attrs map[string]interface{}) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		out = append(out, attribute.String(k, fmt.Sprintf("%v", v)))
	}
	return out
}
