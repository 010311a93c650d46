// Package tracing wraps the OpenTelemetry tracer used by every layer of the service
package tracing

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type tracerHolder struct {
	trace.Tracer
}

var current atomic.Pointer[tracerHolder]

// SetTracer installs the tracer used by StartSpan. nil turns span creation off.
func SetTracer(t trace.Tracer) {
	if t == nil {
		current.Store(nil)
		return
	}
	current.Store(&tracerHolder{Tracer: t})
}

// StartSpan starts a child span of whatever ctx carries. Without a tracer it hands back
// the span already in ctx (a no-op span when there is none) so callers can always
// defer span.End().
func StartSpan(ctx context.Context, spanName string) (context.Context, trace.Span) {
	h := current.Load()
	if h == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return h.Start(ctx, spanName)
}

// spanContext returns the recorded span context in ctx, if any
func spanContext(ctx context.Context) (trace.SpanContext, bool) {
	if current.Load() == nil {
		return trace.SpanContext{}, false
	}
	sc := trace.SpanContextFromContext(ctx)
	return sc, sc.IsValid()
}

// GetTraceParent returns the W3C traceparent for the active span, used to tie consumed
// Kafka messages' logs to their trace
func GetTraceParent(ctx context.Context) string {
	if _, ok := spanContext(ctx); !ok {
		return ""
	}

	carrier := propagation.MapCarrier{}
	propagation.TraceContext{}.Inject(ctx, carrier)
	return carrier.Get("traceparent")
}

// GetTraceID returns the active trace id, or "" outside a trace
func GetTraceID(ctx context.Context) string {
	sc, ok := spanContext(ctx)
	if !ok {
		return ""
	}
	return sc.TraceID().String()
}

// GetSpanID returns the active span id, or "" outside a trace
func GetSpanID(ctx context.Context) string {
	sc, ok := spanContext(ctx)
	if !ok {
		return ""
	}
	return sc.SpanID().String()
}
