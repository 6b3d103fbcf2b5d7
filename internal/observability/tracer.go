package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new internal span with the given name and attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// SetSpanError marks the span as errored.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// GetTraceID returns the trace ID from context as a string.
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().HasTraceID() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// Common attribute keys for Helios spans.
var (
	AttrFunctionName = attribute.Key("helios.function.name")
	AttrFunctionID   = attribute.Key("helios.function.id")
	AttrProjectID    = attribute.Key("helios.project.id")
	AttrRequestID    = attribute.Key("helios.request_id")
	AttrColdStart    = attribute.Key("helios.cold_start")
	AttrCacheHit     = attribute.Key("helios.package_cache.hit")
	AttrDurationMs   = attribute.Key("helios.duration_ms")
	AttrStatusCode   = attribute.Key("helios.status_code")
)
