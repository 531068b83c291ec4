package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

var (
	AttrSessionID    = attribute.Key("hivestate.session.id")
	AttrCheckpointID = attribute.Key("hivestate.checkpoint.id")
	AttrOperation    = attribute.Key("hivestate.maintenance.operation")
	AttrChanges      = attribute.Key("hivestate.autosave.changes")
	AttrRows         = attribute.Key("hivestate.rows")
	AttrSchemaTarget = attribute.Key("hivestate.schema.target")
)

// StartSpan starts an internal span. A nil tracer yields a no-op span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(ScopeName)
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
