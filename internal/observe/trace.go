package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationScope = "github.com/MrWong99/switchyard"

// Span attribute keys shared by the session and bridge spans.
const (
	AttrSessionID = attribute.Key("switchyard.session.id")
	AttrBackend   = attribute.Key("switchyard.backend")
	AttrRemote    = attribute.Key("switchyard.remote")
)

// StartSpan starts a span on the global tracer provider. End it when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationScope).Start(ctx, name, opts...)
}

// StartSessionSpan starts the span covering a session connect.
func StartSessionSpan(ctx context.Context, sessionID, backend string) (context.Context, trace.Span) {
	return StartSpan(ctx, "session.connect",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(AttrSessionID.String(sessionID), AttrBackend.String(backend)),
	)
}

// StartConnectionSpan starts the span that lives as long as one bridge
// connection.
func StartConnectionSpan(ctx context.Context, remote string) (context.Context, trace.Span) {
	return StartSpan(ctx, "bridge.connection",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(AttrRemote.String(remote)),
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

// CorrelationID is the trace ID of the span in ctx, or "" without one.
// Bridge error messages carry it so operators can find the matching logs.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger tagged with the trace and span IDs found
// in ctx.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return slog.Default()
	}
	return slog.Default().With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}
