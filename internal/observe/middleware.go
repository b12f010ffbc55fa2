package observe

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// CorrelationHeader carries the trace ID back to HTTP callers.
const CorrelationHeader = "X-Correlation-ID"

// Route labels. Only these appear as metric attributes, so arbitrary request
// paths cannot blow up series cardinality.
const (
	RouteProbe     = "probe"
	RouteMetrics   = "metrics"
	RouteWebSocket = "websocket"
	RouteOther     = "other"
)

// route classifies a request for metrics and log levels.
func route(r *http.Request) string {
	switch {
	case r.URL.Path == "/healthz" || r.URL.Path == "/readyz":
		return RouteProbe
	case r.URL.Path == "/metrics":
		return RouteMetrics
	case r.Header.Get("Upgrade") != "":
		return RouteWebSocket
	default:
		return RouteOther
	}
}

// responseRecorder remembers the status the handler wrote. A hijacked
// connection counts as 101.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (w *responseRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("observe: hijacking not supported")
	}
	c, rw, err := hj.Hijack()
	if err == nil {
		w.status = http.StatusSwitchingProtocols
	}
	return c, rw, err
}

func (w *responseRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Middleware traces every request under the incoming trace context, echoes
// the trace ID in [CorrelationHeader] and records the handling time in
// m.HTTPRequestDuration by method, route and status. For WebSocket routes
// the handling time is the connection lifetime.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rt := route(r)
			// InitProvider installs the real propagator; until then the
			// global one is a no-op.
			var prop propagation.TextMapPropagator = propagation.TraceContext{}
			if p := otel.GetTextMapPropagator(); len(p.Fields()) > 0 {
				prop = p
			}

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, r.Method+" "+rt,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set(CorrelationHeader, cid)
			}

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			elapsed := time.Since(start)
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
				Attr("method", r.Method),
				Attr("route", rt),
				Attr("status", strconv.Itoa(rec.status)),
			))

			level, msg := slog.LevelInfo, "http request"
			switch rt {
			case RouteProbe, RouteMetrics:
				level = slog.LevelDebug
			case RouteWebSocket:
				msg = "websocket connection ended"
			}
			slog.LogAttrs(ctx, level, msg,
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", elapsed),
				slog.String("trace_id", cid),
			)
		})
	}
}
