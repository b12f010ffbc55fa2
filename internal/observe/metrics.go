// Package observe wires switchyard into OpenTelemetry: metric instruments,
// span helpers, trace-aware logging and the HTTP middleware in front of every
// route.
//
// Instruments are created from whatever [metric.MeterProvider] the caller
// hands to [NewMetrics]. Production code uses [DefaultMetrics], which binds to
// the global provider that [InitProvider] installs and that the Prometheus
// exporter serves on /metrics. Tests build their own provider with a manual
// reader.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/switchyard"

// Metrics groups the instruments recorded by the session manager, the bridge,
// the journal writer and the HTTP middleware.
//
// Attribute keys in use: backend, direction (in|out), outcome (ok|error),
// kind, method, route and status.
type Metrics struct {
	// ── Sessions ──

	ActiveSessions       metric.Int64UpDownCounter
	SessionsStarted      metric.Int64Counter // backend
	SessionsClosed       metric.Int64Counter // backend, outcome
	SessionDuration      metric.Float64Histogram
	BackendStartDuration metric.Float64Histogram // backend

	// ── Audio ──

	Frames        metric.Int64Counter // backend, direction
	FramesDropped metric.Int64Counter // backend

	// ── Failures ──

	BackendErrors  metric.Int64Counter // backend, kind
	ProtocolErrors metric.Int64Counter // kind

	// ── Bridge ──

	ActiveConnections metric.Int64UpDownCounter
	MarkAckLatency    metric.Float64Histogram

	// ── Journal ──

	JournalDropped metric.Int64Counter

	// ── HTTP ──

	HTTPRequestDuration metric.Float64Histogram // method, route, status
}

// Histogram boundaries in seconds.
var (
	latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	callBuckets    = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600}
)

// instruments creates instruments from one meter and keeps the first error,
// so NewMetrics can declare everything and check once.
type instruments struct {
	meter metric.Meter
	err   error
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *instruments) seconds(name, desc string, buckets []float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if buckets != nil {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.keep(err)
	return h
}

func (b *instruments) keep(err error) {
	if b.err == nil {
		b.err = err
	}
}

// NewMetrics registers every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		ActiveSessions:       b.gauge("switchyard.active_sessions", "Live sessions."),
		SessionsStarted:      b.counter("switchyard.sessions.started", "Sessions connected, by backend."),
		SessionsClosed:       b.counter("switchyard.sessions.closed", "Sessions closed, by backend and outcome."),
		SessionDuration:      b.seconds("switchyard.session.duration", "Time from connect to close.", callBuckets),
		BackendStartDuration: b.seconds("switchyard.backend.start.duration", "Backend session setup time.", latencyBuckets),

		Frames:        b.counter("switchyard.frames", "Audio frames forwarded, by backend and direction."),
		FramesDropped: b.counter("switchyard.frames.dropped", "Stale inbound frames discarded."),

		BackendErrors:  b.counter("switchyard.backend.errors", "Backend failures, by backend and kind."),
		ProtocolErrors: b.counter("switchyard.bridge.protocol_errors", "Bridge connections closed for a protocol failure, by kind."),

		ActiveConnections: b.gauge("switchyard.bridge.active_connections", "Open bridge connections."),
		MarkAckLatency:    b.seconds("switchyard.bridge.mark_ack.latency", "Time from mark arrival to its acknowledgement.", latencyBuckets),

		JournalDropped: b.counter("switchyard.journal.dropped", "Journal records dropped on a full writer queue."),

		HTTPRequestDuration: b.seconds("switchyard.http.request.duration", "HTTP handling time, by method, route and status.", nil),
	}
	if b.err != nil {
		return nil, b.err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide instruments bound to
// [otel.GetMeterProvider]. It panics if registration fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: default metrics: " + err.Error())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// Attr shortens [attribute.String] at call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

func backendAttr(backend string) metric.MeasurementOption {
	return metric.WithAttributes(Attr("backend", backend))
}

// RecordSessionStarted counts a connect and raises the live gauge.
func (m *Metrics) RecordSessionStarted(ctx context.Context, backend string) {
	m.ActiveSessions.Add(ctx, 1)
	m.SessionsStarted.Add(ctx, 1, backendAttr(backend))
}

// RecordSessionClosed lowers the live gauge and records how the call ended
// and how long it lasted.
func (m *Metrics) RecordSessionClosed(ctx context.Context, backend, outcome string, seconds float64) {
	m.ActiveSessions.Add(ctx, -1)
	attrs := metric.WithAttributes(Attr("backend", backend), Attr("outcome", outcome))
	m.SessionsClosed.Add(ctx, 1, attrs)
	m.SessionDuration.Record(ctx, seconds, attrs)
}

func (m *Metrics) RecordFrames(ctx context.Context, backend, direction string, n int64) {
	m.Frames.Add(ctx, n, metric.WithAttributes(Attr("backend", backend), Attr("direction", direction)))
}

func (m *Metrics) RecordDroppedFrame(ctx context.Context, backend string) {
	m.FramesDropped.Add(ctx, 1, backendAttr(backend))
}

func (m *Metrics) RecordBackendError(ctx context.Context, backend, kind string) {
	m.BackendErrors.Add(ctx, 1, metric.WithAttributes(Attr("backend", backend), Attr("kind", kind)))
}

func (m *Metrics) RecordProtocolError(ctx context.Context, kind string) {
	m.ProtocolErrors.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}
