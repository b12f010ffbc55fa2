package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the process-wide telemetry providers.
type ProviderConfig struct {
	// ServiceName defaults to "switchyard".
	ServiceName    string
	ServiceVersion string

	// SpanExporter receives finished spans. Nil keeps spans in process only,
	// which still gives log lines and bridge errors a correlation ID.
	SpanExporter sdktrace.SpanExporter

	// SampleRatio is the share of new traces recorded, in (0, 1]. Zero
	// means all. Traces continued from a caller keep the caller's decision.
	SampleRatio float64
}

// InitProvider installs the global meter provider (exported for Prometheus
// scraping through [MetricsHandler]), the global tracer provider and the W3C
// trace-context propagator. The returned function flushes and shuts both
// providers down, tracer first.
func InitProvider(ctx context.Context, cfg ProviderConfig) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "switchyard"
	}
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		return nil, fmt.Errorf("observe: sample ratio %v outside [0, 1]", cfg.SampleRatio)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	mp, err := newMeterProvider(res)
	if err != nil {
		return nil, err
	}
	tp := newTracerProvider(res, cfg)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func newMeterProvider(res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exp, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exp)), nil
}

func newTracerProvider(res *resource.Resource, cfg ProviderConfig) *sdktrace.TracerProvider {
	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}
	if cfg.SpanExporter != nil {
		opts = append(opts, sdktrace.WithBatcher(cfg.SpanExporter))
	}
	return sdktrace.NewTracerProvider(opts...)
}

// MetricsHandler serves everything the Prometheus exporter registered, in
// the Prometheus text format.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
