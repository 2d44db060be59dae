package observe

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// ServiceName is reported as service.name on every metric and span.
const ServiceName = "vadscribe"

// Resource attributes naming the filter's configured engine and source.
const (
	ResourceEngine = attribute.Key("vadscribe.engine")
	ResourceSource = attribute.Key("vadscribe.source")
)

// ProviderConfig describes the running filter to the telemetry backends.
type ProviderConfig struct {
	ServiceVersion string

	// Engine and Source are the configured primary engine and frame source.
	// They are resource attributes, so hot swaps are not reflected.
	Engine string
	Source string

	// Registerer receives the Prometheus collector. Defaults to
	// [prometheus.DefaultRegisterer], which /metrics serves.
	Registerer prometheus.Registerer

	// TraceExporter receives dispatch and HTTP spans. When nil, spans are
	// recorded for log correlation only.
	TraceExporter sdktrace.SpanExporter

	// Global installs both providers as the otel globals.
	Global bool
}

// Telemetry holds the SDK providers built by [InitProvider].
type Telemetry struct {
	MeterProvider  *sdkmetric.MeterProvider
	TracerProvider *sdktrace.TracerProvider
}

// InitProvider builds a meter provider exported through Prometheus and a
// tracer provider, both describing this filter instance.
func InitProvider(cfg ProviderConfig) (*Telemetry, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.Engine != "" {
		attrs = append(attrs, ResourceEngine.String(cfg.Engine))
	}
	if cfg.Source != "" {
		attrs = append(attrs, ResourceSource.String(cfg.Source))
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
	if err != nil {
		return nil, err
	}

	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	exp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	t := &Telemetry{
		MeterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exp)),
		TracerProvider: sdktrace.NewTracerProvider(tpOpts...),
	}
	if cfg.Global {
		otel.SetMeterProvider(t.MeterProvider)
		otel.SetTracerProvider(t.TracerProvider)
	}
	return t, nil
}

// Shutdown flushes pending spans and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.TracerProvider.Shutdown(ctx),
		t.MeterProvider.Shutdown(ctx),
	)
}
