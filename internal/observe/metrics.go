// Package observe instruments the filter: per-stream frame and segment
// metrics, engine request latency, dispatcher queue gauges, the
// dispatch.infer span around each engine call, and HTTP request telemetry.
//
// Instruments are created from any [metric.MeterProvider] with [NewMetrics];
// [InitProvider] builds the Prometheus-backed provider served on /metrics.
// Components fall back to [DefaultMetrics], which binds to the global
// provider.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all vadscribe metrics.
const meterName = "github.com/MrWong99/vadscribe"

// Engine request statuses.
const (
	StatusOK    = "ok"
	StatusEmpty = "empty"
	StatusError = "error"
	StatusPanic = "panic"
)

// Metrics holds the instruments of the filter, dispatcher and HTTP surface.
// It is safe for concurrent use.
type Metrics struct {
	// --- Filter ---

	// Frames counts frames processed by the filter. Use with attribute:
	//   attribute.String("stream", ...)
	Frames metric.Int64Counter

	// SegmentsSealed counts sealed segments. Use with attribute:
	//   attribute.String("reason", "silence"|"eos"|"max_size")
	SegmentsSealed metric.Int64Counter

	// SegmentFrames records the number of frames in each sealed segment.
	SegmentFrames metric.Int64Histogram

	// FramePeakEnergy records the normalised peak energy of each frame.
	FramePeakEnergy metric.Float64Histogram

	// --- Engine ---

	// EngineDuration tracks feature extraction plus inference latency.
	EngineDuration metric.Float64Histogram

	// EngineRequests counts engine invocations. Use with attributes:
	//   attribute.String("engine", ...), attribute.String("status", ...)
	EngineRequests metric.Int64Counter

	// EngineErrors counts failed engine invocations. Use with attribute:
	//   attribute.String("engine", ...)
	EngineErrors metric.Int64Counter

	// BreakerTransitions counts engine breaker state changes. Use with
	// attributes:
	//   attribute.String("engine", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// EventsPublished counts transcription events handed to the publisher.
	EventsPublished metric.Int64Counter

	// --- Gauges ---

	// DispatchPending tracks queued plus running inference tasks.
	DispatchPending metric.Int64UpDownCounter

	// DispatchWorkers tracks live dispatcher workers.
	DispatchWorkers metric.Int64UpDownCounter

	// ActiveStreams tracks streams currently attached to a filter.
	ActiveStreams metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration is recorded by [Middleware] with method, path and
	// status attributes.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// speech recognition latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// segmentBuckets are frame counts; 50 frames is one second of 20 ms audio.
var segmentBuckets = []float64{
	1, 5, 10, 25, 50, 100, 250, 500, 1000, 3000,
}

// energyBuckets span the normalised [0, 1] peak energy range.
var energyBuckets = []float64{
	0.0001, 0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 0.75, 0.9, 1,
}

// NewMetrics creates every instrument on a meter from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Filter.
	if met.Frames, err = m.Int64Counter("vadscribe.frames",
		metric.WithDescription("Total frames processed by stream."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsSealed, err = m.Int64Counter("vadscribe.segments.sealed",
		metric.WithDescription("Total sealed segments by seal reason."),
	); err != nil {
		return nil, err
	}
	if met.SegmentFrames, err = m.Int64Histogram("vadscribe.segment.frames",
		metric.WithDescription("Frames per sealed segment."),
		metric.WithExplicitBucketBoundaries(segmentBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FramePeakEnergy, err = m.Float64Histogram("vadscribe.frame.peak_energy",
		metric.WithDescription("Normalised peak sample energy per frame."),
		metric.WithExplicitBucketBoundaries(energyBuckets...),
	); err != nil {
		return nil, err
	}

	// Engine.
	if met.EngineDuration, err = m.Float64Histogram("vadscribe.engine.duration",
		metric.WithDescription("Latency of feature extraction plus inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EngineRequests, err = m.Int64Counter("vadscribe.engine.requests",
		metric.WithDescription("Total engine invocations by engine and status."),
	); err != nil {
		return nil, err
	}
	if met.EngineErrors, err = m.Int64Counter("vadscribe.engine.errors",
		metric.WithDescription("Total engine errors by engine."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("vadscribe.engine.breaker.transitions",
		metric.WithDescription("Engine circuit breaker transitions by engine and new state."),
	); err != nil {
		return nil, err
	}
	if met.EventsPublished, err = m.Int64Counter("vadscribe.events.published",
		metric.WithDescription("Total transcription events published."),
	); err != nil {
		return nil, err
	}

	// Dispatcher and stream gauges.
	if met.DispatchPending, err = m.Int64UpDownCounter("vadscribe.dispatch.pending",
		metric.WithDescription("Inference tasks queued or running."),
	); err != nil {
		return nil, err
	}
	if met.DispatchWorkers, err = m.Int64UpDownCounter("vadscribe.dispatch.workers",
		metric.WithDescription("Live dispatcher workers."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("vadscribe.active_streams",
		metric.WithDescription("Streams currently attached to a filter."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("vadscribe.http.request.duration",
		metric.WithDescription("HTTP request latency by method, path and status; websocket sessions by their lifetime."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the shared instruments of the global meter
// provider. Instruments created before [InitProvider] installs the global
// provider are forwarded to it.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: create default metrics: " + err.Error())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// RecordFrame records one processed frame and its peak energy.
func (m *Metrics) RecordFrame(ctx context.Context, stream string, peak float64) {
	m.Frames.Add(ctx, 1, metric.WithAttributes(attribute.String("stream", stream)))
	m.FramePeakEnergy.Record(ctx, peak)
}

// RecordSegment records a sealed segment of the given size.
func (m *Metrics) RecordSegment(ctx context.Context, reason string, frames int) {
	m.SegmentsSealed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.SegmentFrames.Record(ctx, int64(frames))
}

// RecordEngineRequest records one engine invocation with its outcome and
// latency in seconds. Error and panic outcomes also increment EngineErrors.
func (m *Metrics) RecordEngineRequest(ctx context.Context, engine, status string, seconds float64) {
	m.EngineRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("engine", engine),
			attribute.String("status", status),
		),
	)
	m.EngineDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("engine", engine)))
	if status == StatusError || status == StatusPanic {
		m.EngineErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("engine", engine)))
	}
}

// RecordBreakerState records that the breaker of engine moved to state.
func (m *Metrics) RecordBreakerState(ctx context.Context, engine, state string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("engine", engine),
		attribute.String("state", state),
	))
}
