package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of vadscribe spans.
const TracerName = "github.com/MrWong99/vadscribe"

// InferSpanName names the span around one segment's engine work.
const InferSpanName = "dispatch.infer"

// Attribute keys of inference spans. Log records use the same names.
const (
	KeyStream = attribute.Key("stream")
	KeySeq    = attribute.Key("seq")
	KeyFrames = attribute.Key("frames")
	KeyEngine = attribute.Key("engine")
	KeyStatus = attribute.Key("status")
)

// Tracer returns the vadscribe tracer of the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// Segment identifies the sealed segment an inference span covers.
type Segment struct {
	Stream string
	Seq    uint64
	Frames int
	Engine string
}

// StartInferSpan starts the span for seg on tracer, or on [Tracer] when
// tracer is nil. The returned logger carries the segment and the trace
// identifiers. Finish the span with [EndInferSpan].
func StartInferSpan(ctx context.Context, tracer trace.Tracer, seg Segment) (context.Context, trace.Span, *slog.Logger) {
	if tracer == nil {
		tracer = Tracer()
	}
	ctx, span := tracer.Start(ctx, InferSpanName,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			KeyStream.String(seg.Stream),
			KeySeq.Int64(int64(seg.Seq)),
			KeyFrames.Int(seg.Frames),
			KeyEngine.String(seg.Engine),
		),
	)
	log := Logger(ctx).With(
		string(KeyStream), seg.Stream,
		string(KeySeq), seg.Seq,
		string(KeyEngine), seg.Engine,
	)
	return ctx, span, log
}

// EndInferSpan records the engine request status on span and ends it.
// Error and panic outcomes mark the span failed; err, when set, is
// attached as an exception event.
func EndInferSpan(span trace.Span, status string, err error) {
	span.SetAttributes(KeyStatus.String(status))
	switch status {
	case StatusError, StatusPanic:
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Error, status)
		}
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// CorrelationID returns the trace ID of the span in ctx, or "" when there
// is none. HTTP responses carry it in X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger, with trace_id and span_id added when
// ctx carries a recording span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
