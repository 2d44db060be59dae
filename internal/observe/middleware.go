package observe

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// statusRecorder wraps [http.ResponseWriter] to capture the status code
// written by the downstream handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the event and audio websockets pass through. A hijacked
// connection is recorded as 101 Switching Protocols.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("observe: response writer does not support hijacking")
	}
	r.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Unwrap returns the wrapped writer for [http.ResponseController].
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*httpObserver)

// WithTracerProvider sets the provider of request spans. Defaults to the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) MiddlewareOption {
	return func(o *httpObserver) {
		o.tracer = tp.Tracer(TracerName)
	}
}

// WithQuietPaths replaces the paths whose completed requests are logged at
// debug level. Defaults to the health and scrape endpoints.
func WithQuietPaths(paths ...string) MiddlewareOption {
	return func(o *httpObserver) {
		o.quiet = make(map[string]bool, len(paths))
		for _, p := range paths {
			o.quiet[p] = true
		}
	}
}

type httpObserver struct {
	metrics *Metrics
	tracer  trace.Tracer
	prop    propagation.TextMapPropagator
	quiet   map[string]bool
}

// Middleware traces, times and logs every request. It continues W3C trace
// context from the caller, answers with X-Correlation-ID, and tags the span
// with the stream of /v1/events?stream= subscriptions. Websocket sessions
// are recorded when they end.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	o := &httpObserver{
		metrics: m,
		prop:    propagation.TraceContext{},
		quiet:   map[string]bool{"/healthz": true, "/readyz": true, "/metrics": true},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(TracerName)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			o.serve(next, w, r)
		})
	}
}

func (o *httpObserver) serve(next http.Handler, w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := o.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := o.tracer.Start(ctx, "HTTP "+r.Method+" "+r.URL.Path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		),
	)
	defer span.End()
	if stream := r.URL.Query().Get("stream"); stream != "" {
		span.SetAttributes(KeyStream.String(stream))
	}

	cid := CorrelationID(ctx)
	if cid != "" {
		w.Header().Set("X-Correlation-ID", cid)
	}
	o.prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

	rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	next.ServeHTTP(rec, r.WithContext(ctx))

	elapsed := time.Since(start)
	o.metrics.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("path", r.URL.Path),
			attribute.Int("status", rec.statusCode),
		),
	)
	span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))
	if rec.statusCode >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(rec.statusCode))
	}

	level := slog.LevelInfo
	switch {
	case rec.statusCode >= http.StatusInternalServerError:
		level = slog.LevelWarn
	case o.quiet[r.URL.Path]:
		level = slog.LevelDebug
	}
	msg := "http: request completed"
	if rec.statusCode == http.StatusSwitchingProtocols {
		msg = "http: websocket session ended"
	}
	Logger(ctx).LogAttrs(ctx, level, msg,
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", rec.statusCode),
		slog.Duration("duration", elapsed),
	)
}
