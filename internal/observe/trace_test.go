package observe

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

func TestInferSpan_AttributesAndStatus(t *testing.T) {
	tests := []struct {
		status   string
		err      error
		wantCode codes.Code
		wantErrs int // exception events
	}{
		{StatusOK, nil, codes.Ok, 0},
		{StatusEmpty, nil, codes.Ok, 0},
		{StatusError, errors.New("deepgram: await results: context deadline exceeded"), codes.Error, 1},
		{StatusPanic, nil, codes.Error, 0},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			tp, exp := newTestTracer(t)
			ctx, span, log := StartInferSpan(context.Background(), tp.Tracer("test"), Segment{
				Stream: "mic-1", Seq: 42, Frames: 75, Engine: "whisper-native",
			})
			if CorrelationID(ctx) == "" || log == nil {
				t.Fatal("span context or logger missing")
			}
			EndInferSpan(span, tt.status, tt.err)

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("spans = %d, want 1", len(spans))
			}
			s := spans[0]
			if s.Name != InferSpanName {
				t.Errorf("name = %q, want %q", s.Name, InferSpanName)
			}
			want := map[string]string{
				"stream": "mic-1", "seq": "42", "frames": "75",
				"engine": "whisper-native", "status": tt.status,
			}
			for key, w := range want {
				v, ok := spanAttr(s, key)
				if !ok || v.Emit() != w {
					t.Errorf("attribute %s = %q, want %q", key, v.Emit(), w)
				}
			}
			if s.Status.Code != tt.wantCode {
				t.Errorf("status code = %v, want %v", s.Status.Code, tt.wantCode)
			}
			if len(s.Events) != tt.wantErrs {
				t.Errorf("events = %d, want %d", len(s.Events), tt.wantErrs)
			}
		})
	}
}

func TestInferSpan_LoggerCarriesSegment(t *testing.T) {
	logs := captureLogs(t)
	tp, _ := newTestTracer(t)

	_, span, log := StartInferSpan(context.Background(), tp.Tracer("test"), Segment{
		Stream: "mic-1", Seq: 3, Engine: "deepgram",
	})
	log.Info("dispatch: transcribed")
	EndInferSpan(span, StatusOK, nil)

	out := logs.String()
	for _, want := range []string{"stream=mic-1", "seq=3", "engine=deepgram", "trace_id=", "span_id="} {
		if !strings.Contains(out, want) {
			t.Errorf("log %q missing %q", out, want)
		}
	}
}

func TestLogger_WithoutSpan(t *testing.T) {
	logs := captureLogs(t)

	Logger(context.Background()).Info("config: reloaded")
	if strings.Contains(logs.String(), "trace_id") {
		t.Errorf("log without a span carries trace_id: %s", logs)
	}
	if CorrelationID(context.Background()) != "" {
		t.Error("CorrelationID without a span should be empty")
	}
}
