package filter_test

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/vadscribe/internal/dispatch"
	"github.com/MrWong99/vadscribe/internal/emit"
	"github.com/MrWong99/vadscribe/internal/filter"
	"github.com/MrWong99/vadscribe/internal/observe"
	"github.com/MrWong99/vadscribe/internal/segment"
	"github.com/MrWong99/vadscribe/pkg/audio"
	"github.com/MrWong99/vadscribe/pkg/provider/stt/mock"
)

// ---- helpers ----

type recorder struct {
	mu     sync.Mutex
	events []emit.Event
}

func (r *recorder) Publish(_ context.Context, e emit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) snapshot() []emit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]emit.Event(nil), r.events...)
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// frame builds 20 ms of 16 kHz mono PCM at index i.
func frame(i int, loud bool) audio.Frame {
	if loud {
		return frameAmp(i, 6000)
	}
	return frameAmp(i, 0)
}

// frameAmp builds a constant-amplitude frame. 320 samples of amplitude a
// have a cumulative energy of 320*a*a/2^30 (6000 gives about 10.7, 1500
// about 0.67).
func frameAmp(i int, a int16) audio.Frame {
	samples := make([]int16, 320)
	for j := range samples {
		samples[j] = a
	}
	return audio.Frame{
		Data:       audio.Int16ToBytes(samples),
		SampleRate: audio.AnalysisSampleRate,
		Channels:   1,
		Timestamp:  time.Duration(i) * 20 * time.Millisecond,
		Duration:   20 * time.Millisecond,
	}
}

// framesFor turns a pattern ('#' loud, '.' silent) into frames.
func framesFor(pattern string) []audio.Frame {
	out := make([]audio.Frame, len(pattern))
	for i, c := range pattern {
		out[i] = frame(i, c == '#')
	}
	return out
}

type harness struct {
	eng  *mock.Engine
	rec  *recorder
	disp *dispatch.Dispatcher
}

func newHarness(t *testing.T, eng *mock.Engine) *harness {
	t.Helper()
	h := &harness{eng: eng, rec: &recorder{}}
	h.disp = dispatch.New(eng, dispatch.WithMetrics(testMetrics(t)), dispatch.WithPublisher(h.rec))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.disp.Close(ctx)
	})
	return h
}

// run feeds frames through a filter driven by Run and returns what came out
// downstream.
func (h *harness) run(t *testing.T, frames []audio.Frame, format audio.Format, opts ...filter.Option) []audio.Frame {
	t.Helper()
	in := make(chan audio.Frame, len(frames))
	out := make(chan audio.Frame, len(frames))
	for _, f := range frames {
		in <- f
	}
	close(in)

	s := audio.Stream{ID: "mic", Format: format, Frames: in, Downstream: out}
	f := filter.New(h.disp, s, append([]filter.Option{filter.WithMetrics(testMetrics(t))}, opts...)...)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := f.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var got []audio.Frame
	for fr := range out { // closed by Run
		got = append(got, fr)
	}
	return got
}

func assertSameFrames(t *testing.T, got, want []audio.Frame) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("forwarded %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i].Data, want[i].Data) || got[i].Timestamp != want[i].Timestamp ||
			got[i].SampleRate != want[i].SampleRate || got[i].Channels != want[i].Channels {
			t.Fatalf("frame %d differs after pass-through", i)
		}
	}
}

// ─── pass-through ────────────────────────────────────────────────────────────

func TestRun_PassThroughUnchanged(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(1, 2))
	frames := make([]audio.Frame, 200)
	for i := range frames {
		frames[i] = frame(i, rng.IntN(3) == 0)
	}
	h := newHarness(t, &mock.Engine{Text: "words"})
	got := h.run(t, frames, audio.AnalysisFormat)
	assertSameFrames(t, got, frames)
}

func TestRun_PassThroughKeepsSourceFormat(t *testing.T) {
	t.Parallel()

	// 48 kHz stereo frames are analysed after conversion but forwarded as is.
	var frames []audio.Frame
	for i := range 10 {
		samples := make([]int16, 960*2)
		for j := range samples {
			samples[j] = 9000
		}
		frames = append(frames, audio.Frame{
			Data:       audio.Int16ToBytes(samples),
			SampleRate: 48000,
			Channels:   2,
			Timestamp:  time.Duration(i) * 20 * time.Millisecond,
			Duration:   20 * time.Millisecond,
		})
	}
	h := newHarness(t, &mock.Engine{Text: "stereo speech"})
	got := h.run(t, frames, audio.Format{SampleRate: 48000, Channels: 2})
	assertSameFrames(t, got, frames)

	events := h.rec.snapshot()
	if len(events) != 1 || events[0].Text != "stereo speech" {
		t.Fatalf("events = %+v, want one", events)
	}
	calls := h.eng.Calls()
	if len(calls) != 1 {
		t.Fatalf("engine called %d times, want 1", len(calls))
	}
	if got := len(calls[0].Samples); got != 10*320 {
		t.Errorf("engine received %d samples, want %d at 16 kHz", got, 10*320)
	}
	if events[0].Duration != 200*time.Millisecond {
		t.Errorf("duration = %v, want 200ms", events[0].Duration)
	}
}

// ─── segmentation end to end ─────────────────────────────────────────────────

func TestRun_AllSilent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &mock.Engine{Text: "never"})
	h.run(t, framesFor("........................................"), audio.AnalysisFormat)
	if n := h.eng.InferCount(); n != 0 {
		t.Errorf("engine called %d times for silence, want 0", n)
	}
	if n := len(h.rec.snapshot()); n != 0 {
		t.Errorf("published %d events for silence, want 0", n)
	}
}

func TestRun_ScenarioA(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		text       string
		wantEvents int
	}{
		{"text", "the quick brown fox", 1},
		{"empty text", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, &mock.Engine{Text: tt.text})
			h.run(t, framesFor(".....######........."), audio.AnalysisFormat)

			calls := h.eng.Calls()
			if len(calls) != 1 {
				t.Fatalf("engine called %d times, want 1", len(calls))
			}
			if got := len(calls[0].Samples); got != 12*320 {
				t.Errorf("segment has %d samples, want %d (frames 5..16)", got, 12*320)
			}
			events := h.rec.snapshot()
			if len(events) != tt.wantEvents {
				t.Fatalf("published %d events, want %d", len(events), tt.wantEvents)
			}
			if tt.wantEvents == 1 {
				e := events[0]
				if e.Timestamp != 100*time.Millisecond || e.Duration != 240*time.Millisecond || e.Text != tt.text {
					t.Errorf("event = %+v", e)
				}
			}
		})
	}
}

func TestRun_ScenarioB_EndOfStreamFlushes(t *testing.T) {
	t.Parallel()

	// Speech runs into the end of the stream; the open segment must be
	// transcribed before Run returns.
	h := newHarness(t, &mock.Engine{Text: "trailing words", Delay: 20 * time.Millisecond})
	h.run(t, framesFor("....#####.."), audio.AnalysisFormat)

	events := h.rec.snapshot()
	if len(events) != 1 {
		t.Fatalf("published %d events before Run returned, want 1", len(events))
	}
	if events[0].Text != "trailing words" || events[0].Seq != 1 {
		t.Errorf("event = %+v", events[0])
	}
	if calls := h.eng.Calls(); len(calls[0].Samples) != 7*320 {
		t.Errorf("flushed segment has %d samples, want %d", len(calls[0].Samples), 7*320)
	}
}

func TestRun_MultipleSegmentsInOrder(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{TextFn: func(call int, _ []int16) string { return []string{"one", "two", "three"}[call] }}
	h := newHarness(t, eng)
	h.run(t, framesFor("##......###......#"), audio.AnalysisFormat)

	events := h.rec.snapshot()
	if len(events) != 3 {
		t.Fatalf("published %d events, want 3", len(events))
	}
	for i, want := range []string{"one", "two", "three"} {
		if events[i].Text != want || events[i].Seq != uint64(i+1) {
			t.Errorf("event %d = seq %d %q, want seq %d %q", i, events[i].Seq, events[i].Text, i+1, want)
		}
	}
}

func TestRun_EngineFailureDoesNotInterruptAudio(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &mock.Engine{InferErr: errors.New("backend down")})
	frames := framesFor("###......###......")
	got := h.run(t, frames, audio.AnalysisFormat)
	assertSameFrames(t, got, frames)
	if n := len(h.rec.snapshot()); n != 0 {
		t.Errorf("published %d events despite failures, want 0", n)
	}
	if n := h.eng.InferCount(); n != 2 {
		t.Errorf("engine called %d times, want 2", n)
	}
}

func TestRun_StreamPublisherOverride(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &mock.Engine{Text: "routed"})
	own := &recorder{}
	h.run(t, framesFor("#......"), audio.AnalysisFormat, filter.WithPublisher(own))

	if n := len(own.snapshot()); n != 1 {
		t.Errorf("stream publisher got %d events, want 1", n)
	}
	if n := len(h.rec.snapshot()); n != 0 {
		t.Errorf("default publisher got %d events, want 0", n)
	}
}

func TestRun_CancelStillDrains(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &mock.Engine{Text: "cut short"})
	in := make(chan audio.Frame, 4)
	for _, f := range framesFor("###") {
		in <- f
	}
	// in stays open: only cancellation ends the loop.
	s := audio.Stream{ID: "live", Format: audio.AnalysisFormat, Frames: in}
	f := filter.New(h.disp, s, filter.WithMetrics(testMetrics(t)), filter.WithDrainTimeout(5*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	if err := f.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(h.rec.snapshot()); n != 1 {
		t.Errorf("published %d events after cancellation, want 1", n)
	}
}

// ─── direct API ──────────────────────────────────────────────────────────────

func TestProcess_AfterEndOfStream(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &mock.Engine{Text: "x"})
	f := filter.New(h.disp, audio.Stream{ID: "mic", Format: audio.AnalysisFormat}, filter.WithMetrics(testMetrics(t)))
	ctx := context.Background()

	in := frame(0, true)
	out, err := f.Process(ctx, in)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !bytes.Equal(out.Data, in.Data) {
		t.Error("Process modified the frame")
	}
	if err := f.EndOfStream(ctx); err != nil {
		t.Fatalf("EndOfStream: %v", err)
	}
	if n := len(h.rec.snapshot()); n != 1 {
		t.Errorf("published %d events after EndOfStream, want 1", n)
	}
	if _, err := f.Process(ctx, in); !errors.Is(err, filter.ErrEndOfStream) {
		t.Errorf("Process after EOS = %v, want ErrEndOfStream", err)
	}
	if err := f.EndOfStream(ctx); !errors.Is(err, filter.ErrEndOfStream) {
		t.Errorf("second EndOfStream = %v, want ErrEndOfStream", err)
	}
}

func TestSetParams_ImmediateEffect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &mock.Engine{Text: "x"})
	f := filter.New(h.disp, audio.Stream{ID: "mic", Format: audio.AnalysisFormat},
		filter.WithMetrics(testMetrics(t)),
		filter.WithParams(segment.Params{Threshold: 1, SilenceLimit: 5}),
	)
	ctx := context.Background()

	// Threshold 1 ignores a moderately loud frame.
	_, _ = f.Process(ctx, frameAmp(0, 1500))
	f.SetParams(segment.Params{Threshold: 0.1, SilenceLimit: 0})
	if got := f.Params(); got.SilenceLimit != 0 || got.Threshold != 0.1 {
		t.Fatalf("Params = %+v", got)
	}
	// Silence limit 0: a loud frame followed by one quiet frame seals.
	_, _ = f.Process(ctx, frameAmp(1, 1500))
	_, _ = f.Process(ctx, frame(2, false))
	if err := f.EndOfStream(ctx); err != nil {
		t.Fatalf("EndOfStream: %v", err)
	}

	calls := h.eng.Calls()
	if len(calls) != 1 || len(calls[0].Samples) != 2*320 {
		t.Fatalf("engine calls = %d, want one segment of two frames", len(calls))
	}
}
