// Package filter is the pass-through element that sits inline in an audio
// stream. Every frame is analysed for speech energy, grouped into segments
// and forwarded unchanged; sealed segments are handed to the dispatcher and
// transcribed asynchronously.
//
// A Filter serves exactly one [audio.Stream] and is driven by a single
// goroutine (usually [Filter.Run]). Only [Filter.SetParams] may be called
// concurrently.
package filter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/vadscribe/internal/dispatch"
	"github.com/MrWong99/vadscribe/internal/emit"
	"github.com/MrWong99/vadscribe/internal/observe"
	"github.com/MrWong99/vadscribe/internal/segment"
	"github.com/MrWong99/vadscribe/pkg/audio"
)

// ErrEndOfStream is returned by Process and EndOfStream once the stream has
// ended.
var ErrEndOfStream = errors.New("filter: end of stream")

// DefaultDrainTimeout bounds how long Run waits at end-of-stream for pending
// transcriptions.
const DefaultDrainTimeout = 30 * time.Second

// Option is a functional option for [New].
type Option func(*Filter)

// WithParams sets the initial segmentation parameters. Defaults to
// [segment.DefaultParams].
func WithParams(p segment.Params) Option {
	return func(f *Filter) {
		f.params.Store(&p)
	}
}

// WithPublisher routes this stream's events to p instead of the
// dispatcher's default publisher.
func WithPublisher(p emit.Publisher) Option {
	return func(f *Filter) {
		f.publisher = p
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(f *Filter) {
		f.metrics = m
	}
}

// WithDrainTimeout bounds the end-of-stream drain in [Filter.Run].
func WithDrainTimeout(d time.Duration) Option {
	return func(f *Filter) {
		if d > 0 {
			f.drainTimeout = d
		}
	}
}

// Filter analyses one stream.
type Filter struct {
	stream       audio.Stream
	publisher    emit.Publisher
	metrics      *observe.Metrics
	drainTimeout time.Duration
	params       atomic.Pointer[segment.Params]

	// Owned by the frame path.
	conv   *audio.FormatConverter // fast path when the stream is already 16 kHz mono
	acc    segment.Accumulator
	handle *dispatch.Stream
	ended  bool
}

// New creates the filter for s. Segments are transcribed by d.
func New(d *dispatch.Dispatcher, s audio.Stream, opts ...Option) *Filter {
	f := &Filter{
		stream:       s,
		drainTimeout: DefaultDrainTimeout,
	}
	for _, o := range opts {
		o(f)
	}
	if f.params.Load() == nil {
		p := segment.DefaultParams()
		f.params.Store(&p)
	}
	if f.metrics == nil {
		f.metrics = observe.DefaultMetrics()
	}
	f.conv = &audio.FormatConverter{Target: audio.AnalysisFormat}
	f.handle = d.OpenStream(s.ID, s.Timeline, f.publisher)
	return f
}

// ID returns the stream id.
func (f *Filter) ID() string { return f.stream.ID }

// Params returns the segmentation parameters currently in effect.
func (f *Filter) Params() segment.Params {
	return *f.params.Load()
}

// SetParams replaces the segmentation parameters. The next frame is
// classified with p. Safe for concurrent use.
func (f *Filter) SetParams(p segment.Params) {
	f.params.Store(&p)
}

// Process analyses frame and returns it unchanged for forwarding. A sealed
// segment is submitted to the dispatcher without waiting for the engine.
func (f *Filter) Process(ctx context.Context, frame audio.Frame) (audio.Frame, error) {
	if f.ended {
		return frame, ErrEndOfStream
	}

	// Analysis runs on a converted copy; the forwarded frame is untouched.
	analysed := f.conv.Convert(frame)
	if len(analysed.Data) == 0 && len(frame.Data) > 0 {
		return frame, nil
	}

	e := audio.MeasureEnergy(analysed.Data)
	f.metrics.RecordFrame(ctx, f.stream.ID, e.Peak)

	if seg := f.acc.Push(analysed, e, f.Params()); seg != nil {
		f.submit(ctx, seg)
	}
	return frame, nil
}

// EndOfStream seals the open segment, if any, and waits until every
// segment of this stream has been transcribed and published. Later calls
// return ErrEndOfStream.
func (f *Filter) EndOfStream(ctx context.Context) error {
	if f.ended {
		return ErrEndOfStream
	}
	f.ended = true
	if seg := f.acc.Flush(); seg != nil {
		f.submit(ctx, seg)
	}
	if err := f.handle.Drain(ctx); err != nil {
		return fmt.Errorf("filter: %w", err)
	}
	return nil
}

// Run processes s.Frames until the producer closes it or ctx is cancelled,
// forwarding every frame to s.Downstream. It then runs EndOfStream with the
// configured drain timeout and finally closes s.Downstream.
func (f *Filter) Run(ctx context.Context) error {
	s := f.stream
	f.metrics.ActiveStreams.Add(ctx, 1)
	defer f.metrics.ActiveStreams.Add(context.WithoutCancel(ctx), -1)
	slog.Info("filter: stream started", "stream", s.ID, "format", s.Format.String())

	var frames int
	exhausted := false
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case frame, ok := <-s.Frames:
			if !ok {
				exhausted = true
				break loop
			}
			frames++
			out, _ := f.Process(ctx, frame)
			if s.Downstream == nil {
				continue
			}
			select {
			case s.Downstream <- out:
			case <-ctx.Done():
				break loop
			}
		}
	}

	if !exhausted && s.Frames != nil {
		// Unblock the producer until it closes Frames.
		go audio.Drain(s.Frames)
	}

	// The drain outlives cancellation of the frame loop.
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.drainTimeout)
	defer cancel()
	err := f.EndOfStream(drainCtx)
	if s.Downstream != nil {
		close(s.Downstream)
	}
	if err != nil {
		slog.Warn("filter: end of stream drain incomplete", "stream", s.ID, "err", err)
		return err
	}
	slog.Info("filter: stream ended", "stream", s.ID, "frames", frames)
	return nil
}

func (f *Filter) submit(ctx context.Context, seg *segment.Segment) {
	f.metrics.RecordSegment(ctx, string(seg.Reason), seg.Frames)
	slog.Debug("filter: segment sealed",
		"stream", f.stream.ID,
		"seq", seg.Seq,
		"frames", seg.Frames,
		"reason", seg.Reason,
		"duration", seg.Duration,
	)
	if err := f.handle.Submit(seg); err != nil {
		slog.Warn("filter: segment not dispatched", "stream", f.stream.ID, "seq", seg.Seq, "err", err)
	}
}
