// Package dispatch runs sealed segments through the speech recognition
// engine without blocking the frame path.
//
// Submission never blocks: tasks go to an unbounded FIFO queue and workers
// are started on demand (optionally capped with [WithMaxWorkers]). The
// engine itself is guarded by a single exclusive gate that admits tasks in
// submission order; feature extraction, inference and event publication of
// one task all happen inside the gate, so engine calls never overlap and
// events are published in the order their segments were sealed.
//
// Engine failures and panics are isolated per task: the task is logged,
// counted and dropped, and the pool keeps serving.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/vadscribe/internal/emit"
	"github.com/MrWong99/vadscribe/internal/observe"
	"github.com/MrWong99/vadscribe/internal/segment"
	"github.com/MrWong99/vadscribe/pkg/audio"
	"github.com/MrWong99/vadscribe/pkg/provider/stt"
)

// Sentinel errors.
var (
	// ErrClosed is returned when submitting to a closed dispatcher.
	ErrClosed = errors.New("dispatch: dispatcher closed")

	// ErrStreamClosed is returned when submitting to a drained stream.
	ErrStreamClosed = errors.New("dispatch: stream closed")
)

// Named is implemented by engines that report a name for metrics and logs.
type Named interface {
	Name() string
}

// Option is a functional option for [New].
type Option func(*Dispatcher)

// WithMaxWorkers caps the number of concurrent workers. Zero (the default)
// lets the pool grow as needed.
func WithMaxWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxWorkers = n
		}
	}
}

// WithTaskTimeout bounds the engine calls of one task. A task that exceeds
// it fails with context.DeadlineExceeded and releases the engine to the
// next one. Zero (the default) leaves engine calls unbounded.
func WithTaskTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.taskTimeout = timeout
		}
	}
}

// WithTracerProvider sets the provider of dispatch.infer spans. Defaults to
// the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) {
		d.tracer = tp.Tracer(observe.TracerName)
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithPublisher sets the publisher used by streams opened without one.
// Defaults to [emit.Discard].
func WithPublisher(p emit.Publisher) Option {
	return func(d *Dispatcher) {
		d.publisher = p
	}
}

// task is one sealed segment waiting for the engine.
type task struct {
	stream *Stream
	seg    *segment.Segment
	ticket uint64
}

// Dispatcher owns the engine and the worker pool.
type Dispatcher struct {
	gate      *gate
	metrics   *observe.Metrics
	tracer    trace.Tracer
	publisher emit.Publisher

	// ctx is passed to engine calls; Close cancels it when its deadline
	// expires before the queue drained.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	queue       []*task
	workers     int
	busy        int
	maxWorkers  int
	taskTimeout time.Duration
	closed      bool
	idle        chan struct{} // closed when workers drop to zero after Close
}

// New creates a dispatcher serving engine. engine may be nil until the first
// [Dispatcher.SwapEngine]; tasks admitted without an engine are dropped.
func New(engine stt.Engine, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		gate:      newGate(engine, engineName(engine)),
		publisher: emit.Discard,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	if d.publisher == nil {
		d.publisher = emit.Discard
	}
	if d.tracer == nil {
		d.tracer = observe.Tracer()
	}
	return d
}

// OpenStream registers a stream whose segments will be submitted through the
// returned handle. Events go to pub, or to the dispatcher's publisher when
// pub is nil.
func (d *Dispatcher) OpenStream(id string, tl audio.Timeline, pub emit.Publisher) *Stream {
	if pub == nil {
		pub = d.publisher
	}
	return &Stream{d: d, id: id, timeline: tl, publisher: pub}
}

// SwapEngine installs engine and returns the previous one, which the caller
// now owns and may close. The swap waits for the task currently using the
// engine, if any; tasks admitted afterwards use the new engine.
func (d *Dispatcher) SwapEngine(engine stt.Engine) stt.Engine {
	old := d.gate.swap(engine, engineName(engine))
	slog.Info("dispatch: engine swapped", "engine", engineName(engine))
	return old
}

// Engine returns the current engine.
func (d *Dispatcher) Engine() stt.Engine {
	e, _ := d.gate.current()
	return e
}

// Pending returns the number of queued or running tasks.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue) + d.busy
}

// Close stops accepting tasks and waits for queued tasks to finish. When ctx
// expires first, in-flight engine calls are cancelled and ctx.Err() is
// returned; tasks still queued then fail fast with a cancelled context.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		d.idle = make(chan struct{})
		if d.workers == 0 {
			close(d.idle)
		}
	}
	idle := d.idle
	d.mu.Unlock()

	select {
	case <-idle:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return fmt.Errorf("dispatch: close: %w", ctx.Err())
	}
}

// enqueue queues a task and starts a worker when no free worker will pick
// it up.
func (d *Dispatcher) enqueue(s *Stream, seg *segment.Segment) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.queue = append(d.queue, &task{stream: s, seg: seg, ticket: d.gate.ticket()})
	d.metrics.DispatchPending.Add(d.ctx, 1)

	free := d.workers - d.busy
	if free < len(d.queue) && (d.maxWorkers == 0 || d.workers < d.maxWorkers) {
		d.workers++
		d.metrics.DispatchWorkers.Add(d.ctx, 1)
		go d.work()
	}
	return nil
}

// work runs tasks until the queue is empty.
func (d *Dispatcher) work() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.workers--
			if d.closed && d.workers == 0 {
				close(d.idle)
			}
			d.mu.Unlock()
			d.metrics.DispatchWorkers.Add(d.ctx, -1)
			return
		}
		t := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.busy++
		d.mu.Unlock()

		d.run(t)

		d.mu.Lock()
		d.busy--
		d.mu.Unlock()
	}
}

// run admits t through the gate and executes it.
func (d *Dispatcher) run(t *task) {
	defer t.stream.pending.Done()
	defer d.metrics.DispatchPending.Add(d.ctx, -1)

	engine, name := d.gate.enter(t.ticket)
	defer d.gate.leave()
	d.execute(t, engine, name)
}

// execute transcribes one segment and publishes the event. It recovers
// engine panics.
func (d *Dispatcher) execute(t *task, engine stt.Engine, name string) {
	if t.seg.Empty() {
		slog.Debug("dispatch: empty segment skipped", "stream", t.stream.id, "seq", t.seg.Seq)
		return
	}
	if engine == nil {
		slog.Warn("dispatch: no engine configured, segment dropped", "stream", t.stream.id, "seq", t.seg.Seq)
		return
	}

	ctx, span, log := observe.StartInferSpan(d.ctx, d.tracer, observe.Segment{
		Stream: t.stream.id,
		Seq:    t.seg.Seq,
		Frames: t.seg.Frames,
		Engine: name,
	})
	start := time.Now()
	status := observe.StatusPanic
	var spanErr error
	defer func() { observe.EndInferSpan(span, status, spanErr) }()

	defer func() {
		if r := recover(); r != nil {
			spanErr = fmt.Errorf("dispatch: engine panic: %v", r)
			d.metrics.RecordEngineRequest(ctx, name, observe.StatusPanic, time.Since(start).Seconds())
			log.Error("dispatch: engine panicked, segment dropped", "panic", r)
		}
	}()

	inferCtx := ctx
	if d.taskTimeout > 0 {
		var cancel context.CancelFunc
		inferCtx, cancel = context.WithTimeout(ctx, d.taskTimeout)
		defer cancel()
	}
	text, err := stt.Transcribe(inferCtx, engine, t.seg.Samples(), t.seg.SampleRate)
	elapsed := time.Since(start)
	if err != nil {
		status, spanErr = observe.StatusError, err
		d.metrics.RecordEngineRequest(ctx, name, status, elapsed.Seconds())
		log.Warn("dispatch: transcription failed, segment dropped", "err", err, "duration", elapsed)
		return
	}

	ev, ok := emit.NewEvent(t.stream.id, t.stream.timeline, t.seg, text)
	if !ok {
		status = observe.StatusEmpty
		d.metrics.RecordEngineRequest(ctx, name, status, elapsed.Seconds())
		log.Debug("dispatch: empty transcription", "duration", elapsed)
		return
	}
	status = observe.StatusOK
	d.metrics.RecordEngineRequest(ctx, name, status, elapsed.Seconds())
	log.Debug("dispatch: transcribed", "duration", elapsed, "chars", len(text))

	t.stream.publisher.Publish(ctx, ev)
	d.metrics.EventsPublished.Add(ctx, 1)
}

func engineName(e stt.Engine) string {
	if e == nil {
		return "none"
	}
	if n, ok := e.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", e)
}
