// Package mock provides a test double for the [stt.Engine] interface.
//
// Engine records every call, lets tests control the recognised text and
// errors, and measures how many calls overlapped so that tests can assert
// exclusive engine access.
//
// Example:
//
//	eng := &mock.Engine{Text: "hello world"}
//	text, _ := stt.Transcribe(ctx, eng, samples, 16000)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/vadscribe/pkg/provider/stt"
)

// Ensure Engine implements stt.Engine at compile time.
var _ stt.Engine = (*Engine)(nil)

// ExtractCall records a single invocation of Engine.ExtractFeatures.
type ExtractCall struct {
	// Samples is a copy of the samples passed to ExtractFeatures.
	Samples []int16
	// SampleRate is the sampleRate argument.
	SampleRate int
}

// InferCall records a single invocation of Engine.Infer.
type InferCall struct {
	// Samples are the source samples of the features.
	Samples []int16
	// Start and End bracket the call in wall-clock time.
	Start, End time.Time
}

// Engine is a mock implementation of stt.Engine.
type Engine struct {
	mu sync.Mutex

	// Text is returned by Infer when TextFn is nil.
	Text string

	// TextFn, if set, computes the Infer result from the call index (0-based)
	// and the samples.
	TextFn func(call int, samples []int16) string

	// ExtractErr, if non-nil, is returned by every ExtractFeatures call.
	ExtractErr error

	// InferErr, if non-nil, is returned by every Infer call.
	InferErr error

	// InferErrFn, if set, decides the Infer error per call index.
	InferErrFn func(call int) error

	// Delay is slept inside Infer (honouring ctx) to widen overlap windows.
	Delay time.Duration

	// PanicOnCall, if >= 1, makes the Nth Infer call (1-based) panic.
	PanicOnCall int

	// CloseErr is returned by Close.
	CloseErr error

	// --- Call records ---

	// ExtractCalls records every call to ExtractFeatures in order.
	ExtractCalls []ExtractCall

	// InferCalls records every completed call to Infer in order.
	InferCalls []InferCall

	// ReleaseCount counts released feature sets.
	ReleaseCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	active        int
	maxConcurrent int
}

// ExtractFeatures records the call and returns features wrapping a copy of
// samples.
func (e *Engine) ExtractFeatures(_ context.Context, samples []int16, sampleRate int) (*stt.Features, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make([]int16, len(samples))
	copy(cp, samples)
	e.ExtractCalls = append(e.ExtractCalls, ExtractCall{Samples: cp, SampleRate: sampleRate})
	if e.ExtractErr != nil {
		return nil, e.ExtractErr
	}
	return stt.NewFeatures(cp, sampleRate, func() {
		e.mu.Lock()
		e.ReleaseCount++
		e.mu.Unlock()
	}), nil
}

// Infer records the call and returns Text / TextFn and InferErr / InferErrFn.
func (e *Engine) Infer(ctx context.Context, f *stt.Features) (string, error) {
	e.mu.Lock()
	e.active++
	if e.active > e.maxConcurrent {
		e.maxConcurrent = e.active
	}
	call := len(e.InferCalls)
	delay := e.Delay
	panicNow := e.PanicOnCall > 0 && call+1 == e.PanicOnCall
	e.mu.Unlock()

	start := time.Now()
	defer func() {
		e.mu.Lock()
		e.active--
		e.InferCalls = append(e.InferCalls, InferCall{Samples: f.Samples, Start: start, End: time.Now()})
		e.mu.Unlock()
	}()

	if panicNow {
		panic("mock: engine failure")
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.InferErrFn != nil {
		if err := e.InferErrFn(call); err != nil {
			return "", err
		}
	}
	if e.InferErr != nil {
		return "", e.InferErr
	}
	if e.TextFn != nil {
		return e.TextFn(call, f.Samples), nil
	}
	return e.Text, nil
}

// Close records the call and returns CloseErr.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CloseCallCount++
	return e.CloseErr
}

// MaxConcurrent returns the largest number of Infer calls that were ever in
// flight at the same time.
func (e *Engine) MaxConcurrent() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxConcurrent
}

// InferCount returns the number of completed Infer calls.
func (e *Engine) InferCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.InferCalls)
}

// Calls returns a snapshot of the completed Infer calls.
func (e *Engine) Calls() []InferCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]InferCall, len(e.InferCalls))
	copy(out, e.InferCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ExtractCalls = nil
	e.InferCalls = nil
	e.ReleaseCount = 0
	e.CloseCallCount = 0
	e.maxConcurrent = 0
}
