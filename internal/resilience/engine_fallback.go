package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/MrWong99/vadscribe/pkg/provider/stt"
)

// ErrAllFailed is returned when no engine in the chain produced a result.
var ErrAllFailed = errors.New("resilience: all engines failed")

var _ stt.Engine = (*EngineFallback)(nil)

// chainEntry is one engine and its breaker.
type chainEntry struct {
	name    string
	engine  stt.Engine
	breaker *breaker
}

// EngineFallback presents a primary speech engine and its fallbacks as one
// [stt.Engine]. Each segment runs both engine phases on the first engine
// whose breaker admits it; an engine that fails hands the segment to the
// next one. Cancellation and empty audio end the attempt without failover.
//
// Fallbacks are added while the chain is built, before it serves segments.
type EngineFallback struct {
	cfg     BreakerConfig
	now     func() time.Time
	entries []chainEntry
}

// NewEngineFallback wraps primary. Fallbacks are added with
// [EngineFallback.AddFallback].
func NewEngineFallback(primary stt.Engine, primaryName string, cfg BreakerConfig) *EngineFallback {
	f := &EngineFallback{cfg: cfg, now: time.Now}
	f.AddFallback(primaryName, primary)
	return f
}

// AddFallback registers e as the next engine to try.
func (f *EngineFallback) AddFallback(name string, e stt.Engine) {
	f.entries = append(f.entries, chainEntry{
		name:    name,
		engine:  e,
		breaker: newBreaker(name, f.cfg, func() time.Time { return f.now() }),
	})
}

// ExtractFeatures only captures the samples; the real extraction happens in
// Infer on whichever engine ends up serving the segment.
func (f *EngineFallback) ExtractFeatures(_ context.Context, samples []int16, sampleRate int) (*stt.Features, error) {
	if len(samples) == 0 {
		return nil, stt.ErrEmptyAudio
	}
	return stt.NewFeatures(samples, sampleRate, nil), nil
}

// Infer transcribes the captured samples on the first engine that succeeds.
// The error of every engine tried is joined into the returned error.
func (f *EngineFallback) Infer(ctx context.Context, feat *stt.Features) (string, error) {
	if feat == nil || len(feat.Samples) == 0 {
		return "", stt.ErrEmptyAudio
	}

	var errs []error
	for _, e := range f.entries {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := e.breaker.admit(); err != nil {
			slog.Debug("resilience: engine skipped", "engine", e.name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
			continue
		}

		text, err := stt.Transcribe(ctx, e.engine, feat.Samples, feat.SampleRate)
		e.breaker.record(err)
		if err == nil {
			return text, nil
		}
		if !engineFailure(err) {
			return "", fmt.Errorf("resilience: %s: %w", e.name, err)
		}
		slog.Warn("resilience: engine failed, trying next", "engine", e.name, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
	}
	return "", fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

// Name returns the primary engine's name.
func (f *EngineFallback) Name() string {
	return f.entries[0].name
}

// Names returns every engine name in the order they are tried.
func (f *EngineFallback) Names() []string {
	names := make([]string, len(f.entries))
	for i, e := range f.entries {
		names[i] = e.name
	}
	return names
}

// States returns the breaker state of every engine keyed by name.
func (f *EngineFallback) States() map[string]State {
	states := make(map[string]State, len(f.entries))
	for _, e := range f.entries {
		states[e.name] = e.breaker.current()
	}
	return states
}

// Healthy reports whether at least one engine currently accepts segments.
func (f *EngineFallback) Healthy() bool {
	for _, e := range f.entries {
		if e.breaker.current() != StateOpen {
			return true
		}
	}
	return false
}

// Close closes every engine that implements [io.Closer].
func (f *EngineFallback) Close() error {
	var errs []error
	for _, e := range f.entries {
		if c, ok := e.engine.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", e.name, err))
			}
		}
	}
	return errors.Join(errs...)
}
