// Package resilience keeps transcription going when speech engines fail.
//
// [EngineFallback] chains a primary engine with fallbacks. Every engine sits
// behind its own circuit breaker, which stops a failing engine from being
// sent every sealed segment. [Retry] reconnects audio sources with
// exponential backoff.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/vadscribe/pkg/provider/stt"
)

// ErrCircuitOpen is reported for an engine whose breaker rejects calls.
var ErrCircuitOpen = errors.New("resilience: engine circuit open")

// State is the operating mode of an engine's breaker.
type State int

const (
	// StateClosed forwards every segment to the engine.
	StateClosed State = iota

	// StateOpen skips the engine until the reset timeout has passed.
	StateOpen

	// StateHalfOpen admits a few trial segments. Enough successes close the
	// breaker again; one failure re-opens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerConfig tunes the breaker placed in front of each engine. Zero
// values select the defaults.
type BreakerConfig struct {
	// MaxFailures opens the breaker after this many consecutive engine
	// failures. Default: 5.
	MaxFailures int

	// ResetTimeout is how long an open breaker skips its engine. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful trials needed to close the
	// breaker. Default: 3.
	HalfOpenMax int

	// OnStateChange is called after each transition, outside the breaker's
	// lock.
	OnStateChange func(engine string, from, to State)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 3
	}
	return c
}

// engineFailure reports whether err says the engine is unhealthy. Empty
// audio and caller cancellation are not the engine's fault; a stall that
// ran into a deadline is.
func engineFailure(err error) bool {
	return err != nil &&
		!errors.Is(err, stt.ErrEmptyAudio) &&
		!errors.Is(err, context.Canceled)
}

// breaker guards one engine.
type breaker struct {
	engine string
	cfg    BreakerConfig
	now    func() time.Time

	mu       sync.Mutex
	state    State
	failures int       // consecutive, while closed
	openedAt time.Time // last transition to open
	trials   int       // admitted while half-open
	passed   int       // successful trials
}

func newBreaker(engine string, cfg BreakerConfig, now func() time.Time) *breaker {
	return &breaker{engine: engine, cfg: cfg.withDefaults(), now: now}
}

// admit reports whether the engine may take the next segment. Every
// admitted call must be followed by exactly one record.
func (b *breaker) admit() error {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.state, b.trials, b.passed = StateHalfOpen, 0, 0
	case StateHalfOpen:
		if b.trials >= b.cfg.HalfOpenMax {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	if b.state == StateHalfOpen {
		b.trials++
	}
	to := b.state
	b.mu.Unlock()

	b.changed(from, to)
	return nil
}

// record accounts for the outcome of an admitted call.
func (b *breaker) record(err error) {
	b.mu.Lock()
	from := b.state
	switch {
	case !engineFailure(err) && err != nil:
		// No verdict on the engine; free the trial slot.
		if b.state == StateHalfOpen {
			b.trials--
		}
	case err == nil && b.state == StateHalfOpen:
		b.passed++
		if b.passed >= b.cfg.HalfOpenMax {
			b.state, b.failures = StateClosed, 0
		}
	case err == nil:
		b.failures = 0
	case b.state == StateHalfOpen:
		b.state, b.openedAt = StateOpen, b.now()
	default:
		b.failures++
		if b.failures >= b.cfg.MaxFailures {
			b.state, b.openedAt = StateOpen, b.now()
		}
	}
	to := b.state
	failures := b.failures
	b.mu.Unlock()

	if from == to {
		return
	}
	switch to {
	case StateOpen:
		slog.Warn("resilience: engine breaker opened", "engine", b.engine, "consecutive_failures", failures, "err", err)
	case StateClosed:
		slog.Info("resilience: engine breaker closed after trials", "engine", b.engine)
	}
	b.changed(from, to)
}

// current returns the state as the next admit would see it.
func (b *breaker) current() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

func (b *breaker) changed(from, to State) {
	if from == to {
		return
	}
	if from == StateOpen && to == StateHalfOpen {
		slog.Info("resilience: probing engine", "engine", b.engine)
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.engine, from, to)
	}
}
