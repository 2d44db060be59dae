package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/vadscribe/pkg/provider/stt"
)

var errTest = errors.New("engine crashed")

// clock is a manually advanced time source.
type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg BreakerConfig) (*breaker, *clock) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	return newBreaker("whisper", cfg, c.now), c
}

// call runs one admitted call with outcome err and returns the admit error.
func call(b *breaker, err error) error {
	if admitErr := b.admit(); admitErr != nil {
		return admitErr
	}
	b.record(err)
	return nil
}

func TestBreaker_Defaults(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(BreakerConfig{})
	if b.cfg.MaxFailures != 5 || b.cfg.ResetTimeout != 30*time.Second || b.cfg.HalfOpenMax != 3 {
		t.Errorf("cfg = %+v, want 5 / 30s / 3", b.cfg)
	}
	if got := b.current(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(BreakerConfig{MaxFailures: 3})
	for range 2 {
		_ = call(b, errTest)
	}
	// A success in between resets the count.
	_ = call(b, nil)
	for range 2 {
		_ = call(b, errTest)
	}
	if got := b.current(); got != StateClosed {
		t.Fatalf("state = %v after 2 consecutive failures, want closed", got)
	}
	_ = call(b, errTest)
	if got := b.current(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
	if err := b.admit(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("admit = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_OnlyEngineFaultsCount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		err   error
		opens bool
	}{
		{"engine error", errTest, true},
		{"stalled past deadline", fmt.Errorf("deepgram: %w", context.DeadlineExceeded), true},
		{"caller cancelled", fmt.Errorf("deepgram: %w", context.Canceled), false},
		{"empty audio", stt.ErrEmptyAudio, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b, _ := newTestBreaker(BreakerConfig{MaxFailures: 1})
			_ = call(b, tt.err)
			if got := b.current() == StateOpen; got != tt.opens {
				t.Errorf("open = %v, want %v", got, tt.opens)
			}
		})
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	t.Parallel()

	b, c := newTestBreaker(BreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute, HalfOpenMax: 2})
	_ = call(b, errTest)

	c.advance(59 * time.Second)
	if err := b.admit(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("admit before reset timeout = %v, want ErrCircuitOpen", err)
	}

	c.advance(time.Second)
	if got := b.current(); got != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", got)
	}

	// Two trials in flight use up the budget.
	if err := b.admit(); err != nil {
		t.Fatalf("trial 1: %v", err)
	}
	if err := b.admit(); err != nil {
		t.Fatalf("trial 2: %v", err)
	}
	if err := b.admit(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("third trial = %v, want ErrCircuitOpen", err)
	}
	b.record(nil)
	if got := b.current(); got != StateHalfOpen {
		t.Errorf("state after one trial = %v, want half-open", got)
	}
	b.record(nil)
	if got := b.current(); got != StateClosed {
		t.Errorf("state after two trials = %v, want closed", got)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	b, c := newTestBreaker(BreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute})
	_ = call(b, errTest)
	c.advance(time.Minute)
	_ = call(b, errTest)

	if got := b.current(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
	// The reset timeout restarts from the failed trial.
	c.advance(30 * time.Second)
	if err := b.admit(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("admit = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_CancelledTrialFreesSlot(t *testing.T) {
	t.Parallel()

	b, c := newTestBreaker(BreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute, HalfOpenMax: 1})
	_ = call(b, errTest)
	c.advance(time.Minute)

	_ = call(b, context.Canceled)
	if got := b.current(); got != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", got)
	}
	if err := call(b, nil); err != nil {
		t.Fatalf("trial after cancellation: %v", err)
	}
	if got := b.current(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestBreaker_ReportsTransitions(t *testing.T) {
	t.Parallel()

	type transition struct {
		engine   string
		from, to State
	}
	var got []transition
	b, c := newTestBreaker(BreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Second,
		HalfOpenMax:  1,
		OnStateChange: func(engine string, from, to State) {
			got = append(got, transition{engine, from, to})
		},
	})

	_ = call(b, errTest)
	c.advance(time.Second)
	_ = call(b, nil)

	want := []transition{
		{"whisper", StateClosed, StateOpen},
		{"whisper", StateOpen, StateHalfOpen},
		{"whisper", StateHalfOpen, StateClosed},
	}
	if len(got) != len(want) {
		t.Fatalf("transitions = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(9):      "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
