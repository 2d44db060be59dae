package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/vadscribe/internal/emit"
	"github.com/MrWong99/vadscribe/internal/segment"
	"github.com/MrWong99/vadscribe/pkg/audio"
)

// Stream is the per-stream submission handle. Submit and Drain are meant to
// be called from the stream's single frame path.
type Stream struct {
	d         *Dispatcher
	id        string
	timeline  audio.Timeline
	publisher emit.Publisher

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

// ID returns the stream id.
func (s *Stream) ID() string { return s.id }

// Submit hands seg to the dispatcher. It never waits for the engine. The
// segment must not be modified afterwards.
func (s *Stream) Submit(seg *segment.Segment) error {
	if seg == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	s.pending.Add(1)
	if err := s.d.enqueue(s, seg); err != nil {
		s.pending.Done()
		return err
	}
	return nil
}

// Drain stops accepting segments and waits until every segment submitted so
// far has been transcribed and its event published. It is safe to call more
// than once. When ctx expires first the tasks keep running and the context
// error is returned.
func (s *Stream) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch: drain stream %s: %w", s.id, ctx.Err())
	}
}
