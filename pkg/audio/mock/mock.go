// Package mock provides in-memory mock implementations of the [audio.Platform]
// and [audio.Connection] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	conn := mock.NewConnection()
//	platform := &mock.Platform{ConnectResult: conn}
//	frames := make(chan audio.Frame, 16)
//	conn.Announce(audio.Stream{ID: "s1", Format: audio.AnalysisFormat, Frames: frames})
//	conn.Finish()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/vadscribe/pkg/audio"
)

// ─── Connection ───────────────────────────────────────────────────────────────

// Connection is a mock implementation of [audio.Connection]. Streams are
// pushed by the test with [Connection.Announce] and the stream channel is
// closed by [Connection.Finish] or Disconnect.
type Connection struct {
	mu sync.Mutex

	streams chan audio.Stream
	closed  bool

	// DisconnectError is returned by [Connection.Disconnect].
	DisconnectError error

	// CallCountStreams records how many times Streams was called.
	CallCountStreams int

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int
}

// NewConnection returns a Connection with a buffered stream channel.
func NewConnection() *Connection {
	return &Connection{streams: make(chan audio.Stream, 16)}
}

// Streams implements [audio.Connection].
func (c *Connection) Streams() <-chan audio.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStreams++
	return c.streams
}

// Announce publishes s on the stream channel. It is a no-op after Finish or
// Disconnect.
func (c *Connection) Announce(s audio.Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.streams <- s
}

// Finish closes the stream channel, signalling that no further streams will
// be announced.
func (c *Connection) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.streams)
	}
}

// Disconnect implements [audio.Connection]. Closes the stream channel and
// returns DisconnectError.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	c.CallCountDisconnect++
	err := c.DisconnectError
	c.mu.Unlock()
	c.Finish()
	return err
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// ConnectCall records the arguments of a single [Platform.Connect] invocation.
type ConnectCall struct {
	// Target is the target argument passed to Connect.
	Target string
}

// Platform is a mock implementation of [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// ConnectResult is the [audio.Connection] returned by Connect.
	ConnectResult audio.Connection

	// ConnectError is the error returned by Connect.
	ConnectError error

	// ConnectCalls records all Connect invocations.
	ConnectCalls []ConnectCall
}

// Connect implements [audio.Platform]. Records the call and returns
// ConnectResult / ConnectError.
func (p *Platform) Connect(_ context.Context, target string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Target: target})
	return p.ConnectResult, p.ConnectError
}

// Compile-time interface assertions.
var (
	_ audio.Connection = (*Connection)(nil)
	_ audio.Platform   = (*Platform)(nil)
)
