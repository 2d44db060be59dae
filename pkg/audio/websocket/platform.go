// Package websocket provides an [audio.Platform] that accepts PCM audio from
// websocket clients. Each connected client becomes one [audio.Stream].
//
// Wire protocol on the stream endpoint (GET /v1/stream):
//
//   - Query parameters "rate" and "channels" declare the PCM format (default
//     16000 Hz mono). "id" optionally names the stream; otherwise a random
//     UUID is assigned.
//   - Binary messages from the client carry 16-bit signed little-endian PCM.
//   - A text message {"type":"eos"} (or closing the socket) ends the stream.
//   - The server sends transcription events as JSON text messages. When echo
//     is enabled, forwarded audio is returned as binary messages in the
//     original format.
//   - Once all events for the stream are delivered the server closes the
//     socket with a normal closure.
package websocket

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/MrWong99/vadscribe/pkg/audio"
	ws "github.com/coder/websocket"
)

// Compile-time interface assertions.
var (
	_ audio.Platform   = (*Platform)(nil)
	_ audio.Connection = (*Connection)(nil)
)

// StreamPath is the HTTP route served by [Platform.Handler].
const StreamPath = "/v1/stream"

const defaultReadLimit = 1 << 20

// ErrAlreadyConnected is returned by Connect while a previous connection is
// still active.
var ErrAlreadyConnected = errors.New("websocket: platform already connected")

// Option configures a [Platform].
type Option func(*Platform)

// WithFormat sets the PCM format assumed when a client omits the "rate" and
// "channels" query parameters. Defaults to [audio.AnalysisFormat].
func WithFormat(f audio.Format) Option {
	return func(p *Platform) {
		p.format = f
	}
}

// WithOriginPatterns sets the host patterns accepted for cross-origin
// websocket requests.
func WithOriginPatterns(patterns ...string) Option {
	return func(p *Platform) {
		p.originPatterns = patterns
	}
}

// WithEcho returns forwarded audio to the client as binary messages.
func WithEcho(enabled bool) Option {
	return func(p *Platform) {
		p.echo = enabled
	}
}

// WithReadLimit sets the maximum size in bytes of one client message.
// Defaults to 1 MiB.
func WithReadLimit(n int64) Option {
	return func(p *Platform) {
		if n > 0 {
			p.readLimit = n
		}
	}
}

// Platform implements [audio.Platform] for websocket clients. Connect
// activates the listener; clients are accepted through [Platform.Handler],
// which must be mounted on an HTTP server.
//
// Platform is safe for concurrent use.
type Platform struct {
	format         audio.Format
	originPatterns []string
	echo           bool
	readLimit      int64

	mu     sync.Mutex
	active *Connection
}

// New creates a websocket Platform with the given options applied.
func New(opts ...Option) *Platform {
	p := &Platform{
		format:    audio.AnalysisFormat,
		readLimit: defaultReadLimit,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect activates the platform. target is ignored. Clients connecting
// before Connect or after Disconnect are rejected with 503.
func (p *Platform) Connect(_ context.Context, _ string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active != nil && !p.active.isClosed() {
		return nil, ErrAlreadyConnected
	}
	p.active = newConnection(p.echo)
	return p.active, nil
}

// Handler returns an http.Handler serving [StreamPath].
func (p *Platform) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+StreamPath, p.handleStream)
	return mux
}

// handleStream upgrades the request and hands the socket to the active
// connection.
func (p *Platform) handleStream(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	c := p.active
	p.mu.Unlock()
	if c == nil || c.isClosed() {
		http.Error(w, "no active audio connection", http.StatusServiceUnavailable)
		return
	}

	format, err := p.parseFormat(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{OriginPatterns: p.originPatterns})
	if err != nil {
		// Accept already wrote the HTTP error response.
		return
	}
	conn.SetReadLimit(p.readLimit)

	c.serve(conn, r.URL.Query().Get("id"), format)
}

// ---- helpers ----

func (p *Platform) parseFormat(r *http.Request) (audio.Format, error) {
	f := p.format
	q := r.URL.Query()
	if v := q.Get("rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return audio.Format{}, errors.New("rate must be a positive integer")
		}
		f.SampleRate = n
	}
	if v := q.Get("channels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return audio.Format{}, errors.New("channels must be a positive integer")
		}
		f.Channels = n
	}
	return f, nil
}
