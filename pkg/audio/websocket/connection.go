package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/vadscribe/pkg/audio"
	ws "github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

const (
	frameBuffer   = 64
	streamBuffer  = 16
	shutdownGrace = 5 * time.Second
)

// controlMessage is a text message sent by the client.
type controlMessage struct {
	Type string `json:"type"`
}

// Connection is the [audio.Connection] returned by [Platform.Connect]. It
// announces one stream per accepted websocket client.
//
// Connection is safe for concurrent use.
type Connection struct {
	echo bool

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	closed     bool
	announcing sync.WaitGroup
	streams    chan audio.Stream
	once       sync.Once
}

func newConnection(echo bool) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		echo:    echo,
		ctx:     ctx,
		cancel:  cancel,
		streams: make(chan audio.Stream, streamBuffer),
	}
}

// Streams implements [audio.Connection].
func (c *Connection) Streams() <-chan audio.Stream {
	return c.streams
}

// Disconnect stops accepting clients and ends every open client stream. It
// is safe to call more than once.
func (c *Connection) Disconnect() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.cancel()
		c.announcing.Wait()
		close(c.streams)
	})
	return nil
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// serve runs one client session. It returns after the consumer closed the
// stream's Downstream channel, i.e. after every event was delivered.
func (c *Connection) serve(conn *ws.Conn, id string, format audio.Format) {
	if id == "" {
		id = uuid.NewString()
	}
	log := slog.With("stream", id)

	frames := make(chan audio.Frame, frameBuffer)
	downstream := make(chan audio.Frame, frameBuffer)
	stream := audio.Stream{
		ID:         id,
		Format:     format,
		Frames:     frames,
		Downstream: downstream,
		Reply: func(ctx context.Context, msg any) error {
			return wsjson.Write(ctx, conn, msg)
		},
	}

	if !c.announce(stream) {
		_ = conn.Close(ws.StatusGoingAway, "shutting down")
		return
	}
	log.Info("websocket: client stream started", "format", format)

	go c.readLoop(conn, frames, format, log)
	c.forward(conn, downstream, log)

	_ = conn.Close(ws.StatusNormalClosure, "end of stream")
	log.Info("websocket: client stream finished")
}

// announce publishes s unless the connection is closed.
func (c *Connection) announce(s audio.Stream) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.announcing.Add(1)
	c.mu.Unlock()
	defer c.announcing.Done()

	select {
	case c.streams <- s:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// readLoop converts client messages into frames until end-of-stream, then
// closes frames.
func (c *Connection) readLoop(conn *ws.Conn, frames chan<- audio.Frame, format audio.Format, log *slog.Logger) {
	defer close(frames)

	stride := audio.BytesPerSample * format.Channels
	var offset int64 // in sample frames
	for {
		typ, data, err := conn.Read(c.ctx)
		if err != nil {
			switch ws.CloseStatus(err) {
			case ws.StatusNormalClosure, ws.StatusGoingAway:
			default:
				if c.ctx.Err() == nil {
					log.Debug("websocket: client read ended", "err", err)
				}
			}
			return
		}

		switch typ {
		case ws.MessageText:
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err == nil && msg.Type == "eos" {
				// Keep servicing control frames until the socket is closed.
				conn.CloseRead(context.Background())
				return
			}
			log.Debug("websocket: ignoring text message", "bytes", len(data))
		case ws.MessageBinary:
			n := len(data) - len(data)%stride
			if n == 0 {
				continue
			}
			frame := audio.Frame{
				Data:       data[:n],
				SampleRate: format.SampleRate,
				Channels:   format.Channels,
				Timestamp:  time.Duration(offset * int64(time.Second) / int64(format.SampleRate)),
				Duration:   audio.BytesDuration(n, format.SampleRate, format.Channels),
			}
			offset += int64(n / stride)
			select {
			case frames <- frame:
			case <-c.ctx.Done():
				return
			}
		}
	}
}

// forward consumes the stream's Downstream channel until the consumer closes
// it, echoing frames when enabled. After Disconnect the consumer gets
// shutdownGrace to finish.
func (c *Connection) forward(conn *ws.Conn, downstream <-chan audio.Frame, log *slog.Logger) {
	var echoFailed bool
	for {
		select {
		case f, ok := <-downstream:
			if !ok {
				return
			}
			if !c.echo || echoFailed {
				continue
			}
			if err := conn.Write(c.ctx, ws.MessageBinary, f.Data); err != nil {
				log.Debug("websocket: echo failed, discarding further audio", "err", err)
				echoFailed = true
			}
		case <-c.ctx.Done():
			timer := time.NewTimer(shutdownGrace)
			defer timer.Stop()
			for {
				select {
				case _, ok := <-downstream:
					if !ok {
						return
					}
				case <-timer.C:
					log.Warn("websocket: stream not finished before shutdown")
					return
				}
			}
		}
	}
}
