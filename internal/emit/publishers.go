package emit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
)

// Compile-time interface assertions.
var (
	_ Publisher = (*LogPublisher)(nil)
	_ Publisher = (*JSONPublisher)(nil)
	_ Publisher = Multi(nil)
	_ Publisher = (*Bus)(nil)
	_ Publisher = ReplyPublisher(nil)
)

// LogPublisher writes each event as a structured log record.
type LogPublisher struct {
	Logger *slog.Logger // nil uses slog.Default
}

// Publish logs e at info level.
func (p *LogPublisher) Publish(ctx context.Context, e Event) {
	l := p.Logger
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, "transcription",
		"stream", e.Stream,
		"seq", e.Seq,
		"stream_time", e.StreamTime,
		"running_time", e.RunningTime,
		"duration", e.Duration,
		"text", e.Text,
	)
}

// JSONPublisher writes one JSON object per line to W.
type JSONPublisher struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONPublisher returns a publisher writing newline-delimited JSON to w.
func NewJSONPublisher(w io.Writer) *JSONPublisher {
	return &JSONPublisher{enc: json.NewEncoder(w)}
}

// Publish encodes e. Write errors are logged.
func (p *JSONPublisher) Publish(_ context.Context, e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enc.Encode(e); err != nil {
		slog.Warn("emit: failed to write event", "stream", e.Stream, "seq", e.Seq, "err", err)
	}
}

// Multi publishes to every non-nil publisher in order.
type Multi []Publisher

// Publish forwards e to each publisher.
func (m Multi) Publish(ctx context.Context, e Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, e)
		}
	}
}

// ReplyPublisher sends events over a stream's reply channel, such as a
// websocket client connection.
type ReplyPublisher func(ctx context.Context, msg any) error

// Publish sends e. Delivery errors are logged at debug level; the client is
// usually gone.
func (r ReplyPublisher) Publish(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	if err := r(ctx, e); err != nil {
		slog.Debug("emit: reply failed", "stream", e.Stream, "seq", e.Seq, "err", err)
	}
}
