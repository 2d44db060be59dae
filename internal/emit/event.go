// Package emit builds and publishes transcription events.
//
// An [Event] is created once per non-empty transcription and handed to a
// [Publisher]. Publication is fire-and-forget: publishers never report
// errors back to the dispatcher, they log them.
package emit

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/vadscribe/internal/segment"
	"github.com/MrWong99/vadscribe/pkg/audio"
)

// MessageName identifies transcription events on the wire.
const MessageName = "transcription"

// Event is an immutable transcription record. Time fields are nanoseconds
// on the wire and -1 when unknown.
type Event struct {
	// Type is always [MessageName].
	Type string `json:"type"`

	// Stream is the id of the stream the audio came from.
	Stream string `json:"stream"`

	// Seq is the segment sequence number within the stream.
	Seq uint64 `json:"seq"`

	// Timestamp is the presentation timestamp of the segment's first frame.
	Timestamp time.Duration `json:"timestamp"`

	// StreamTime is Timestamp mapped to stream time.
	StreamTime time.Duration `json:"stream-time"`

	// RunningTime is Timestamp mapped to running time.
	RunningTime time.Duration `json:"running-time"`

	// Duration is the total duration of the segment.
	Duration time.Duration `json:"duration"`

	// Text is the transcription. Never empty.
	Text string `json:"text"`
}

// NewEvent builds the event for a transcribed segment. It returns false when
// text is empty, in which case no event must be published.
func NewEvent(stream string, tl audio.Timeline, seg *segment.Segment, text string) (Event, bool) {
	if text == "" || seg == nil {
		return Event{}, false
	}
	return Event{
		Type:        MessageName,
		Stream:      stream,
		Seq:         seg.Seq,
		Timestamp:   seg.Timestamp,
		StreamTime:  tl.StreamTime(seg.Timestamp),
		RunningTime: tl.RunningTime(seg.Timestamp),
		Duration:    seg.Duration,
		Text:        text,
	}, true
}

// String renders the event for humans, e.g. "[mic #3 1.2s+840ms] hello".
func (e Event) String() string {
	return fmt.Sprintf("[%s #%d %s+%s] %s", e.Stream, e.Seq, fmtTime(e.StreamTime), e.Duration, e.Text)
}

func fmtTime(d time.Duration) string {
	if d < 0 {
		return "?"
	}
	return d.String()
}

// Publisher delivers events. Implementations must be safe for concurrent
// use and must not block for long; Publish runs on a dispatcher worker.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// PublisherFunc adapts a function to [Publisher].
type PublisherFunc func(ctx context.Context, e Event)

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, e Event) { f(ctx, e) }

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(context.Context, Event) {})
