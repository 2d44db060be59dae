// Package audio defines the frame model and the source abstractions that
// feed audio into vadscribe.
//
// The two primary abstractions are:
//
//   - [Platform] connects to an audio source and returns a [Connection].
//   - [Connection] is an active session that announces one [Stream] per
//     independent audio input (a file, a websocket client, a voice-channel
//     participant).
//
// Each Stream is processed by its own filter: frames are analysed for speech
// energy and then forwarded unchanged to the stream's Downstream channel.
//
// Source adapters live in sub-packages (audio/pcm, audio/websocket,
// audio/discord). This package lives under pkg/ so that external code can
// provide further sources.
package audio

import "context"

// Stream is a single continuous audio input.
//
// The producer closes Frames to signal end-of-stream. Frames must be
// delivered in presentation order.
type Stream struct {
	// ID uniquely identifies the stream within its Connection.
	ID string

	// Format declares the sample rate and channel count of every frame on
	// Frames. Frames in a non-analysis format are converted for analysis
	// only; the forwarded frames keep their original format.
	Format Format

	// Timeline maps frame timestamps to stream and running time.
	Timeline Timeline

	// Frames delivers the stream's audio. Closed by the producer at
	// end-of-stream.
	Frames <-chan Frame

	// Downstream, if non-nil, receives every frame unchanged and in order
	// once it has been analysed. The consumer of Frames closes Downstream
	// after end-of-stream has been fully handled.
	Downstream chan<- Frame

	// Reply, if non-nil, sends an out-of-band message (e.g., a transcription
	// event) back to the producer of this stream. It must be safe for
	// concurrent use.
	Reply func(ctx context.Context, msg any) error
}

// Connection represents an active session on an audio source.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// Streams returns the channel on which new streams are announced. The
	// channel is closed when the source has no further streams to offer
	// (e.g., a file was read completely) or after Disconnect.
	Streams() <-chan Stream

	// Disconnect tears down the connection. Streams that are still open
	// see their Frames channel closed. It is safe to call Disconnect more
	// than once; subsequent calls are no-ops and return nil.
	Disconnect() error
}

// Platform is the entry point for an audio source.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect opens the source identified by target (a file path, a voice
	// channel ID, or an empty string for listener-style sources) and
	// returns an active [Connection]. ctx governs connection setup only.
	Connect(ctx context.Context, target string) (Connection, error)
}
