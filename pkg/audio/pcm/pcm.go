// Package pcm provides an [audio.Platform] that reads 16-bit PCM from a file
// or from standard input. Input may be raw PCM in a configured format or a
// RIFF/WAVE file, whose header then determines the format.
//
// Every Connect produces exactly one [audio.Stream]. The stream's frames are
// optionally written back out, unchanged, to a file or standard output, which
// makes the source usable as a pass-through stage in a shell pipeline:
//
//	arecord -f S16_LE -r 16000 | vadscribe -config cfg.yaml > copy.pcm
package pcm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MrWong99/vadscribe/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Platform   = (*Platform)(nil)
	_ audio.Connection = (*Connection)(nil)
)

const (
	defaultFrameDuration = 20 * time.Millisecond
	frameBuffer          = 32

	// StdioTarget selects standard input (for Connect) or standard output
	// (for [WithOutput]).
	StdioTarget = "-"
)

// writerFlushTimeout bounds how long Disconnect waits for the output writer
// to finish after the stream ended.
const writerFlushTimeout = 5 * time.Second

// Option configures a [Platform].
type Option func(*Platform)

// WithFrameDuration sets the duration of each emitted frame. Defaults to 20ms.
func WithFrameDuration(d time.Duration) Option {
	return func(p *Platform) {
		if d > 0 {
			p.frameDuration = d
		}
	}
}

// WithFormat sets the format assumed for raw (headerless) input. Defaults to
// [audio.AnalysisFormat].
func WithFormat(f audio.Format) Option {
	return func(p *Platform) {
		p.rawFormat = f
	}
}

// WithRealtime paces emission so that each frame is handed out no earlier
// than its timestamp after the stream opened, the way a live capture would
// deliver it. Useful when replaying recordings. Defaults to off: frames are
// emitted as fast as the consumer takes them.
func WithRealtime(on bool) Option {
	return func(p *Platform) {
		p.realtime = on
	}
}

// WithOutput writes every forwarded frame to path. [StdioTarget] selects
// standard output. An empty path disables the output.
func WithOutput(path string) Option {
	return func(p *Platform) {
		p.output = path
	}
}

// WithStdio replaces the standard input and output streams. Intended for
// tests.
func WithStdio(in io.Reader, out io.Writer) Option {
	return func(p *Platform) {
		p.stdin = in
		p.stdout = out
	}
}

// Platform implements [audio.Platform] for PCM files and standard input.
// Platform is safe for concurrent use; each Connect opens its own input.
type Platform struct {
	frameDuration time.Duration
	rawFormat     audio.Format
	output        string
	realtime      bool
	stdin         io.Reader
	stdout        io.Writer
}

// New creates a PCM Platform with the given options applied.
func New(opts ...Option) *Platform {
	p := &Platform{
		frameDuration: defaultFrameDuration,
		rawFormat:     audio.AnalysisFormat,
		stdin:         os.Stdin,
		stdout:        os.Stdout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect opens target (a file path or [StdioTarget]) and starts reading it
// in the background. The returned connection announces a single stream and
// then closes its stream channel.
func (p *Platform) Connect(_ context.Context, target string) (audio.Connection, error) {
	if target == "" {
		return nil, errors.New("pcm: target must be a file path or \"-\"")
	}

	in, closeIn, err := p.openInput(target)
	if err != nil {
		return nil, err
	}
	closeIn = sync.OnceFunc(closeIn)

	br := bufio.NewReader(in)
	format, err := audio.ReadWAVHeader(br)
	switch {
	case errors.Is(err, audio.ErrNotWAV):
		format = p.rawFormat
	case err != nil:
		closeIn()
		return nil, fmt.Errorf("pcm: %s: %w", target, err)
	}
	if format.SampleRate <= 0 || format.Channels <= 0 {
		closeIn()
		return nil, fmt.Errorf("pcm: %s: invalid format %s", target, format)
	}

	out, closeOut, err := p.openOutput()
	if err != nil {
		closeIn()
		return nil, err
	}

	c := &Connection{
		closeInput: closeIn,
		realtime:   p.realtime,
		done:       make(chan struct{}),
		streams:    make(chan audio.Stream, 1),
		writerDone: make(chan struct{}),
	}

	frames := make(chan audio.Frame, frameBuffer)
	stream := audio.Stream{
		ID:     streamID(target),
		Format: format,
		Frames: frames,
	}
	if out != nil {
		downstream := make(chan audio.Frame, frameBuffer)
		stream.Downstream = downstream
		go c.writeLoop(downstream, out, closeOut)
	} else {
		close(c.writerDone)
	}

	c.streams <- stream
	close(c.streams)

	frameBytes := bytesPerFrame(format, p.frameDuration)
	go c.readLoop(br, closeIn, frames, format, frameBytes)

	slog.Info("pcm: stream opened",
		"stream", stream.ID,
		"format", format,
		"frame_bytes", frameBytes,
	)
	return c, nil
}

// ---- helpers ----

func (p *Platform) openInput(target string) (io.Reader, func(), error) {
	if target == StdioTarget {
		return p.stdin, func() {}, nil
	}
	f, err := os.Open(target)
	if err != nil {
		return nil, nil, fmt.Errorf("pcm: open input: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func (p *Platform) openOutput() (io.Writer, func(), error) {
	switch p.output {
	case "":
		return nil, nil, nil
	case StdioTarget:
		return p.stdout, func() {}, nil
	}
	f, err := os.Create(p.output)
	if err != nil {
		return nil, nil, fmt.Errorf("pcm: create output: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func streamID(target string) string {
	if target == StdioTarget {
		return "stdin"
	}
	return filepath.Base(target)
}

// bytesPerFrame returns the byte length of one frame of duration d, rounded
// down to whole sample frames and never less than one sample frame.
func bytesPerFrame(f audio.Format, d time.Duration) int {
	stride := audio.BytesPerSample * f.Channels
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	if samples < 1 {
		samples = 1
	}
	return samples * stride
}

// ─── Connection ───────────────────────────────────────────────────────────────

// Connection is the [audio.Connection] for a single PCM input.
type Connection struct {
	closeInput func()
	realtime   bool
	streams    chan audio.Stream
	done       chan struct{}
	writerDone chan struct{}
	once       sync.Once
}

// Streams implements [audio.Connection]. The channel carries exactly one
// stream and is already closed.
func (c *Connection) Streams() <-chan audio.Stream {
	return c.streams
}

// Disconnect stops reading input. Frames already handed to the consumer are
// still written to the output; Disconnect waits briefly for that to finish.
//
// A file input is closed, which interrupts a read waiting on a FIFO. Standard
// input is left open: a read pending on it completes only when data or EOF
// arrives, and the stream ends then.
func (c *Connection) Disconnect() error {
	c.once.Do(func() {
		close(c.done)
		c.closeInput()
	})
	select {
	case <-c.writerDone:
	case <-time.After(writerFlushTimeout):
		slog.Warn("pcm: output writer did not finish before timeout")
	}
	return nil
}

// readLoop slices the input into frames until EOF or Disconnect and then
// closes frames to signal end-of-stream.
func (c *Connection) readLoop(r io.Reader, closeIn func(), frames chan<- audio.Frame, format audio.Format, frameBytes int) {
	defer close(frames)
	defer closeIn()

	stride := audio.BytesPerSample * format.Channels
	var offset int64 // in sample frames
	start := time.Now()
	for {
		buf := make([]byte, frameBytes)
		n, err := io.ReadFull(r, buf)
		n -= n % stride
		if n > 0 {
			frame := audio.Frame{
				Data:       buf[:n],
				SampleRate: format.SampleRate,
				Channels:   format.Channels,
				Timestamp:  time.Duration(offset * int64(time.Second) / int64(format.SampleRate)),
				Duration:   audio.BytesDuration(n, format.SampleRate, format.Channels),
			}
			offset += int64(n / stride)
			if c.realtime && !c.pace(start.Add(frame.Timestamp)) {
				return
			}
			select {
			case frames <- frame:
			case <-c.done:
				return
			}
		}
		if err != nil {
			select {
			case <-c.done:
			default:
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					slog.Warn("pcm: read input", "err", err)
				}
			}
			return
		}
	}
}

// pace waits until at, returning false when the connection is closed first.
func (c *Connection) pace(at time.Time) bool {
	wait := time.Until(at)
	if wait <= 0 {
		return true
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.done:
		return false
	}
}

// writeLoop writes forwarded frames until the consumer closes downstream.
// Write errors are logged once; remaining frames are discarded so the filter
// never blocks on a broken output.
func (c *Connection) writeLoop(downstream <-chan audio.Frame, w io.Writer, closeOut func()) {
	defer close(c.writerDone)
	defer closeOut()

	var failed bool
	for frame := range downstream {
		if failed {
			continue
		}
		if _, err := w.Write(frame.Data); err != nil {
			slog.Warn("pcm: write output, discarding remaining frames", "err", err)
			failed = true
		}
	}
}
