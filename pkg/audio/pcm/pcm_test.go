package pcm_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/vadscribe/pkg/audio"
	"github.com/MrWong99/vadscribe/pkg/audio/pcm"
)

// ─── test helpers ─────────────────────────────────────────────────────────────

// onlyStream connects and returns the single stream announced by the source.
func onlyStream(t *testing.T, p *pcm.Platform, target string) (audio.Connection, audio.Stream) {
	t.Helper()
	conn, err := p.Connect(context.Background(), target)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	var streams []audio.Stream
	for s := range conn.Streams() {
		streams = append(streams, s)
	}
	if len(streams) != 1 {
		t.Fatalf("got %d streams, want 1", len(streams))
	}
	return conn, streams[0]
}

// collect reads all frames with a timeout.
func collect(t *testing.T, ch <-chan audio.Frame) []audio.Frame {
	t.Helper()
	var out []audio.Frame
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, f)
		case <-timeout:
			t.Fatal("timed out waiting for end of stream")
			return nil
		}
	}
}

// ─── tests ────────────────────────────────────────────────────────────────────

func TestConnect_RawStdin(t *testing.T) {
	t.Parallel()

	// 50 ms of 16 kHz mono: two full 20 ms frames plus a 10 ms tail.
	raw := make([]byte, 1600)
	p := pcm.New(pcm.WithStdio(bytes.NewReader(raw), nil))
	conn, s := onlyStream(t, p, pcm.StdioTarget)
	defer conn.Disconnect()

	if s.ID != "stdin" {
		t.Errorf("ID = %q, want stdin", s.ID)
	}
	if !s.Format.IsAnalysis() {
		t.Errorf("Format = %s, want analysis format", s.Format)
	}
	if s.Downstream != nil {
		t.Error("Downstream should be nil without an output")
	}

	frames := collect(t, s.Frames)
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	wantTS := []time.Duration{0, 20 * time.Millisecond, 40 * time.Millisecond}
	wantDur := []time.Duration{20 * time.Millisecond, 20 * time.Millisecond, 10 * time.Millisecond}
	for i, f := range frames {
		if f.Timestamp != wantTS[i] {
			t.Errorf("frame %d timestamp = %v, want %v", i, f.Timestamp, wantTS[i])
		}
		if f.Duration != wantDur[i] {
			t.Errorf("frame %d duration = %v, want %v", i, f.Duration, wantDur[i])
		}
	}
}

func TestConnect_WAVFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "speech.wav")
	// 20 ms of 48 kHz stereo.
	if err := os.WriteFile(path, audio.EncodeWAV(make([]byte, 3840), 48000, 2), 0o644); err != nil {
		t.Fatal(err)
	}

	conn, s := onlyStream(t, pcm.New(), path)
	defer conn.Disconnect()

	if s.ID != "speech.wav" {
		t.Errorf("ID = %q, want speech.wav", s.ID)
	}
	if s.Format != (audio.Format{SampleRate: 48000, Channels: 2}) {
		t.Errorf("Format = %s, want 48000Hz stereo", s.Format)
	}
	frames := collect(t, s.Frames)
	if len(frames) != 1 || len(frames[0].Data) != 3840 {
		t.Fatalf("got %d frames, want one 3840-byte frame", len(frames))
	}
}

func TestConnect_PassThroughOutput(t *testing.T) {
	t.Parallel()

	in := make([]byte, 1280)
	for i := range in {
		in[i] = byte(i)
	}
	var out bytes.Buffer
	p := pcm.New(
		pcm.WithStdio(bytes.NewReader(in), &out),
		pcm.WithOutput(pcm.StdioTarget),
	)
	conn, s := onlyStream(t, p, pcm.StdioTarget)
	if s.Downstream == nil {
		t.Fatal("Downstream should be set when an output is configured")
	}

	for f := range s.Frames {
		s.Downstream <- f
	}
	close(s.Downstream)

	if err := conn.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if !bytes.Equal(out.Bytes(), in) {
		t.Errorf("output differs from input (%d vs %d bytes)", out.Len(), len(in))
	}
}

func TestConnect_Errors(t *testing.T) {
	t.Parallel()

	if _, err := pcm.New().Connect(context.Background(), ""); err == nil {
		t.Error("expected error for empty target")
	}
	if _, err := pcm.New().Connect(context.Background(), filepath.Join(t.TempDir(), "missing.pcm")); err == nil {
		t.Error("expected error for missing file")
	}
	bad := pcm.New(pcm.WithStdio(bytes.NewReader(nil), nil), pcm.WithFormat(audio.Format{}))
	if _, err := bad.Connect(context.Background(), pcm.StdioTarget); err == nil {
		t.Error("expected error for invalid raw format")
	}
}

func TestDisconnect_StopsReading(t *testing.T) {
	t.Parallel()

	// Large input; the consumer reads only one frame.
	p := pcm.New(pcm.WithStdio(bytes.NewReader(make([]byte, 1<<20)), nil))
	conn, s := onlyStream(t, p, pcm.StdioTarget)
	<-s.Frames

	if err := conn.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := conn.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	collect(t, s.Frames)
}

func TestConnect_RealtimePacing(t *testing.T) {
	t.Parallel()

	// Five 20 ms frames; the last is due 80 ms after the stream opened.
	path := filepath.Join(t.TempDir(), "replay.pcm")
	if err := os.WriteFile(path, make([]byte, 5*640), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		realtime bool
		check    func(time.Duration) bool
	}{
		{"realtime", true, func(d time.Duration) bool { return d >= 70*time.Millisecond }},
		{"as fast as consumed", false, func(d time.Duration) bool { return d < 70*time.Millisecond }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			start := time.Now()
			conn, s := onlyStream(t, pcm.New(pcm.WithRealtime(tt.realtime)), path)
			defer conn.Disconnect()

			frames := collect(t, s.Frames)
			elapsed := time.Since(start)
			if len(frames) != 5 {
				t.Fatalf("got %d frames, want 5", len(frames))
			}
			if !tt.check(elapsed) {
				t.Errorf("stream took %v (realtime=%v)", elapsed, tt.realtime)
			}
		})
	}
}

func TestDisconnect_InterruptsRealtimeWait(t *testing.T) {
	t.Parallel()

	// One frame per second of 8 kHz audio: the second frame waits a second.
	p := pcm.New(
		pcm.WithStdio(bytes.NewReader(make([]byte, 4*16000)), nil),
		pcm.WithRealtime(true),
		pcm.WithFrameDuration(time.Second),
		pcm.WithFormat(audio.Format{SampleRate: 8000, Channels: 1}),
	)
	conn, s := onlyStream(t, p, pcm.StdioTarget)
	<-s.Frames

	start := time.Now()
	if err := conn.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	collect(t, s.Frames)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("stream ended %v after Disconnect, want promptly", elapsed)
	}
}
