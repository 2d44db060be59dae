package websocket_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/vadscribe/pkg/audio"
	audiows "github.com/MrWong99/vadscribe/pkg/audio/websocket"
	"github.com/coder/websocket"
)

// ─── test helpers ─────────────────────────────────────────────────────────────

func startServer(t *testing.T, p *audiows.Platform) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(p.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + audiows.StreamPath + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func nextStream(t *testing.T, conn audio.Connection) audio.Stream {
	t.Helper()
	select {
	case s, ok := <-conn.Streams():
		if !ok {
			t.Fatal("stream channel closed")
		}
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for stream")
		return audio.Stream{}
	}
}

// ─── tests ────────────────────────────────────────────────────────────────────

func TestStream_FramesRepliesAndClose(t *testing.T) {
	t.Parallel()

	p := audiows.New()
	conn, err := p.Connect(context.Background(), "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Disconnect()
	srv := startServer(t, p)

	client := dial(t, srv, "?rate=48000&channels=2&id=mic-1")
	s := nextStream(t, conn)

	if s.ID != "mic-1" {
		t.Errorf("ID = %q, want mic-1", s.ID)
	}
	if s.Format != (audio.Format{SampleRate: 48000, Channels: 2}) {
		t.Errorf("Format = %s, want 48000Hz stereo", s.Format)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for range 2 {
		if err := client.Write(ctx, websocket.MessageBinary, make([]byte, 3840)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := client.Write(ctx, websocket.MessageText, []byte(`{"type":"eos"}`)); err != nil {
		t.Fatalf("Write eos: %v", err)
	}

	var frames []audio.Frame
	for f := range s.Frames {
		frames = append(frames, f)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[1].Timestamp != 20*time.Millisecond {
		t.Errorf("second frame timestamp = %v, want 20ms", frames[1].Timestamp)
	}

	if err := s.Reply(ctx, map[string]string{"text": "hello"}); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	close(s.Downstream)

	typ, data, err := client.Read(ctx)
	if err != nil {
		t.Fatalf("Read reply: %v", err)
	}
	if typ != websocket.MessageText {
		t.Errorf("reply type = %v, want text", typ)
	}
	var got map[string]string
	if err := json.Unmarshal(data, &got); err != nil || got["text"] != "hello" {
		t.Errorf("reply = %s, want {\"text\":\"hello\"}", data)
	}

	_, _, err = client.Read(ctx)
	if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure {
		t.Errorf("close status = %v (err %v), want normal closure", status, err)
	}
}

func TestStream_Echo(t *testing.T) {
	t.Parallel()

	p := audiows.New(audiows.WithEcho(true))
	conn, _ := p.Connect(context.Background(), "")
	defer conn.Disconnect()
	srv := startServer(t, p)

	client := dial(t, srv, "")
	s := nextStream(t, conn)
	if s.ID == "" {
		t.Error("expected generated stream ID")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	payload := []byte{1, 2, 3, 4}
	if err := client.Write(ctx, websocket.MessageBinary, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f := <-s.Frames
	s.Downstream <- f

	typ, data, err := client.Read(ctx)
	if err != nil {
		t.Fatalf("Read echo: %v", err)
	}
	if typ != websocket.MessageBinary || string(data) != string(payload) {
		t.Errorf("echo = %v %v, want binary %v", typ, data, payload)
	}
	close(s.Downstream)
}

func TestHandler_Rejections(t *testing.T) {
	t.Parallel()

	p := audiows.New()
	srv := startServer(t, p)

	resp, err := http.Get(srv.URL + audiows.StreamPath)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status before Connect = %d, want 503", resp.StatusCode)
	}

	conn, _ := p.Connect(context.Background(), "")
	defer conn.Disconnect()

	resp, err = http.Get(srv.URL + audiows.StreamPath + "?rate=abc")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status for bad rate = %d, want 400", resp.StatusCode)
	}
}

func TestConnect_Lifecycle(t *testing.T) {
	t.Parallel()

	p := audiows.New()
	conn, err := p.Connect(context.Background(), "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := p.Connect(context.Background(), ""); !errors.Is(err, audiows.ErrAlreadyConnected) {
		t.Errorf("second Connect err = %v, want ErrAlreadyConnected", err)
	}

	if err := conn.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := conn.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if _, ok := <-conn.Streams(); ok {
		t.Error("Streams should be closed after Disconnect")
	}

	again, err := p.Connect(context.Background(), "")
	if err != nil {
		t.Fatalf("Connect after Disconnect: %v", err)
	}
	_ = again.Disconnect()
}

func TestDisconnect_EndsOpenStreams(t *testing.T) {
	t.Parallel()

	p := audiows.New()
	conn, _ := p.Connect(context.Background(), "")
	srv := startServer(t, p)

	dial(t, srv, "")
	s := nextStream(t, conn)

	_ = conn.Disconnect()

	select {
	case _, ok := <-s.Frames:
		if ok {
			t.Error("unexpected frame")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Frames not closed after Disconnect")
	}
	close(s.Downstream)
}
