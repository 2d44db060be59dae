package emit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/vadscribe/internal/emit"
	"github.com/MrWong99/vadscribe/internal/segment"
	"github.com/MrWong99/vadscribe/pkg/audio"
)

func testSegment() *segment.Segment {
	return &segment.Segment{
		Data:      make([]byte, 640),
		Frames:    2,
		Timestamp: 12 * time.Second,
		Duration:  40 * time.Millisecond,
		Seq:       3,
	}
}

// ─── NewEvent ────────────────────────────────────────────────────────────────

func TestNewEvent(t *testing.T) {
	t.Parallel()

	tl := audio.Timeline{Start: 10 * time.Second, Base: 2 * time.Second, Time: 100 * time.Second}
	e, ok := emit.NewEvent("mic", tl, testSegment(), "hello there")
	if !ok {
		t.Fatal("NewEvent returned false for non-empty text")
	}
	want := emit.Event{
		Type:        emit.MessageName,
		Stream:      "mic",
		Seq:         3,
		Timestamp:   12 * time.Second,
		StreamTime:  102 * time.Second,
		RunningTime: 4 * time.Second,
		Duration:    40 * time.Millisecond,
		Text:        "hello there",
	}
	if e != want {
		t.Errorf("event = %+v\nwant   %+v", e, want)
	}
}

func TestNewEvent_EmptyText(t *testing.T) {
	t.Parallel()

	if _, ok := emit.NewEvent("mic", audio.Timeline{}, testSegment(), ""); ok {
		t.Error("NewEvent must not build an event for empty text")
	}
	if _, ok := emit.NewEvent("mic", audio.Timeline{}, nil, "x"); ok {
		t.Error("NewEvent must not build an event without a segment")
	}
}

func TestNewEvent_UnknownTimestamp(t *testing.T) {
	t.Parallel()

	seg := testSegment()
	seg.Timestamp = audio.NoTimestamp
	e, _ := emit.NewEvent("mic", audio.Timeline{}, seg, "x")
	if e.StreamTime != audio.NoTimestamp || e.RunningTime != audio.NoTimestamp {
		t.Errorf("stream/running time = %v/%v, want -1/-1", e.StreamTime, e.RunningTime)
	}
	if !strings.Contains(e.String(), "?+") {
		t.Errorf("String() = %q, want unknown time marker", e.String())
	}
}

func TestEvent_JSONFieldNames(t *testing.T) {
	t.Parallel()

	e, _ := emit.NewEvent("mic", audio.Timeline{}, testSegment(), "hi")
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, key := range []string{"type", "stream", "seq", "timestamp", "stream-time", "running-time", "duration", "text"} {
		if _, ok := m[key]; !ok {
			t.Errorf("JSON missing %q: %s", key, data)
		}
	}
	if m["timestamp"].(float64) != float64(12*time.Second) {
		t.Errorf("timestamp = %v, want nanoseconds", m["timestamp"])
	}
}

// ─── publishers ──────────────────────────────────────────────────────────────

func TestJSONPublisher(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := emit.NewJSONPublisher(&buf)
	e, _ := emit.NewEvent("a", audio.Timeline{}, testSegment(), "one")
	p.Publish(context.Background(), e)
	e.Text = "two"
	p.Publish(context.Background(), e)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), buf.String())
	}
	var got emit.Event
	if err := json.Unmarshal([]byte(lines[1]), &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Text != "two" || got.Stream != "a" {
		t.Errorf("decoded %+v", got)
	}
}

func TestLogPublisher(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := &emit.LogPublisher{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	e, _ := emit.NewEvent("mic", audio.Timeline{}, testSegment(), "hello")
	p.Publish(context.Background(), e)

	out := buf.String()
	for _, want := range []string{"msg=transcription", "stream=mic", "seq=3", "text=hello"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestMulti(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var order []string
	rec := func(name string) emit.Publisher {
		return emit.PublisherFunc(func(_ context.Context, e emit.Event) {
			mu.Lock()
			order = append(order, name+":"+e.Text)
			mu.Unlock()
		})
	}
	m := emit.Multi{rec("a"), nil, rec("b")}
	m.Publish(context.Background(), emit.Event{Text: "x"})
	if strings.Join(order, ",") != "a:x,b:x" {
		t.Errorf("order = %v", order)
	}
}

func TestReplyPublisher(t *testing.T) {
	t.Parallel()

	var got []any
	r := emit.ReplyPublisher(func(_ context.Context, msg any) error {
		got = append(got, msg)
		return errors.New("client gone")
	})
	r.Publish(context.Background(), emit.Event{Text: "x"})
	if len(got) != 1 {
		t.Fatalf("reply called %d times, want 1", len(got))
	}
	if e, ok := got[0].(emit.Event); !ok || e.Text != "x" {
		t.Errorf("reply got %#v", got[0])
	}

	var nilReply emit.ReplyPublisher
	nilReply.Publish(context.Background(), emit.Event{}) // must not panic
}

// ─── Bus ─────────────────────────────────────────────────────────────────────

func TestBus_FanOutAndFilter(t *testing.T) {
	t.Parallel()

	b := emit.NewBus()
	all, cancelAll := b.Subscribe(nil, 4)
	defer cancelAll()
	onlyB, cancelB := b.Subscribe(emit.StreamFilter("b"), 4)
	defer cancelB()

	ctx := context.Background()
	b.Publish(ctx, emit.Event{Stream: "a", Text: "1"})
	b.Publish(ctx, emit.Event{Stream: "b", Text: "2"})

	if e := <-all; e.Text != "1" {
		t.Errorf("all[0] = %q, want 1", e.Text)
	}
	if e := <-all; e.Text != "2" {
		t.Errorf("all[1] = %q, want 2", e.Text)
	}
	if e := <-onlyB; e.Text != "2" {
		t.Errorf("onlyB[0] = %q, want 2", e.Text)
	}
	select {
	case e := <-onlyB:
		t.Errorf("unexpected event for filtered subscriber: %+v", e)
	default:
	}
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()

	b := emit.NewBus()
	ch, cancel := b.Subscribe(nil, 1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for range 10 {
			b.Publish(context.Background(), emit.Event{Text: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if len(ch) != 1 {
		t.Errorf("buffered = %d, want 1", len(ch))
	}
}

func TestBus_Cancel(t *testing.T) {
	t.Parallel()

	b := emit.NewBus()
	ch, cancel := b.Subscribe(nil, 0)
	if b.Subscribers() != 1 {
		t.Fatalf("Subscribers = %d, want 1", b.Subscribers())
	}
	cancel()
	cancel()
	if b.Subscribers() != 0 {
		t.Errorf("Subscribers after cancel = %d, want 0", b.Subscribers())
	}
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
	b.Publish(context.Background(), emit.Event{Text: "late"}) // no panic on closed channel
}
