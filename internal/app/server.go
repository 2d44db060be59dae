package app

import (
	"context"
	"net/http"
	"time"

	ws "github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/vadscribe/internal/emit"
	"github.com/MrWong99/vadscribe/internal/health"
	"github.com/MrWong99/vadscribe/internal/observe"
	"github.com/MrWong99/vadscribe/pkg/audio/websocket"
)

// EventsPath is the websocket route streaming transcription events.
const EventsPath = "/v1/events"

// eventWriteTimeout bounds delivery of one event to a subscriber.
const eventWriteTimeout = 5 * time.Second

// Handler returns the HTTP handler serving health checks, Prometheus
// metrics, the event stream and, for the websocket source, audio ingest.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	health.New(health.EngineChecker(a.dispatcher.Engine)).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET "+EventsPath, a.handleEvents)

	if wp, ok := a.source.(*websocket.Platform); ok {
		mux.Handle("GET "+websocket.StreamPath, wp.Handler())
	}

	return observe.Middleware(a.metrics)(mux)
}

// handleEvents upgrades the request and forwards bus events as JSON text
// messages until the client leaves or the server stops. The "stream" query
// parameter restricts the feed to one stream.
func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Accept(w, r, nil)
	if err != nil {
		// Accept already wrote the HTTP error response.
		return
	}
	defer conn.CloseNow()

	var match func(emit.Event) bool
	if id := r.URL.Query().Get("stream"); id != "" {
		match = emit.StreamFilter(id)
	}
	events, cancel := a.bus.Subscribe(match, 0)
	defer cancel()

	log := observe.Logger(r.Context())
	log.Debug("app: event subscriber connected", "stream", r.URL.Query().Get("stream"))

	// Clients never send; CloseRead handles their close frame.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusGoingAway, "server shutting down")
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(ctx, conn, e); err != nil {
				log.Debug("app: event subscriber gone", "err", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *ws.Conn, e emit.Event) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, e)
}
