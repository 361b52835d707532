package api

import (
	"context"
	"net/http"
	"time"

	"github.com/goodtune/loopsync/internal/metrics"
	"github.com/goodtune/loopsync/internal/storage"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	eventsWriteWait  = 10 * time.Second
	eventsPingPeriod = 30 * time.Second
)

// Subscriber opens change subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context) (storage.Subscription, error)
}

// EventsHandler streams store changes over WebSocket.
type EventsHandler struct {
	store    Subscriber
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewEventsHandler creates a new events handler. Origins are checked by the
// CORS layer in front of the router.
func NewEventsHandler(store Subscriber, logger zerolog.Logger) *EventsHandler {
	return &EventsHandler{
		store: store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.With().Str("handler", "events").Logger(),
	}
}

// Stream upgrades the connection and forwards every change as a JSON text
// message until either side goes away.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sub, err := h.store.Subscribe(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to subscribe to changes")
		writeError(w, http.StatusServiceUnavailable, "Change stream unavailable")
		return
	}
	defer func() { _ = sub.Close() }()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	metrics.EventStreams.Inc()
	defer metrics.EventStreams.Dec()

	h.logger.Debug().Str("remote_addr", r.RemoteAddr).Msg("Event stream connected")

	// Drain incoming messages (pong, close frames) without blocking.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			h.logger.Debug().Str("remote_addr", r.RemoteAddr).Msg("Event stream disconnected")
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWriteWait)); err != nil {
				return
			}
		case e, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "change stream closed"),
					time.Now().Add(eventsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}
}
