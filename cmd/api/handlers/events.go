package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/lyzr/mediacache/common/events"
	"github.com/lyzr/mediacache/common/logger"
)

// EventsHandler bridges pub/sub channels to browsers over SSE and WebSocket.
// Every stream owns one subscription and releases it when the client goes away.
type EventsHandler struct {
	subscriber *events.Subscriber
	heartbeat  time.Duration
	upgrader   websocket.Upgrader
	log        *logger.Logger

	done     chan struct{}
	doneOnce sync.Once
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(subscriber *events.Subscriber, heartbeat time.Duration, log *logger.Logger) *EventsHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &EventsHandler{
		subscriber: subscriber,
		heartbeat:  heartbeat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Events carry ids and flags only and there is no auth, so any origin may listen
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:  log,
		done: make(chan struct{}),
	}
}

// Close ends every open stream; call it when the server starts shutting down
func (h *EventsHandler) Close() {
	h.doneOnce.Do(func() { close(h.done) })
}

// Stream serves Server-Sent Events
// GET /api/events/:channel
func (h *EventsHandler) Stream(c echo.Context) error {
	channel := c.Param("channel")
	ctx := c.Request().Context()

	sub, err := h.subscriber.Subscribe(ctx, channel)
	if err != nil {
		return err
	}
	defer sub.Close()

	log := h.log.WithContext(ctx).With("channel", channel, "remote_ip", c.RealIP())
	log.Info("sse client connected")

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache, no-transform")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, connectedEvent(channel)); err != nil {
		return nil
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("sse client disconnected")
			return nil

		case <-h.done:
			return nil

		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			if err := writeSSE(w, msg); err != nil {
				log.Debug("sse write failed", "error", err)
				return nil
			}

		case <-ticker.C:
			if _, err := w.Write([]byte(":heartbeat\n\n")); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}

// writeSSE writes payload as one event. Payloads are single-line JSON; a stray newline
// would otherwise end the event early, so each line gets its own data: field.
func writeSSE(w *echo.Response, payload []byte) error {
	var buf bytes.Buffer
	for _, line := range bytes.Split(payload, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')

	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	w.Flush()
	return nil
}

func connectedEvent(channel string) []byte {
	body, _ := json.Marshal(events.Event{
		Type:      events.TypeConnected,
		EntityID:  channel,
		Success:   true,
		Timestamp: time.Now().UTC(),
	})
	return body
}
