package handlers

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/lyzr/mediacache/common/events"
	"github.com/lyzr/mediacache/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 30 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 25 * time.Second

	// Clients only send pongs
	maxMessageSize = 512
)

// WebSocket serves the same events as Stream for clients that cannot use SSE
// GET /api/ws/:channel
func (h *EventsHandler) WebSocket(c echo.Context) error {
	channel := c.Param("channel")
	if err := events.ValidateChannel(channel); err != nil {
		return err
	}

	sub, err := h.subscriber.Subscribe(c.Request().Context(), channel)
	if err != nil {
		return err
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already answered the client
		_ = sub.Close()
		h.log.Warn("websocket upgrade failed", "channel", channel, "error", err)
		return nil
	}

	client := &wsClient{
		conn: conn,
		sub:  sub,
		done: h.done,
		log:  h.log.With("channel", channel, "remote_ip", c.RealIP()),
	}
	client.log.Info("websocket client connected")

	go client.writePump(connectedEvent(channel))
	client.readPump()
	return nil
}

type wsClient struct {
	conn *websocket.Conn
	sub  *events.Subscription
	done <-chan struct{}
	log  *logger.Logger
}

// readPump only watches for pongs and disconnects; clients never send data.
// When it returns the subscription is closed, which stops writePump.
func (c *wsClient) readPump() {
	defer func() {
		_ = c.sub.Close()
		_ = c.conn.Close()
		c.log.Info("websocket client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read error", "error", err)
			}
			return
		}
	}
}

// writePump sends one text frame per event plus periodic pings
func (c *wsClient) writePump(first []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	if err := c.write(websocket.TextMessage, first); err != nil {
		return
	}

	for {
		select {
		case msg, ok := <-c.sub.Messages():
			if !ok {
				_ = c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-c.done:
			_ = c.write(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) write(messageType int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}
