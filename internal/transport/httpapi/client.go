package httpapi

import (
	"time"

	"github.com/gorilla/websocket"

	"vitalwatch/internal/notifier"
	logx "vitalwatch/pkg/logx"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	maxMessageSize = 512
)

// client is one websocket connection. The hub owns send and closes it
// when the client is dropped.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	remote string
	log    logx.Logger

	// seen holds the status each message had in the history frame. Owned
	// by the hub goroutine.
	seen map[int64]notifier.Status
}

// readPump drains control frames and detects disconnects. The feed is
// server-to-client only, so data frames are ignored.
func (c *client) readPump() {
	defer func() {
		c.hub.detach(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Debug("websocket read failed", logx.String("remote", c.remote), logx.Err(err))
			}
			return
		}
	}
}

// writePump sends one frame per websocket message and pings on idle.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("websocket write failed", logx.String("remote", c.remote), logx.Err(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
