package controller

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn serializes writes to a websocket shared by the reader loop and the
// room fan-out. Frames written before open are held back so the joining
// client always sees its SUBSCRIBED reply first.
type wsConn struct {
	*websocket.Conn
	writeWait time.Duration

	mu      sync.Mutex
	opened  bool
	pending []any
}

func newWSConn(conn *websocket.Conn, writeWait time.Duration) *wsConn {
	return &wsConn{
		Conn:      conn,
		writeWait: writeWait,
	}
}

func (c *wsConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.opened {
		c.pending = append(c.pending, v)
		return nil
	}

	return c.write(v)
}

// open writes first and then everything queued so far.
func (c *wsConn) open(first any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.write(first); err != nil {
		return err
	}

	for _, v := range c.pending {
		if err := c.write(v); err != nil {
			return err
		}
	}
	c.pending = nil
	c.opened = true

	return nil
}

func (c *wsConn) closeWith(code int, text string) {
	c.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(c.writeWait),
	)
}

func (c *wsConn) write(v any) error {
	c.Conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.Conn.WriteJSON(v)
}
