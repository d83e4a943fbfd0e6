package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// conn wraps one live websocket connection. Writes are serialized; gorilla
// permits at most one concurrent writer.
type conn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func newConn(id string, ws *websocket.Conn, writeTimeout time.Duration) *conn {
	return &conn{
		id:           id,
		ws:           ws,
		writeTimeout: writeTimeout,
	}
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.ws.Close()
}
