package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/turnstile/internal/types"
)

// ErrSlowConsumer is returned by Send when the connection's queue is full.
// The connection is closed; the client reconnects and replays from storage.
var ErrSlowConsumer = errors.New("websocket send queue full")

// ErrClosed is returned by Send after the connection has closed.
var ErrClosed = errors.New("websocket closed")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 64 << 10
)

// conn is one authenticated client. It implements broadcast.Conn.
type conn struct {
	id        string
	principal types.Principal
	ws        *websocket.Conn
	send      chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newConn(id string, principal types.Principal, ws *websocket.Conn, queue int) *conn {
	return &conn{
		id:        id,
		principal: principal,
		ws:        ws,
		send:      make(chan []byte, queue),
		done:      make(chan struct{}),
	}
}

func (c *conn) ID() string                 { return c.id }
func (c *conn) Principal() types.Principal { return c.principal }

// Send queues an event frame without blocking.
func (c *conn) Send(event *types.Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return c.enqueue(raw)
}

// reply queues a control frame.
func (c *conn) reply(frame any) {
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_ = c.enqueue(raw)
}

func (c *conn) enqueue(raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- raw:
		return nil
	default:
		c.closeLocked()
		return ErrSlowConsumer
	}
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// writeLoop owns all writes to the socket.
func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case raw := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
