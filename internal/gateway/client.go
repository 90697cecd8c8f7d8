package gateway

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/al-how/claude-conductor/pkg/protocol"
)

// wsClient is one /ws subscriber. Frames fan in over a buffered channel;
// a reader that falls behind loses frames instead of blocking the bus.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan protocol.EventFrame
	done chan struct{}
	once sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan protocol.EventFrame, 64),
		done: make(chan struct{}),
	}
}

// SendEvent queues a telemetry frame for delivery. Safe to call after Close.
func (c *wsClient) SendEvent(name string, payload map[string]any) {
	select {
	case <-c.done:
	case c.send <- *protocol.NewEvent(name, payload):
	default:
		slog.Debug("ws client lagging, frame dropped", "id", c.id, "event", name)
	}
}

// Run pumps queued frames to the connection and blocks until the peer
// goes away. Inbound messages are discarded; the feed is one-way.
func (c *wsClient) Run() {
	go c.writeLoop()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}

// Close tears down the connection. Idempotent.
func (c *wsClient) Close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
