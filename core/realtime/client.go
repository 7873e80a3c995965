package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ml-orchestrator/core/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Transport is the duplex connection under a Client. *websocket.Conn
// satisfies it.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

var _ Transport = (*websocket.Conn)(nil)

// Client is one live connection of an identity
type Client struct {
	ID     string
	UserID string
	Role   string

	conn     Transport
	registry *Registry
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

func newClient(reg *Registry, conn Transport, id Identity) *Client {
	return &Client{
		ID:       uuid.NewString(),
		UserID:   id.UserID,
		Role:     id.Role,
		conn:     conn,
		registry: reg,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
}

// Send queues msg for delivery. It reports false when the connection is
// closed or too far behind to accept more.
func (c *Client) Send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		logger.Warnf("send buffer of connection %s (user %s) is full; dropping message", c.ID, c.UserID)
		return false
	}
}

// Close unregisters the client and stops its pumps
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		c.registry.Remove(c)
	})
}

// Done is closed once the client is closed
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) sendJSON(v interface{}) bool {
	msg, err := json.Marshal(v)
	if err != nil {
		logger.Errorf("failed to encode message for connection %s: %v", c.ID, err)
		return false
	}
	return c.Send(msg)
}

// writePump owns all writes to the transport
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debugf("write to connection %s failed: %v", c.ID, err)
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// inbound is a client protocol message
type inbound struct {
	Type     string   `json:"type"`
	Action   string   `json:"action"`
	Channel  string   `json:"channel"`
	Channels []string `json:"channels"`
}

// readPump reads until the transport fails, answering protocol messages
func (c *Client) readPump() {
	defer c.Close()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warnf("connection %s of user %s closed unexpectedly: %v", c.ID, c.UserID, err)
			}
			return
		}
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Warnf("invalid message from user %s: %v", c.UserID, err)
		c.sendJSON(map[string]interface{}{"type": "error", "message": "invalid message"})
		return
	}
	kind := msg.Type
	if kind == "" {
		kind = msg.Action
	}
	now := c.registry.now()

	switch kind {
	case "ping":
		c.sendJSON(map[string]interface{}{"type": "pong", "timestamp": now})
	case "subscribe", "unsubscribe":
		channels := msg.Channels
		if msg.Channel != "" {
			channels = append(channels, msg.Channel)
		}
		logger.Debugf("user %s %sd to %v", c.UserID, kind, channels)
		c.sendJSON(map[string]interface{}{"type": kind + "d", "channels": channels, "timestamp": now})
	case "get_stats":
		c.sendJSON(map[string]interface{}{"type": "stats", "stats": c.registry.Stats(), "timestamp": now})
	default:
		logger.Warnf("unknown message type %q from user %s", kind, c.UserID)
		c.sendJSON(map[string]interface{}{"type": "error", "message": "unknown message type"})
	}
}
