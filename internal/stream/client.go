package stream

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultSendTimeout  = 2 * time.Second
	maxMessageSize      = 4 * 1024
)

// wsConn is the slice of *websocket.Conn the client uses. Narrowed so
// tests can stand in for the socket.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Client is one WebSocket subscriber. Subscriptions cover all topics and
// are fixed for the connection's lifetime.
type Client struct {
	id     uuid.UUID
	hub    *Hub
	conn   wsConn
	send   chan []byte
	topics map[string]bool

	pingInterval time.Duration
	sendTimeout  time.Duration
}

func newClient(h *Hub, conn wsConn) *Client {
	topics := make(map[string]bool, len(allTopics))
	for _, t := range allTopics {
		topics[t] = true
	}
	return &Client{
		id:           uuid.New(),
		hub:          h,
		conn:         conn,
		send:         make(chan []byte, clientSendBuffer),
		topics:       topics,
		pingInterval: defaultPingInterval,
		sendTimeout:  defaultSendTimeout,
	}
}

func (c *Client) subscribed(topic string) bool { return c.topics[topic] }

// ID returns the client's connection id.
func (c *Client) ID() uuid.UUID { return c.id }

func (c *Client) start() {
	go c.writePump()
	go c.readPump()
}

// writePump drains the send buffer to the socket and keeps the connection
// alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.sendTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.sendTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// clientMessage is the only inbound shape the hub understands.
type clientMessage struct {
	Type string `json:"type"`
}

// readPump consumes inbound frames: pings get a pong, anything malformed
// gets an error frame. A read failure unregisters the client.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	pongWait := 2 * c.pingInterval
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueue(errorMessage("malformed message"))
			continue
		}
		if msg.Type == "ping" {
			c.enqueue(pongMessage())
		}
	}
}

// enqueue drops the frame rather than block the read loop.
func (c *Client) enqueue(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
