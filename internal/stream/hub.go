// Package stream fans bot events out to WebSocket subscribers: price
// ticks, strategy signals, executed trades, and portfolio snapshots. The
// hub owns client registration and topic routing; the stream publishers
// feed it. A slow or broken client is evicted, never waited on.
package stream

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"equities-bot/pkg/types"
)

// Topics every client is subscribed to on accept.
const (
	TopicPrices    = "price_updates"
	TopicSignals   = "signals"
	TopicTrades    = "trades"
	TopicPortfolio = "portfolio"
)

var allTopics = []string{TopicPrices, TopicSignals, TopicTrades, TopicPortfolio}

const (
	defaultMaxConnections = 100
	broadcastBuffer       = 256
	clientSendBuffer      = 256
)

type outbound struct {
	topic   string
	payload []byte
}

// Hub routes topic broadcasts to registered clients.
type Hub struct {
	maxConnections int
	logger         *slog.Logger

	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound
	done       chan struct{}

	mu      sync.RWMutex
	clients map[uuid.UUID]*Client
}

// NewHub builds a hub; Run must be started for it to route anything.
func NewHub(maxConnections int, logger *slog.Logger) *Hub {
	if maxConnections <= 0 {
		maxConnections = defaultMaxConnections
	}
	return &Hub{
		maxConnections: maxConnections,
		logger:         logger.With("component", "ws_hub"),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan outbound, broadcastBuffer),
		done:           make(chan struct{}),
		clients:        make(map[uuid.UUID]*Client),
	}
}

// Run is the hub's routing loop. Returns when Close is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for id, c := range h.clients {
				delete(h.clients, id)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", "client_id", c.id, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// Close stops the routing loop and disconnects every client.
func (h *Hub) Close() {
	close(h.done)
}

// Accept registers a connection-backed client. Returns a capacity error
// when the hub is full; the caller owns closing the connection then.
func (h *Hub) Accept(conn wsConn) (*Client, error) {
	c := newClient(h, conn)
	if err := h.add(c); err != nil {
		return nil, err
	}
	c.start()
	return c, nil
}

// add registers a client, enforcing the connection cap.
func (h *Hub) add(c *Client) error {
	h.mu.Lock()
	if len(h.clients) >= h.maxConnections {
		h.mu.Unlock()
		return types.Errorf(types.KindCapacity, "stream.accept",
			"connection limit %d reached", h.maxConnections)
	}
	h.mu.Unlock()

	select {
	case h.register <- c:
		return nil
	case <-h.done:
		return types.Errorf(types.KindUnavailable, "stream.accept", "hub closed")
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	n := len(h.clients)
	h.mu.Unlock()

	close(c.send)
	h.logger.Info("client disconnected", "client_id", c.id, "clients", n)
}

// Broadcast marshals payload once and queues it for every subscriber of
// topic. Never blocks; a full hub queue drops the message with a warning.
func (h *Hub) Broadcast(topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("marshal broadcast", "topic", topic, "error", err)
		return
	}
	select {
	case h.broadcast <- outbound{topic: topic, payload: data}:
	default:
		h.logger.Warn("broadcast queue full, dropping message", "topic", topic)
	}
}

// deliver fans one message out. Subscribers are snapshotted under the read
// lock; a client that cannot take the message is evicted so one bad
// connection never stalls the rest.
func (h *Hub) deliver(msg outbound) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.subscribed(msg.topic) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- msg.payload:
		default:
			h.logger.Warn("client send buffer full, evicting",
				"client_id", c.id, "topic", msg.topic)
			h.removeClient(c)
		}
	}
}

// ClientCount reports the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
