// Package livefeed streams stored documents to websocket clients.
package livefeed

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// SendBuffer is the number of documents queued per client before new ones
// are dropped for that client.
const SendBuffer = 64

// Client is one subscriber.
type Client struct {
	Send chan []byte

	dropped atomic.Int64
}

// Dropped returns how many documents this client missed because its
// buffer was full.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// Hub fans documents out to registered clients. Broadcast never blocks.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, clients: map[*Client]struct{}{}}
}

// Register adds a client.
func (h *Hub) Register() *Client {
	c := &Client{Send: make(chan []byte, SendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("livefeed: client registered", "clients", n)
	return c
}

// Unregister removes a client and closes its Send channel. Calling it twice
// is safe.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.Send)
}

// Len returns the number of registered clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues payload for every client whose buffer has room.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.Send <- payload:
		default:
			c.dropped.Add(1)
		}
	}
}
