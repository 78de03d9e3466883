// Package hub fans session events out to websocket clients and keeps the
// latest reading for HTTP polling.
package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/NotCoffee418/p1reader/pkg/p1"
	"github.com/NotCoffee418/p1reader/pkg/telegram"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeTimeout = 5 * time.Second
	// queueSize events may wait per client before it is dropped as too slow.
	queueSize = 32
)

// client owns its connection's writes; the hub only enqueues.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// writeLoop ends when the hub closes send.
func (c *client) writeLoop(h *Hub) {
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug().Err(err).Msg("Dropping websocket client")
			h.remove(c)
		}
	}
}

type Hub struct {
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]*client

	latestMu sync.RWMutex
	latest   *telegram.Telegram
}

func New(logger zerolog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins, the API is meant for the local network
			},
		},
		logger:  logger,
		clients: make(map[*websocket.Conn]*client),
	}
}

// Listen is a p1.Listener: it caches readings and broadcasts every event.
func (h *Hub) Listen(e p1.Event) {
	if e.Kind == p1.EventReading {
		h.latestMu.Lock()
		h.latest = e.Telegram
		h.latestMu.Unlock()
	}
	h.Broadcast(e)
}

func (h *Hub) Latest() *telegram.Telegram {
	h.latestMu.RLock()
	defer h.latestMu.RUnlock()
	return h.latest
}

func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Broadcast queues e for every client without waiting on the network.
// A client whose queue is full is disconnected.
func (h *Hub) Broadcast(e p1.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error().Err(err).Str("event", e.Kind.String()).Msg("Error marshaling event")
		return
	}

	var slow []*client
	h.clientsMu.RLock()
	for _, c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.clientsMu.RUnlock()

	for _, c := range slow {
		h.logger.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("Websocket client too slow, disconnecting")
		h.remove(c)
	}
}

func (h *Hub) add(c *client) {
	h.clientsMu.Lock()
	h.clients[c.conn] = c
	h.clientsMu.Unlock()
}

// remove may be called more than once for the same client.
func (h *Hub) remove(c *client) {
	h.clientsMu.Lock()
	if _, ok := h.clients[c.conn]; ok {
		delete(h.clients, c.conn)
		close(c.send)
	}
	h.clientsMu.Unlock()
	c.conn.Close()
}

// ServeWS upgrades the request and streams events until the client leaves.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, queueSize)}

	// Send current reading immediately if available
	if latest := h.Latest(); latest != nil {
		if data, err := json.Marshal(p1.Event{Kind: p1.EventReading, Telegram: latest}); err == nil {
			c.send <- data
		}
	}
	h.add(c)
	go c.writeLoop(h)

	// Keep connection alive
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(c)
			return
		}
	}
}

// ServeLatest writes the last reading as JSON, or 404 before the first one.
func (h *Hub) ServeLatest(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	latest := h.Latest()
	if latest == nil {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "No readings available yet",
		})
		return
	}
	json.NewEncoder(w).Encode(latest)
}
