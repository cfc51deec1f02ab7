// Package monitor broadcasts run-status change events to operator
// dashboard clients over WebSocket. Adapted from the teacher's
// coordinator.Coordinator (coordinator/coordinator.go), which dials out
// as a client to a single upstream socket; this module's monitor feed
// needs the opposite shape — many dashboard clients subscribing to one
// coordinator — so the connMu/sendChan pattern there becomes a broadcast
// hub here: one upgrade handler per incoming client, one buffered send
// channel per client, fan-out instead of a single outbound connection.
package monitor

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Event is one run-status change pushed to every subscribed client.
type Event struct {
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	Kind      string    `json:"kind"` // "run_status", "worker_status"
	WorkerID  string    `json:"worker_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub tracks connected dashboard clients and fans events out to all of
// them; a client whose send buffer is full misses that event rather
// than blocking the broadcaster, and stays connected.
type Hub struct {
	logger *logrus.Entry

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan Event
}

// NewHub builds a broadcast hub. The upgrader sets no CheckOrigin, so
// gorilla/websocket's default same-origin check applies: a request whose
// Origin header names a different host than the request is rejected.
func NewHub(logger *logrus.Entry) *Hub {
	return &Hub{
		logger:   logger,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		clients:  map[*client]struct{}{},
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and registers
// it as a subscriber until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.WithError(err).Warn("monitor: websocket upgrade failed")
		}
		return
	}

	c := &client{conn: conn, send: make(chan Event, 32)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	go h.readLoop(c)
}

// readLoop only exists to detect client disconnects; the dashboard is a
// read-only subscriber and sends nothing back except control frames.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for ev := range c.send {
		if err := c.conn.WriteJSON(ev); err != nil {
			h.remove(c)
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast pushes ev to every connected client, dropping it for any
// client whose buffer is full rather than blocking the coordinator.
func (h *Hub) Broadcast(ev Event) {
	if h.logger != nil {
		h.logger.WithField("event", marshalForLog(ev)).Debug("monitor: broadcasting event")
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			if h.logger != nil {
				h.logger.Warn("monitor: dropping event for slow client")
			}
		}
	}
}

// marshalForLog is used by callers that want to log an event's JSON form
// alongside the broadcast, matching the teacher's habit of logging every
// outbound WSMessage.
func marshalForLog(ev Event) string {
	b, err := json.Marshal(ev)
	if err != nil {
		return ""
	}
	return string(b)
}
