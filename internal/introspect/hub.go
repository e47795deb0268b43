// Package introspect exposes the manager's observer contract to local
// command-line clients over HTTP, plus a websocket feed of state-change
// events for modulectl's watch mode.
//
// Grounded on 4nonX-D-PlaneOS's internal/handlers (gorilla/mux route
// registration) and internal/websocket.MonitorHub (the
// register/unregister/broadcast channel hub, carried over verbatim in
// shape since it is already exactly the "broadcast instance state changes
// to N local CLI watchers" problem this surface has).
package introspect

import (
	"time"

	"github.com/gorilla/websocket"

	log "github.com/fpemud/selfnetd/pkg/minilog"
)

// Event is one state-change notice broadcast to watchers.
type Event struct {
	Type      string      `json:"type"` // "state" or "workstate"
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Hub fans out Events to every connected websocket watcher.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
}

// NewHub builds a Hub; call Run in its own goroutine before use.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run is the hub's event loop; it owns the clients map exclusively, so no
// locking is needed around it.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.Close()
			}

		case ev := <-h.broadcast:
			for c := range h.clients {
				if err := c.WriteJSON(ev); err != nil {
					log.Debug("introspect: websocket write: %v", err)
					c.Close()
					delete(h.clients, c)
				}
			}
		}
	}
}

func (h *Hub) Register(c *websocket.Conn)   { h.register <- c }
func (h *Hub) Unregister(c *websocket.Conn) { h.unregister <- c }

// Broadcast enqueues ev for delivery to every watcher; it never blocks the
// caller (the manager's loop goroutine).
func (h *Hub) Broadcast(ev Event) {
	select {
	case h.broadcast <- ev:
	default:
		log.Warn("introspect: broadcast channel full, dropping %s event", ev.Type)
	}
}
