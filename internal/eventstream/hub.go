// Package eventstream broadcasts coordinator lifecycle events to connected
// WebSocket clients, adapted from the single-broadcaster hub in
// control_plane/ws_hub.go.
package eventstream

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskgate/taskgate/coordinator"
)

const maxConnections = 200

// Event is the wire payload pushed to every connected client.
type Event struct {
	Type      string    `json:"type"` // start, complete, failure, skip, stall_warning
	WorkID    string    `json:"work_id,omitempty"`
	Task      string    `json:"task,omitempty"`
	State     string    `json:"state,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Hub fans out Events to every registered connection. One hub per
// Coordinator; the broadcast loop runs on its own goroutine started by Run.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}

	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan Event
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan Event, 64),
	}
}

// PublishStart, PublishComplete, PublishFailure, PublishSkip, and
// PublishStallWarning turn one coordinator lifecycle event into a
// broadcast Event. They are plain methods rather than a Wire(c) that
// claims the coordinator's lifecycle callback slots outright, because
// each callback kind can only be registered once per Coordinator
// (coordinator/callbacks.go) and cmd/taskgated also needs those same
// slots for internal/telemetry — the caller composes both into the
// single callback it registers.
func (h *Hub) PublishStart(w coordinator.WorkUnit) {
	h.publish(Event{Type: "start", WorkID: w.ID, Task: w.Task, State: string(w.State), At: time.Now()})
}

func (h *Hub) PublishComplete(w coordinator.WorkUnit) {
	h.publish(Event{Type: "complete", WorkID: w.ID, Task: w.Task, State: string(w.State), At: time.Now()})
}

func (h *Hub) PublishFailure(w coordinator.WorkUnit, err error) {
	h.publish(Event{Type: "failure", WorkID: w.ID, Task: w.Task, State: string(w.State), Error: err.Error(), At: time.Now()})
}

func (h *Hub) PublishSkip(w coordinator.WorkUnit) {
	h.publish(Event{Type: "skip", WorkID: w.ID, Task: w.Task, State: string(w.State), At: time.Now()})
}

func (h *Hub) PublishStallWarning() {
	h.publish(Event{Type: "stall_warning", At: time.Now()})
}

func (h *Hub) publish(e Event) {
	select {
	case h.events <- e:
	default:
		log.Printf("eventstream: dropping event, broadcast channel full")
	}
}

// Run drives registration, unregistration, and broadcast until ctx is
// cancelled, mirroring MetricsHub.Run's single select loop.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("eventstream: rejected connection, at capacity (%d)", maxConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
		case e := <-h.events:
			h.broadcast(e)
		}
	}
}

func (h *Hub) broadcast(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		log.Printf("eventstream: marshal error: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Printf("eventstream: write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

func (h *Hub) Register(conn *websocket.Conn)   { h.register <- conn }
func (h *Hub) Unregister(conn *websocket.Conn) { h.unregister <- conn }

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
