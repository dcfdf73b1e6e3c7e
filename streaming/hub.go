package streaming

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxHubConnections = 200

// Hub fans deployment events out to websocket clients. A client may filter
// on a single execution id; an empty filter receives everything. A single
// broadcaster goroutine serves all clients.
type Hub struct {
	// clients maps connection to its execution-id filter
	clients    map[*websocket.Conn]string
	register   chan registration
	unregister chan *websocket.Conn
	events     chan Event
	mu         sync.RWMutex
}

type registration struct {
	conn        *websocket.Conn
	executionID string
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		events:     make(chan Event, 64),
	}
}

// Run drives the hub until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxHubConnections {
				h.mu.Unlock()
				reg.conn.Close()
				log.Printf("[hub] connection rejected: max connections (%d) reached", maxHubConnections)
				continue
			}
			h.clients[reg.conn] = reg.executionID
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("[hub] client registered (filter=%q). Total: %d", reg.executionID, total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("[hub] client unregistered. Total: %d", total)

		case event := <-h.events:
			h.deliver(event)
		}
	}
}

func (h *Hub) deliver(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn, filter := range h.clients {
		if filter != "" && filter != event.ExecutionID {
			continue
		}
		// Write deadline keeps a dead connection from stalling the hub.
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(event); err != nil {
			log.Printf("[hub] write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	log.Printf("[hub] shutting down with %d clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
}

// Register adds a client. executionID filters events; empty receives all.
func (h *Hub) Register(conn *websocket.Conn, executionID string) {
	h.register <- registration{conn: conn, executionID: executionID}
}

// Unregister removes a client.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// Broadcast queues an event for delivery. Drops when the hub is saturated
// rather than blocking the pipeline.
func (h *Hub) Broadcast(event Event) {
	select {
	case h.events <- event:
	default:
		log.Printf("[hub] event %s dropped: queue full", event.ID)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
