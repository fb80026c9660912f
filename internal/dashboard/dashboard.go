// Package dashboard implements a live WebSocket telemetry hub: a single
// broadcaster that ticks once a second and pushes a kernel snapshot to
// every connected client, the way a single metrics hub avoids N duplicate
// tickers across clients.
package dashboard

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxConnections = 200

// Snapshot is the JSON payload pushed to every connected client.
type Snapshot struct {
	TickCount         uint64 `json:"tick_count"`
	SystemState       string `json:"system_state"`
	LastDecisionTask  int    `json:"last_decision_task"`
	LastJitterNs      int64  `json:"last_jitter_ns"`
	WorstCaseJitterNs int64  `json:"worst_case_jitter_ns"`
	ActiveTaskCount   int    `json:"active_task_count"`
	LastFaultType     string `json:"last_fault_type,omitempty"`
	LastFaultTaskID   int    `json:"last_fault_task_id,omitempty"`
}

// SnapshotFunc produces the current snapshot on demand; the kernel package
// supplies this without the dashboard needing to import it directly.
type SnapshotFunc func() Snapshot

// Hub manages WebSocket connections and broadcasts snapshots.
type Hub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	snapshot   SnapshotFunc
}

// NewHub creates a new dashboard hub backed by the given snapshot source.
func NewHub(snapshot SnapshotFunc) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		snapshot:   snapshot,
	}
}

// Run starts the hub's broadcast loop; it returns when ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

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
				log.Printf("[DASHBOARD] connection rejected: max connections (%d) reached", maxConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			h.mu.Unlock()
			log.Printf("[DASHBOARD] client registered, total %d", h.ClientCount())

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
			log.Printf("[DASHBOARD] client unregistered, total %d", h.ClientCount())

		case <-ticker.C:
			h.broadcast()
		}
	}
}

func (h *Hub) broadcast() {
	snap := h.snapshot()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(snap); err != nil {
			log.Printf("[DASHBOARD] write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	log.Printf("[DASHBOARD] shutting down with %d clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// Register adds a new client connection.
func (h *Hub) Register(conn *websocket.Conn) { h.register <- conn }

// Unregister removes a client connection.
func (h *Hub) Unregister(conn *websocket.Conn) { h.unregister <- conn }

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
