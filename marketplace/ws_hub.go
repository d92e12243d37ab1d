package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxWSConnections = 200

// SnapshotHub broadcasts the load-balancer snapshot to admin WebSocket
// clients once per second. Single broadcaster so N clients never means N
// tickers.
type SnapshotHub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	stats      *StatsService
}

func NewSnapshotHub(stats *StatsService) *SnapshotHub {
	return &SnapshotHub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		stats:      stats,
	}
}

// Run starts the hub's main loop.
func (h *SnapshotHub) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("[WS] connection rejected: max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("[WS] client registered, total: %d", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("[WS] client unregistered, total: %d", total)

		case <-ticker.C:
			h.broadcast(ctx)
		}
	}
}

func (h *SnapshotHub) broadcast(ctx context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.clients) == 0 {
		return
	}

	snapshot, err := h.stats.Snapshot(ctx)
	if err != nil {
		log.Printf("[WS] collect snapshot: %v", err)
		return
	}

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(snapshot); err != nil {
			log.Printf("[WS] write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *SnapshotHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	log.Printf("[WS] shutting down hub with %d clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
}

func (h *SnapshotHub) Register(conn *websocket.Conn) {
	h.register <- conn
}

func (h *SnapshotHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}
