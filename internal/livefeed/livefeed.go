// Package livefeed pushes dispatcher state to dashboard clients over
// websocket. Browsers viewing the admin dashboard can be pushed to, unlike
// the workers, so this is the one real push channel in the system.
package livefeed

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"inference-bridge/internal/jobstore"
	"inference-bridge/internal/registry"
)

// Manager manages dashboard websocket connections and broadcasts.
type Manager struct {
	clients   map[*websocket.Conn]bool
	clientsMu sync.Mutex
	jobs      *jobstore.Store
	workers   *registry.Registry
	recents   int
}

// New creates a livefeed manager. recents bounds the job list in each
// update.
func New(jobs *jobstore.Store, workers *registry.Registry, recents int) *Manager {
	return &Manager{
		clients: make(map[*websocket.Conn]bool),
		jobs:    jobs,
		workers: workers,
		recents: recents,
	}
}

// AddClient adopts a new dashboard connection.
func (m *Manager) AddClient(conn *websocket.Conn) {
	m.clientsMu.Lock()
	m.clients[conn] = true
	total := len(m.clients)
	m.clientsMu.Unlock()

	log.Printf("[WEBSOCKET] Client connected. Total clients: %d", total)

	m.sendUpdate(conn)

	go func() {
		defer func() {
			m.clientsMu.Lock()
			delete(m.clients, conn)
			remaining := len(m.clients)
			m.clientsMu.Unlock()
			conn.Close()
			log.Printf("[WEBSOCKET] Client disconnected. Total clients: %d", remaining)
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// Broadcast sends the current dispatcher state to all connected clients.
func (m *Manager) Broadcast() {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()

	for client := range m.clients {
		go m.sendUpdate(client)
	}
}

func (m *Manager) sendUpdate(conn *websocket.Conn) {
	jobs, _ := m.jobs.ListRecent(m.recents)
	metrics, _ := m.jobs.Metrics()
	stats, _ := m.workers.Statistics()
	active, _ := m.workers.ListActive()

	update := map[string]interface{}{
		"jobs":    jobs,
		"metrics": metrics,
		"pool":    stats,
		"workers": active,
	}

	if err := conn.WriteJSON(update); err != nil {
		log.Printf("[ERROR] Failed to send websocket update: %v", err)
	}
}

// ClientCount returns the number of connected dashboard clients.
func (m *Manager) ClientCount() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return len(m.clients)
}
