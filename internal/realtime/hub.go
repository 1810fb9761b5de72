// Package realtime streams session events to WebSocket clients.
package realtime

import (
	"log/slog"
	"sync"

	"github.com/ashureev/study-gate/internal/session"
)

const clientQueueSize = 32

// Hub tracks the live connections of every device and fans out session
// events to them.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[string]chan session.Event
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		active: make(map[string]map[string]chan session.Event),
	}
}

// Register adds a client of deviceID and returns its event queue. A client
// registering again under the same id replaces the previous queue, which
// is closed.
func (h *Hub) Register(deviceID, clientID string) <-chan session.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.active[deviceID]; !exists {
		h.active[deviceID] = make(map[string]chan session.Event)
	}
	if existing, exists := h.active[deviceID][clientID]; exists {
		close(existing)
	}

	ch := make(chan session.Event, clientQueueSize)
	h.active[deviceID][clientID] = ch
	slog.Info("Live client registered", "device_id", deviceID, "client_id", clientID)
	return ch
}

// Unregister removes a client if queue is still the current one.
func (h *Hub) Unregister(deviceID, clientID string, queue <-chan session.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.active[deviceID]
	if !ok {
		return
	}
	current, exists := clients[clientID]
	if !exists || (<-chan session.Event)(current) != queue {
		return
	}
	delete(clients, clientID)
	close(current)
	if len(clients) == 0 {
		delete(h.active, deviceID)
	}
	slog.Info("Live client unregistered", "device_id", deviceID, "client_id", clientID)
}

// Publish delivers ev to every client of its device. It never blocks; a
// client with a full queue misses the event.
func (h *Hub) Publish(ev session.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for clientID, ch := range h.active[ev.DeviceID] {
		select {
		case ch <- ev:
		default:
			slog.Warn("Live client queue full, dropping event", "device_id", ev.DeviceID, "client_id", clientID, "event", ev.Type)
		}
	}
}

// Count returns the number of clients of deviceID.
func (h *Hub) Count(deviceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[deviceID])
}

// CloseDevice disconnects every client of deviceID.
func (h *Hub) CloseDevice(deviceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.active[deviceID]
	if !ok {
		return
	}
	for cid, ch := range clients {
		close(ch)
		slog.Info("Live client closed", "device_id", deviceID, "client_id", cid)
	}
	delete(h.active, deviceID)
}
