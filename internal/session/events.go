package session

import (
	"log/slog"

	"github.com/ashureev/study-gate/internal/domain"
)

// Event types streamed to live clients.
const (
	EventState   = "state"
	EventMessage = "message"
)

// Event is a change inside a session.
type Event struct {
	Type     string              `json:"type"`
	DeviceID string              `json:"device_id"`
	State    domain.AppState     `json:"state,omitempty"`
	Previous domain.AppState     `json:"previous,omitempty"`
	Message  *domain.ChatMessage `json:"message,omitempty"`
}

// Listener receives session events. It runs while the session is locked
// and must not call back into the session.
type Listener func(Event)

// Subscribe registers fn and returns a function that removes it.
func (s *Session) Subscribe(fn Listener) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// emit must be called with s.mu held.
func (s *Session) emit(ev Event) {
	for _, fn := range s.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Session listener failed", "device_id", s.deviceID, "event", ev.Type, "panic", r)
				}
			}()
			fn(ev)
		}()
	}
}
