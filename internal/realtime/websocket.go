package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/study-gate/internal/identity"
	"github.com/ashureev/study-gate/internal/session"
	"github.com/ashureev/study-gate/internal/store"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

const writeTimeout = 5 * time.Second

// WebSocketHandler streams the session of the calling device.
type WebSocketHandler struct {
	repo          store.Repository
	registry      *session.Registry
	hub           *Hub
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(repo store.Repository, registry *session.Registry, hub *Hub, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		repo:          repo,
		registry:      registry,
		hub:           hub,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// clientMessage is a message sent by the browser.
type clientMessage struct {
	Type string `json:"type"`
}

// serverMessage wraps everything written to the browser.
type serverMessage struct {
	Type    string         `json:"type"`
	Event   *session.Event `json:"event,omitempty"`
	Session *session.View  `json:"session,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deviceID := identity.DeviceIDFromContext(r.Context())
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" || !identity.IsValidDeviceID(clientID) {
		clientID = uuid.NewString()
	}
	slog.Info("WebSocket connection request", "device_id", deviceID, "client_id", clientID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	sess, err := h.registry.Get(r.Context(), deviceID, identity.LocaleFromContext(r.Context()))
	if err != nil {
		slog.Error("Failed to load session", "device_id", deviceID, "error", err)
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "device_id", deviceID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "device_id", deviceID)
		}
	}()

	queue := h.hub.Register(deviceID, clientID)
	defer h.hub.Unregister(deviceID, clientID, queue)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	view := sess.View()
	if err := h.write(ctx, ws, serverMessage{Type: "snapshot", Session: &view}); err != nil {
		slog.Debug("Failed to send initial snapshot", "error", err)
		return
	}

	go func() {
		defer cancel()
		h.inputLoop(ctx, ws, sess, deviceID)
	}()

	h.outputLoop(ctx, ws, queue)
	slog.Info("Live session ended", "device_id", deviceID, "client_id", clientID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) inputLoop(ctx context.Context, ws *websocket.Conn, sess *session.Session, deviceID string) {
	for {
		var msg clientMessage
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "device_id", deviceID)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "device_id", deviceID)
			}
			return
		}

		switch msg.Type {
		case "ping":
			if err := h.write(ctx, ws, serverMessage{Type: "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
		case "sync":
			view := sess.View()
			if err := h.write(ctx, ws, serverMessage{Type: "snapshot", Session: &view}); err != nil {
				slog.Debug("Failed to send snapshot", "error", err)
			}
		case "close":
			return
		default:
			if err := h.write(ctx, ws, serverMessage{Type: "error", Error: "unknown message type"}); err != nil {
				slog.Debug("Failed to send error", "error", err)
			}
		}

		if h.repo != nil {
			go func() {
				updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := h.repo.UpdateLastSeen(updateCtx, deviceID, time.Now()); err != nil {
					slog.Warn("Failed to update last seen", "error", err)
				}
			}()
		}
	}
}

func (h *WebSocketHandler) outputLoop(ctx context.Context, ws *websocket.Conn, queue <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-queue:
			if !ok {
				return
			}
			if err := h.write(ctx, ws, serverMessage{Type: "event", Event: &ev}); err != nil {
				if ctx.Err() == nil {
					slog.Debug("WebSocket write error", "error", err)
				}
				return
			}
		}
	}
}

// write serializes concurrent writers through coder/websocket's own locking.
func (h *WebSocketHandler) write(ctx context.Context, ws *websocket.Conn, msg serverMessage) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, msg)
}
