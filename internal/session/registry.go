package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/study-gate/internal/domain"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Registry holds one session per device in a bounded LRU cache. Evicted
// sessions are restored from the store on next use.
type Registry struct {
	mu       sync.Mutex
	cache    *lru.Cache[string, *Session]
	settings Settings
	deps     Deps
	locale   domain.Locale
	onCreate func(*Session)
}

// NewRegistry creates a registry holding at most size sessions.
func NewRegistry(size int, defaultLocale domain.Locale, settings Settings, deps Deps) (*Registry, error) {
	deps = deps.withDefaults()
	r := &Registry{settings: settings, deps: deps, locale: defaultLocale}

	cache, err := lru.NewWithEvict[string, *Session](size, func(deviceID string, _ *Session) {
		deps.Logger.Debug("Session evicted from cache", "device_id", deviceID)
	})
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	r.cache = cache
	return r, nil
}

// OnCreate registers fn to run for every session created or restored.
func (r *Registry) OnCreate(fn func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCreate = fn
}

// Get returns the session of deviceID, creating or restoring it as needed.
// locale is only used when the session is created; it stays fixed afterwards.
func (r *Registry) Get(ctx context.Context, deviceID string, locale domain.Locale) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.cache.Get(deviceID); ok {
		return s, nil
	}

	if locale == "" {
		locale = r.locale
	}
	s := New(deviceID, locale, r.settings, r.deps)

	if r.deps.Store != nil {
		snap, err := r.deps.Store.GetSnapshot(ctx, deviceID)
		if err != nil {
			return nil, fmt.Errorf("load session snapshot: %w", err)
		}
		if snap != nil {
			if err := s.Restore(snap); err != nil {
				// A corrupt snapshot is replaced by a fresh session.
				r.deps.Logger.Warn("Discarding unreadable session snapshot", "device_id", deviceID, "error", err)
				s = New(deviceID, locale, r.settings, r.deps)
			}
		}
	}

	r.cache.Add(deviceID, s)
	r.deps.Metrics.SetActiveSessions(r.cache.Len())
	if r.onCreate != nil {
		r.onCreate(s)
	}
	return s, nil
}

// Peek returns the cached session of deviceID without creating one.
func (r *Registry) Peek(deviceID string) (*Session, bool) {
	return r.cache.Peek(deviceID)
}

// Remove drops the session of deviceID from memory.
func (r *Registry) Remove(deviceID string) {
	r.cache.Remove(deviceID)
	r.deps.Metrics.SetActiveSessions(r.cache.Len())
}

// Len returns the number of cached sessions.
func (r *Registry) Len() int {
	return r.cache.Len()
}

// EvictIdle removes sessions inactive for longer than ttl and returns how
// many were removed.
func (r *Registry) EvictIdle(now time.Time, ttl time.Duration) int {
	evicted := 0
	for _, id := range r.cache.Keys() {
		s, ok := r.cache.Peek(id)
		if !ok {
			continue
		}
		if now.Sub(s.LastActive()) > ttl {
			r.cache.Remove(id)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Info("Evicted idle sessions", "count", evicted, "remaining", r.cache.Len())
	}
	r.deps.Metrics.SetActiveSessions(r.cache.Len())
	return evicted
}
