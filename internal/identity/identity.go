// Package identity provides per-device identity for requests behind the portal.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/study-gate/internal/domain"
	"github.com/ashureev/study-gate/internal/store"
)

const (
	DeviceCookieName = "sg_device_id"
	DeviceHeaderName = "X-Device-ID"
	LocaleHeaderName = "X-Locale"
	deviceCookieAge  = 30 * 24 * time.Hour
)

type contextKey int

const (
	deviceIDKey contextKey = iota
	localeKey
)

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// DeviceIDFromContext extracts the device ID from the request context.
func DeviceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(deviceIDKey).(string); ok {
		return v
	}
	return ""
}

// LocaleFromContext extracts the requested locale. It is empty when the
// client did not ask for one.
func LocaleFromContext(ctx context.Context) domain.Locale {
	if v, ok := ctx.Value(localeKey).(domain.Locale); ok {
		return v
	}
	return ""
}

// WithDevice returns ctx carrying deviceID and locale.
func WithDevice(ctx context.Context, deviceID string, locale domain.Locale) context.Context {
	ctx = context.WithValue(ctx, deviceIDKey, deviceID)
	return context.WithValue(ctx, localeKey, locale)
}

func generateDeviceID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate device id: %w", err)
	}
	return "dev_" + hex.EncodeToString(buf), nil
}

// IsValidDeviceID reports whether id is an acceptable device identifier.
func IsValidDeviceID(id string) bool {
	return deviceIDPattern.MatchString(id)
}

func setDeviceCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     DeviceCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(deviceCookieAge.Seconds()),
		Expires:  time.Now().Add(deviceCookieAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

// deviceIDFromRequest prefers the header set by the gateway, then the cookie,
// and finally issues a new id.
func deviceIDFromRequest(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if id := strings.TrimSpace(r.Header.Get(DeviceHeaderName)); IsValidDeviceID(id) {
		return id, nil
	}
	if c, err := r.Cookie(DeviceCookieName); err == nil && IsValidDeviceID(c.Value) {
		setDeviceCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateDeviceID()
	if err != nil {
		return "", err
	}
	setDeviceCookie(w, id, isDev)
	return id, nil
}

func localeFromRequest(r *http.Request) domain.Locale {
	if l := domain.ParseLocale(strings.ToLower(r.Header.Get(LocaleHeaderName)), ""); l != "" {
		return l
	}
	if l := domain.ParseLocale(strings.ToLower(r.URL.Query().Get("locale")), ""); l != "" {
		return l
	}
	lang := strings.ToLower(r.Header.Get("Accept-Language"))
	switch {
	case strings.HasPrefix(lang, "pt"):
		return domain.LocalePT
	case strings.HasPrefix(lang, "en"):
		return domain.LocaleEN
	}
	return ""
}

func ensureDevice(ctx context.Context, repo store.Repository, deviceID string, locale domain.Locale, label string) error {
	device, err := repo.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	now := time.Now()
	if device != nil {
		return repo.UpdateLastSeen(ctx, deviceID, now)
	}
	if locale == "" {
		locale = domain.LocalePT
	}
	return repo.UpsertDevice(ctx, &domain.Device{
		DeviceID:   deviceID,
		Label:      label,
		Locale:     locale,
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

// Middleware resolves the device of every request and records it in repo.
func Middleware(repo store.Repository, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deviceID, err := deviceIDFromRequest(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish device identity"}`, http.StatusInternalServerError)
				return
			}
			locale := localeFromRequest(r)

			if repo != nil {
				if err := ensureDevice(r.Context(), repo, deviceID, locale, IPFromRequest(r)); err != nil {
					slog.Error("Failed to register device", "device_id", deviceID, "error", err)
					http.Error(w, `{"error":"failed to register device"}`, http.StatusInternalServerError)
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithDevice(r.Context(), deviceID, locale)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
