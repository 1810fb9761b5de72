// Package domain contains core domain types for the study gate.
package domain

import (
	"time"
)

// Locale is the conversation language of a session.
type Locale string

const (
	LocalePT Locale = "pt"
	LocaleEN Locale = "en"
)

// ParseLocale returns the locale for s, or fallback if s is not supported.
func ParseLocale(s string, fallback Locale) Locale {
	switch Locale(s) {
	case LocalePT, LocaleEN:
		return Locale(s)
	default:
		return fallback
	}
}

// Device represents a device behind the captive portal.
type Device struct {
	DeviceID   string    `json:"device_id"`
	Label      string    `json:"label"`
	Locale     Locale    `json:"locale"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IdleFor returns how long the device has been inactive at now.
func (d *Device) IdleFor(now time.Time) time.Duration {
	idle := now.Sub(d.LastSeenAt)
	if idle < 0 {
		return 0
	}
	return idle
}
