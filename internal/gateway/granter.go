// Package gateway issues timed internet grants to the captive-portal gateway.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/study-gate/internal/domain"
)

// ErrMissingToken is returned when a grant is requested without a token.
var ErrMissingToken = errors.New("grant token is required")

// Granter opens the gateway for a device.
type Granter interface {
	Grant(ctx context.Context, deviceID, token string, minutes int) (*domain.GrantRecord, error)
}

// GrantStore persists grants.
type GrantStore interface {
	RecordGrant(ctx context.Context, grant domain.GrantRecord) error
}

// RecordingGranter records grants in the store and logs them. The gateway
// polls the grants table, so no outbound call is made.
type RecordingGranter struct {
	store  GrantStore
	now    func() time.Time
	logger *slog.Logger
}

// NewRecordingGranter creates a granter backed by store.
func NewRecordingGranter(store GrantStore, logger *slog.Logger) *RecordingGranter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordingGranter{store: store, now: time.Now, logger: logger}
}

// Grant records a grant of minutes for deviceID.
func (g *RecordingGranter) Grant(ctx context.Context, deviceID, token string, minutes int) (*domain.GrantRecord, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	if minutes <= 0 {
		return nil, fmt.Errorf("grant minutes must be positive, got %d", minutes)
	}

	now := g.now()
	rec := domain.GrantRecord{
		DeviceID:  deviceID,
		Token:     token,
		Minutes:   minutes,
		GrantedAt: now,
		ExpiresAt: now.Add(time.Duration(minutes) * time.Minute),
	}
	if g.store != nil {
		if err := g.store.RecordGrant(ctx, rec); err != nil {
			return nil, fmt.Errorf("record grant: %w", err)
		}
	}
	g.logger.Info("Gateway grant issued", "device_id", deviceID, "minutes", minutes, "expires_at", rec.ExpiresAt)
	return &rec, nil
}
