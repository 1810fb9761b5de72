// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/study-gate/internal/domain"
)

// Repository defines the interface for persisting devices, decisions and sessions.
type Repository interface {
	// GetDevice retrieves a device by id. It returns nil, nil when absent.
	GetDevice(ctx context.Context, deviceID string) (*domain.Device, error)

	// UpsertDevice creates or updates a device record.
	UpsertDevice(ctx context.Context, device *domain.Device) error

	// UpdateLastSeen updates the last_seen_at timestamp for a device.
	UpdateLastSeen(ctx context.Context, deviceID string, lastSeen time.Time) error

	// RecordDecision appends a decision to the audit log and returns its id.
	RecordDecision(ctx context.Context, rec domain.DecisionRecord) (int64, error)

	// ListDecisions returns the most recent decisions, newest first.
	// An empty deviceID lists decisions of every device.
	ListDecisions(ctx context.Context, deviceID string, limit int) ([]domain.DecisionRecord, error)

	// RecordGrant stores a gateway grant.
	RecordGrant(ctx context.Context, grant domain.GrantRecord) error

	// ActiveGrant returns the latest grant of a device still valid at now, or nil.
	ActiveGrant(ctx context.Context, deviceID string, now time.Time) (*domain.GrantRecord, error)

	// GetSnapshot retrieves the persisted session of a device. It returns nil, nil when absent.
	GetSnapshot(ctx context.Context, deviceID string) (*domain.SessionSnapshot, error)

	// UpsertSnapshot creates or updates the persisted session of a device.
	UpsertSnapshot(ctx context.Context, snapshot *domain.SessionSnapshot) error

	// DeleteSnapshot removes the persisted session of a device.
	DeleteSnapshot(ctx context.Context, deviceID string) error

	// CleanupExpiredSnapshots removes snapshots not updated within ttl.
	CleanupExpiredSnapshots(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
