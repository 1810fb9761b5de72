package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/study-gate/internal/domain"
	"github.com/ashureev/study-gate/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	maxRetries    = 3
	baseRetryWait = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db         *sql.DB
	snapshotMu sync.Mutex // Serializes snapshot writes to avoid SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS devices (
		device_id TEXT PRIMARY KEY,
		label TEXT NOT NULL,
		locale TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		decision TEXT NOT NULL,
		reason TEXT NOT NULL,
		persona TEXT NOT NULL,
		allowed_minutes INTEGER NOT NULL DEFAULT 0,
		simulated INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_device ON decisions(device_id, created_at);

	CREATE TABLE IF NOT EXISTS grants (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		token TEXT NOT NULL,
		minutes INTEGER NOT NULL,
		granted_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_grants_device ON grants(device_id, expires_at);

	CREATE TABLE IF NOT EXISTS session_snapshots (
		device_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		simulation INTEGER DEFAULT 0,
		attempt_count INTEGER DEFAULT 0,
		challenge_json TEXT,
		messages_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_snapshots_updated ON session_snapshots(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withRetry runs op, retrying SQLite busy/locked errors with exponential backoff.
func withRetry(ctx context.Context, name string, op func() error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}
		delay := baseRetryWait * time.Duration(1<<i) // exponential backoff: 50ms, 100ms, 200ms
		slog.Debug("Database locked, retrying", "op", name, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s: %w", name, err)
}

// GetDevice retrieves a device by id.
func (s *SQLiteStore) GetDevice(ctx context.Context, deviceID string) (*domain.Device, error) {
	query := `
		SELECT device_id, label, locale, last_seen_at, created_at, updated_at
		FROM devices WHERE device_id = ?`

	var d domain.Device
	var locale string
	var lastSeen, createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, deviceID).Scan(
		&d.DeviceID, &d.Label, &locale, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan device row: %w", err)
	}

	d.Locale = domain.Locale(locale)
	d.LastSeenAt = time.Unix(lastSeen, 0)
	d.CreatedAt = time.Unix(createdAt, 0)
	d.UpdatedAt = time.Unix(updatedAt, 0)
	return &d, nil
}

// UpsertDevice creates or updates a device record.
func (s *SQLiteStore) UpsertDevice(ctx context.Context, device *domain.Device) error {
	query := `
	INSERT INTO devices (device_id, label, locale, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(device_id) DO UPDATE SET
		label = excluded.label,
		locale = excluded.locale,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	return withRetry(ctx, "upsert device", func() error {
		_, err := s.db.ExecContext(ctx, query,
			device.DeviceID, device.Label, string(device.Locale),
			device.LastSeenAt.Unix(), device.CreatedAt.Unix(), device.UpdatedAt.Unix(),
		)
		return err
	})
}

// UpdateLastSeen updates the last_seen_at timestamp for a device.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, deviceID string, lastSeen time.Time) error {
	query := `UPDATE devices SET last_seen_at = ?, updated_at = ? WHERE device_id = ?`

	var rows int64
	err := withRetry(ctx, "update last_seen", func() error {
		result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), deviceID)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "device_id", deviceID)
	}
	return nil
}

// RecordDecision appends a decision to the audit log.
func (s *SQLiteStore) RecordDecision(ctx context.Context, rec domain.DecisionRecord) (int64, error) {
	query := `
	INSERT INTO decisions (device_id, decision, reason, persona, allowed_minutes, simulated, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	var id int64
	err := withRetry(ctx, "record decision", func() error {
		result, err := s.db.ExecContext(ctx, query,
			rec.DeviceID, string(rec.Decision), rec.Reason, string(rec.Persona),
			rec.AllowedMinutes, rec.Simulated, rec.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return err
		}
		id, err = result.LastInsertId()
		return err
	})
	return id, err
}

// ListDecisions returns recent decisions, newest first.
func (s *SQLiteStore) ListDecisions(ctx context.Context, deviceID string, limit int) ([]domain.DecisionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, device_id, decision, reason, persona, allowed_minutes, simulated, created_at
		FROM decisions`
	args := []any{}
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close decision rows", "error", closeErr)
		}
	}()

	var out []domain.DecisionRecord
	for rows.Next() {
		var rec domain.DecisionRecord
		var decision, persona string
		var createdAt int64
		if err := rows.Scan(
			&rec.ID, &rec.DeviceID, &decision, &rec.Reason, &persona,
			&rec.AllowedMinutes, &rec.Simulated, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan decision row: %w", err)
		}
		rec.Decision = domain.Decision(decision)
		rec.Persona = domain.Persona(persona)
		rec.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return out, nil
}

// RecordGrant stores a gateway grant.
func (s *SQLiteStore) RecordGrant(ctx context.Context, grant domain.GrantRecord) error {
	query := `
	INSERT INTO grants (device_id, token, minutes, granted_at, expires_at)
	VALUES (?, ?, ?, ?, ?)`

	return withRetry(ctx, "record grant", func() error {
		_, err := s.db.ExecContext(ctx, query,
			grant.DeviceID, grant.Token, grant.Minutes,
			grant.GrantedAt.Unix(), grant.ExpiresAt.Unix(),
		)
		return err
	})
}

// ActiveGrant returns the latest grant of a device still valid at now.
func (s *SQLiteStore) ActiveGrant(ctx context.Context, deviceID string, now time.Time) (*domain.GrantRecord, error) {
	query := `
		SELECT device_id, token, minutes, granted_at, expires_at
		FROM grants WHERE device_id = ? AND expires_at > ?
		ORDER BY expires_at DESC LIMIT 1`

	var g domain.GrantRecord
	var grantedAt, expiresAt int64
	err := s.db.QueryRowContext(ctx, query, deviceID, now.Unix()).Scan(
		&g.DeviceID, &g.Token, &g.Minutes, &grantedAt, &expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan grant row: %w", err)
	}
	g.GrantedAt = time.Unix(grantedAt, 0)
	g.ExpiresAt = time.Unix(expiresAt, 0)
	return &g, nil
}

// GetSnapshot retrieves the persisted session of a device.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, deviceID string) (*domain.SessionSnapshot, error) {
	query := `
		SELECT device_id, state, simulation, attempt_count, challenge_json,
		       messages_json, created_at, updated_at
		FROM session_snapshots WHERE device_id = ?`

	var snap domain.SessionSnapshot
	var state string
	var challengeJSON, messagesJSON sql.NullString
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, deviceID).Scan(
		&snap.DeviceID, &state, &snap.Simulation, &snap.AttemptCount,
		&challengeJSON, &messagesJSON, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session snapshot: %w", err)
	}

	snap.State = domain.AppState(state)
	if challengeJSON.Valid {
		snap.ChallengeJSON = &challengeJSON.String
	}
	snap.MessagesJSON = messagesJSON.String
	snap.CreatedAt = time.Unix(createdAt, 0)
	snap.UpdatedAt = time.Unix(updatedAt, 0)
	return &snap, nil
}

// UpsertSnapshot creates or updates the persisted session of a device.
// A nil ChallengeJSON clears the stored challenge.
func (s *SQLiteStore) UpsertSnapshot(ctx context.Context, snapshot *domain.SessionSnapshot) error {
	s.snapshotMu.Lock()
	defer s.snapshotMu.Unlock()

	query := `
		INSERT INTO session_snapshots (
			device_id, state, simulation, attempt_count, challenge_json,
			messages_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			state = excluded.state,
			simulation = excluded.simulation,
			attempt_count = excluded.attempt_count,
			challenge_json = excluded.challenge_json,
			messages_json = excluded.messages_json,
			updated_at = excluded.updated_at`

	var challengeJSON any
	if snapshot.ChallengeJSON != nil {
		challengeJSON = *snapshot.ChallengeJSON
	}
	createdAt := snapshot.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := snapshot.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	return withRetry(ctx, "upsert session snapshot", func() error {
		_, err := s.db.ExecContext(ctx, query,
			snapshot.DeviceID, string(snapshot.State), snapshot.Simulation, snapshot.AttemptCount,
			challengeJSON, snapshot.MessagesJSON, createdAt.Unix(), updatedAt.Unix(),
		)
		return err
	})
}

// DeleteSnapshot removes the persisted session of a device.
func (s *SQLiteStore) DeleteSnapshot(ctx context.Context, deviceID string) error {
	return withRetry(ctx, "delete session snapshot", func() error {
		s.snapshotMu.Lock()
		defer s.snapshotMu.Unlock()
		_, err := s.db.ExecContext(ctx, `DELETE FROM session_snapshots WHERE device_id = ?`, deviceID)
		return err
	})
}

// CleanupExpiredSnapshots removes snapshots older than ttl.
func (s *SQLiteStore) CleanupExpiredSnapshots(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM session_snapshots WHERE updated_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired snapshots: %w", err)
	}
	return result.RowsAffected()
}
