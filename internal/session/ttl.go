package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/study-gate/internal/store"
)

const (
	ttlWorkerInterval = 5 * time.Minute
	snapshotRetention = 7 * 24 * time.Hour
)

// CleanupCallback is called with the number of sessions evicted by a sweep.
type CleanupCallback func(evicted int)

// StartTTLWorker runs a background goroutine that periodically evicts idle
// sessions from memory and deletes stale snapshots.
func StartTTLWorker(ctx context.Context, reg *Registry, repo store.Repository, ttl time.Duration, onCleanup CleanupCallback) {
	ticker := time.NewTicker(ttlWorkerInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", ttlWorkerInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweep(ctx, reg, repo, time.Now(), ttl, onCleanup)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweep(ctx context.Context, reg *Registry, repo store.Repository, now time.Time, ttl time.Duration, onCleanup CleanupCallback) {
	evicted := reg.EvictIdle(now, ttl)
	if onCleanup != nil && evicted > 0 {
		onCleanup(evicted)
	}

	if repo == nil {
		return
	}
	if deleted, err := repo.CleanupExpiredSnapshots(ctx, snapshotRetention); err != nil {
		slog.Error("TTL worker failed to cleanup stale snapshots", "error", err)
	} else if deleted > 0 {
		slog.Info("TTL worker cleaned up stale snapshots", "count", deleted)
	}
}
