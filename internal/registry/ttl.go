package registry

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often the TTL worker looks for idle tabs.
const DefaultSweepInterval = time.Minute

// CleanupCallback is called for every tab the TTL worker expires.
type CleanupCallback func(userID, sessionID string)

type expired struct {
	userID, sessionID string
	entry             *entry
}

// Sweep expires tabs not seen for ttl. Tabs with a rephrase in flight are
// kept until their session finishes. It returns the number of expired tabs.
func (r *Registry) Sweep(ctx context.Context, ttl time.Duration, onCleanup CleanupCallback) int {
	threshold := r.now().Add(-ttl)

	r.mu.Lock()
	var victims []expired
	for userID, sessions := range r.active {
		for sid, e := range sessions {
			if !e.lastSeen.Before(threshold) || e.ctrl.Snapshot().IsProcessing() {
				continue
			}
			e.ctrl.Retire()
			victims = append(victims, expired{userID: userID, sessionID: sid, entry: e})
			delete(sessions, sid)
		}
		if len(sessions) == 0 {
			delete(r.active, userID)
		}
	}
	r.mu.Unlock()

	for _, v := range victims {
		r.logger.Info("TTL worker expiring session",
			"user_id", v.userID,
			"session_id", v.sessionID,
			"idle", r.now().Sub(v.entry.lastSeen).Round(time.Second))
		v.entry.ctrl.Reset(ctx)
		if onCleanup != nil {
			onCleanup(v.userID, v.sessionID)
		}
	}
	return len(victims)
}

// StartTTLWorker runs a background goroutine that periodically expires idle
// tabs until ctx is done.
func StartTTLWorker(ctx context.Context, r *Registry, ttl, interval time.Duration, onCleanup CleanupCallback) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				if n := r.Sweep(ctx, ttl, onCleanup); n > 0 {
					slog.Info("TTL worker cleanup completed", "cleaned", n, "remaining", r.Len())
				}
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
