package types

import (
	"context"
	"time"

	"github.com/votewave/votewave/pkg/broadcast"
	"go.uber.org/zap"
)

const (
	// expiryWarning is how far ahead of expiry viewers are warned.
	expiryWarning = 5 * time.Minute
	// staleRetention keeps expired polls around for this long before
	// cascade-deleting them with their options and votes.
	staleRetention = 30 * 24 * time.Hour
)

// SweepExpiry warns rooms about imminent expiry, announces polls that just
// expired, and removes long-expired polls. Runs every minute from the cron
// scheduler; errors are logged, never fatal.
func (a *App) SweepExpiry(ctx context.Context) {
	now := time.Now().UTC()

	expiring, err := a.Store.ExpiringWithin(ctx, now, expiryWarning)
	if err != nil {
		a.Logger.Warn("expiry sweep: query expiring polls failed", zap.Error(err))
	}
	for _, p := range expiring {
		timeLeft := p.ExpiresAt.Sub(now)
		if timeLeft < 0 {
			timeLeft = 0
		}
		a.Hub.Broadcast(p.ID, broadcast.Event{Type: "poll-expiring", Payload: map[string]interface{}{
			"timeLeft":  timeLeft.Milliseconds(),
			"expiresAt": p.ExpiresAt,
		}})
	}

	expired, err := a.Store.ExpiredBetween(ctx, now.Add(-time.Minute), now)
	if err != nil {
		a.Logger.Warn("expiry sweep: query expired polls failed", zap.Error(err))
	}
	for _, p := range expired {
		a.Hub.Broadcast(p.ID, broadcast.Event{Type: "poll-expired", Payload: map[string]interface{}{
			"pollId":    p.ID,
			"expiredAt": now,
		}})
	}

	deleted, err := a.Store.DeleteStaleExpired(ctx, now, now.Add(-staleRetention))
	if err != nil {
		a.Logger.Warn("expiry sweep: delete stale polls failed", zap.Error(err))
	}
	for _, id := range deleted {
		a.Hub.Broadcast(id, broadcast.Event{Type: "poll-deleted", Payload: map[string]interface{}{
			"pollId":  id,
			"message": "This poll has been deleted",
		}})
	}

	if len(expiring) > 0 || len(expired) > 0 || len(deleted) > 0 {
		a.Logger.Debug("expiry sweep complete",
			zap.Int("expiring", len(expiring)),
			zap.Int("expired", len(expired)),
			zap.Int("deleted", len(deleted)))
	}
}
