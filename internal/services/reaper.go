package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"goshare/internal/database"
)

// ShareReaper periodically removes expired share records so they do not
// accumulate between reads. Expired shares are also pruned lazily on
// access; the reaper only bounds how long dead rows linger.
type ShareReaper struct {
	db       *database.DB
	interval time.Duration
	log      *zap.Logger
}

func NewShareReaper(db *database.DB, interval time.Duration, log *zap.Logger) *ShareReaper {
	return &ShareReaper{db: db, interval: interval, log: log}
}

// Start runs the sweep loop until ctx is cancelled.
func (r *ShareReaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.db.DeleteExpiredShares(ctx, time.Now())
			if err != nil {
				r.log.Error("expired share sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				r.log.Info("removed expired shares", zap.Int64("count", n))
			}
		}
	}
}
