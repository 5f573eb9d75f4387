package main

import (
	"context"
	"time"

	"github.com/Baanaaana/labelberry/common/protocol"
	"github.com/Baanaaana/labelberry/server/storage"
)

// Retention enforces the bounded history window: inline payloads are elided
// after 48h, and jobs stuck in non-terminal states past 24h are expired.
type Retention struct {
	store   storage.Store
	waiters *WaitEngine
	offline *OfflineQueue

	payloadWindow time.Duration
	expiryWindow  time.Duration
	interval      time.Duration
}

// NewRetention creates the retention sweeper.
func NewRetention(store storage.Store, waiters *WaitEngine, offline *OfflineQueue, cfg RetentionConfig) *Retention {
	return &Retention{
		store:         store,
		waiters:       waiters,
		offline:       offline,
		payloadWindow: time.Duration(cfg.PayloadHours) * time.Hour,
		expiryWindow:  time.Duration(cfg.JobExpiryHours) * time.Hour,
		interval:      time.Duration(cfg.SweepIntervalSecs) * time.Second,
	}
}

// Run sweeps periodically until ctx is cancelled. One pass runs immediately on
// start so a restart does not defer overdue cleanup by a full interval.
func (r *Retention) Run(ctx context.Context) {
	r.sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Retention) sweep(ctx context.Context) {
	now := time.Now().UTC()

	if n, err := r.store.ElidePayloads(ctx, now.Add(-r.payloadWindow)); err != nil {
		logError("Payload elision sweep failed", "error", err)
	} else if n > 0 {
		logInfo("Elided inline payloads past retention", "count", n)
	}

	ids, err := r.store.ExpireStaleJobs(ctx, now.Add(-r.expiryWindow))
	if err != nil {
		logError("Job expiry sweep failed", "error", err)
	} else {
		for _, id := range ids {
			r.waiters.Resolve(id, protocol.StateExpired, &protocol.WireError{
				Kind: protocol.ErrExpired, Detail: "exceeded 24h lifetime"})
		}
		if len(ids) > 0 {
			logInfo("Expired stale jobs", "count", len(ids))
		}
	}

	r.offline.SweepExpired(ctx)
}
