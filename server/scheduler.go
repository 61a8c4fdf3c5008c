package server

import (
	"context"
	"log/slog"
	"time"
)

// Sweep cadences. Each sweep additionally carries its own wall-clock budget,
// so a slow run ends with partial progress instead of overlapping the next.
const (
	decayInterval   = 24 * time.Hour
	weeklyInterval  = 7 * 24 * time.Hour
	budgetInterval  = time.Hour
	startupSettling = 30 * time.Second
)

// runScheduler drives the background maintenance loops until the context is
// cancelled. Sweep failures are logged and retried on the next tick.
func (s *Server) runScheduler(ctx context.Context) {
	// Let the listener come up before the first maintenance pass.
	select {
	case <-time.After(startupSettling):
	case <-ctx.Done():
		return
	}

	decayTicker := time.NewTicker(decayInterval)
	weeklyTicker := time.NewTicker(weeklyInterval)
	budgetTicker := time.NewTicker(budgetInterval)
	defer decayTicker.Stop()
	defer weeklyTicker.Stop()
	defer budgetTicker.Stop()

	slog.Info("maintenance scheduler started",
		"decay_interval", decayInterval, "weekly_interval", weeklyInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("maintenance scheduler stopped")
			return

		case <-decayTicker.C:
			if _, err := s.tiers.RunDecaySweep(ctx); err != nil {
				slog.Error("decay sweep failed", "error", err)
			}

		case <-weeklyTicker.C:
			if _, err := s.tiers.RunDedupSweep(ctx); err != nil {
				slog.Error("dedup sweep failed", "error", err)
			}
			if _, err := s.tiers.RunCleanupSweep(ctx); err != nil {
				slog.Error("cleanup sweep failed", "error", err)
			}

		case <-budgetTicker.C:
			s.budget.Reset()
			if deleted, err := s.cache.PurgeExpired(ctx); err != nil {
				slog.Error("cache purge failed", "error", err)
			} else if deleted > 0 {
				slog.Info("purged expired cache entries", "deleted", deleted)
			}
		}
	}
}
