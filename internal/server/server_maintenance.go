package server

import (
	"context"
	"errors"
	"time"
)

// runJanitor is the scheduler for pool maintenance: it sweeps expired
// leases, restocks slots that lost their content, and purges idle sessions.
func (s *Server) runJanitor(ctx context.Context) {
	sweepTicker := time.NewTicker(s.cfg.SweepInterval)
	restockTicker := time.NewTicker(s.cfg.RestockInterval)
	cleanupTicker := time.NewTicker(sessionCleanupInterval)
	defer sweepTicker.Stop()
	defer restockTicker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweepTicker.C:
			s.runMaintenance(ctx, "lease sweep", s.sweepExpiredLeases)
		case <-restockTicker.C:
			s.runMaintenance(ctx, "pool restock", s.restockPool)
		case <-cleanupTicker.C:
			s.runMaintenance(ctx, "session cleanup", s.purgeStaleSessions)
		}
	}
}

func (s *Server) runMaintenance(ctx context.Context, name string, fn func(context.Context) error) {
	taskCtx, cancel := context.WithTimeout(ctx, maintenanceTimeout)
	defer cancel()
	if err := fn(taskCtx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("maintenance task failed", "task", name, "err", err)
	}
}

func (s *Server) sweepExpiredLeases(ctx context.Context) error {
	if s.pool.Sweeper == nil {
		return nil
	}
	_, err := s.pool.Sweeper.Run(ctx)
	return err
}

func (s *Server) restockPool(ctx context.Context) error {
	if s.pool.Initializer == nil {
		return nil
	}
	report, err := s.pool.Initializer.EnsurePool(ctx, s.cfg.PoolSize)
	if err != nil {
		return err
	}
	if !report.Complete() {
		s.log.Warn("guest pool partially stocked", "failed_slots", report.FailedSlots)
	}
	return nil
}

func (s *Server) purgeStaleSessions(ctx context.Context) error {
	purged, err := s.store.PurgeStaleSessions(ctx, s.now().Add(-s.cfg.SessionRetention), sessionPurgeBatch)
	if err != nil {
		return err
	}
	if purged > 0 {
		s.log.Info("stale sessions purged", "count", purged)
	}
	return nil
}
