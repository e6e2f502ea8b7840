package core

// scheduler.go runs background maintenance for a Service:
//  1. Evict batch jobs and import sessions idle past the retention
//  2. Prune audit entries older than the audit retention, when the
//     configured recorder supports it
//
// It runs immediately on start and then every CheckInterval until the
// context is cancelled. Failures are logged and never stop the loop.

import (
	"context"
	"log/slog"
	"time"
)

// MaintenanceConfig holds configuration for the maintenance scheduler.
type MaintenanceConfig struct {
	CheckInterval      time.Duration // How often to run (default: 5m)
	AuditRetentionDays int           // Days of audit to keep; 0 disables pruning
}

// StartMaintenanceScheduler blocks until ctx is cancelled.
func (s *Service) StartMaintenanceScheduler(ctx context.Context, cfg MaintenanceConfig) {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	slog.Info("maintenance scheduler started",
		"check_interval", cfg.CheckInterval.String(),
		"retention", s.cfg.Retention.String(),
		"audit_retention_days", cfg.AuditRetentionDays,
	)

	s.runMaintenance(ctx, cfg, time.Now())

	ticker := time.NewTicker(cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("maintenance scheduler stopped")
			return
		case now := <-ticker.C:
			s.runMaintenance(ctx, cfg, now)
		}
	}
}

func (s *Service) runMaintenance(ctx context.Context, cfg MaintenanceConfig, now time.Time) {
	start := time.Now()

	jobs, imports := s.evictIdle(now)
	if jobs > 0 || imports > 0 {
		slog.Info("evicted idle sessions", "jobs", jobs, "imports", imports)
	}

	if pruner, ok := s.audit.(AuditPruner); ok && cfg.AuditRetentionDays > 0 {
		before := now.AddDate(0, 0, -cfg.AuditRetentionDays)
		pruned, err := pruner.PruneAudit(ctx, before)
		if err != nil {
			slog.Error("audit prune failed", "error", err)
		} else if pruned > 0 {
			slog.Info("pruned audit entries",
				"entries_pruned", pruned,
				"before", before.Format(time.RFC3339),
			)
		}
	}

	slog.Debug("maintenance completed", "duration_ms", time.Since(start).Milliseconds())
}
