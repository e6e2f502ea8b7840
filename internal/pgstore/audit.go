package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/JonMunkholm/accountops/internal/core"
)

// RecordAudit appends entry to audit_log.
func (s *Store) RecordAudit(ctx context.Context, entry core.AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (
			id, action, severity, operation, job_id, run_id, status,
			total, succeeded, failed, skipped,
			reason, actor, ip_address, user_agent, created_at
		) VALUES (
			$1, $2, $3, NULLIF($4, ''), $5, $6, $7,
			$8, $9, $10, $11,
			NULLIF($12, ''), NULLIF($13, ''), NULLIF($14, ''), NULLIF($15, ''), $16
		)`,
		entry.ID, string(entry.Action), string(entry.Severity), string(entry.Operation),
		entry.JobID, entry.RunID, string(entry.Status),
		entry.Total, entry.Succeeded, entry.Failed, entry.Skipped,
		entry.Reason, entry.Actor, entry.IPAddress, entry.UserAgent, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// PruneAudit deletes entries created before cutoff.
func (s *Store) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_log WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune audit log: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecentAudit returns the newest entries, newest first.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]core.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, action, severity, COALESCE(operation, ''), job_id, run_id, status,
			total, succeeded, failed, skipped,
			COALESCE(reason, ''), COALESCE(actor, ''), COALESCE(ip_address, ''), COALESCE(user_agent, ''),
			created_at
		FROM audit_log
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []core.AuditEntry
	for rows.Next() {
		var (
			e                            core.AuditEntry
			action, severity, op, status string
		)
		if err := rows.Scan(&e.ID, &action, &severity, &op, &e.JobID, &e.RunID, &status,
			&e.Total, &e.Succeeded, &e.Failed, &e.Skipped,
			&e.Reason, &e.Actor, &e.IPAddress, &e.UserAgent, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Action = core.AuditAction(action)
		e.Severity = core.AuditSeverity(severity)
		e.Operation = core.BulkOperationType(op)
		e.Status = core.RunStatus(status)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
