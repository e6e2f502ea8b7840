package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of action being audited.
type AuditAction string

const (
	ActionBulkOperation AuditAction = "bulk_operation"
	ActionImportCommit  AuditAction = "import_commit"
)

// AuditSeverity represents the severity level of an audit entry.
type AuditSeverity string

const (
	SeverityLow      AuditSeverity = "low"
	SeverityMedium   AuditSeverity = "medium"
	SeverityHigh     AuditSeverity = "high"
	SeverityCritical AuditSeverity = "critical"
)

// AuditEntry summarizes one finished bulk run or import commit.
type AuditEntry struct {
	ID        string            `json:"id"`
	Action    AuditAction       `json:"action"`
	Severity  AuditSeverity     `json:"severity"`
	Operation BulkOperationType `json:"operation,omitempty"`
	JobID     string            `json:"jobId"`
	RunID     string            `json:"runId"`
	Status    RunStatus         `json:"status"`
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Skipped   int               `json:"skipped"`
	Reason    string            `json:"reason,omitempty"`
	Actor     string            `json:"actor,omitempty"`
	IPAddress string            `json:"ipAddress,omitempty"`
	UserAgent string            `json:"userAgent,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	RecordAudit(ctx context.Context, entry AuditEntry) error
}

// AuditPruner is implemented by recorders that can drop old entries.
type AuditPruner interface {
	PruneAudit(ctx context.Context, before time.Time) (int64, error)
}

// determineSeverity returns the severity for an action.
func determineSeverity(action AuditAction, op BulkOperationType) AuditSeverity {
	switch {
	case action == ActionBulkOperation && op == OpDelete:
		return SeverityCritical
	case action == ActionBulkOperation && (op == OpBan || op == OpAssignRole):
		return SeverityHigh
	case action == ActionImportCommit:
		return SeverityHigh
	case action == ActionBulkOperation:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func newBulkAuditEntry(ctx context.Context, jobID string, req BulkOperationRequest, p BulkOperationProgress) AuditEntry {
	meta := RequestMetaFromContext(ctx)
	entry := AuditEntry{
		ID:        uuid.NewString(),
		Action:    ActionBulkOperation,
		Severity:  determineSeverity(ActionBulkOperation, req.Operation),
		Operation: req.Operation,
		JobID:     jobID,
		RunID:     p.RunID,
		Status:    p.Status,
		Reason:    req.Reason,
		Actor:     meta.Actor,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		CreatedAt: time.Now().UTC(),
	}
	if p.Result != nil {
		entry.Total = p.Result.Total
		entry.Succeeded = p.Result.Success
		entry.Failed = p.Result.Failed
		entry.Skipped = p.Result.Skipped
	}
	return entry
}

func newImportAuditEntry(ctx context.Context, importID, commitID string, status RunStatus, s ImportSummary) AuditEntry {
	meta := RequestMetaFromContext(ctx)
	return AuditEntry{
		ID:        uuid.NewString(),
		Action:    ActionImportCommit,
		Severity:  determineSeverity(ActionImportCommit, ""),
		JobID:     importID,
		RunID:     commitID,
		Status:    status,
		Total:     s.TotalRows,
		Succeeded: s.Created + s.Updated,
		Failed:    s.InvalidRows,
		Skipped:   s.Skipped,
		Actor:     meta.Actor,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		CreatedAt: time.Now().UTC(),
	}
}

// recordAudit writes entry if a recorder is configured. Failures are logged
// and never affect the run outcome.
func recordAudit(ctx context.Context, rec AuditRecorder, entry AuditEntry, logger *slog.Logger) {
	if rec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := rec.RecordAudit(ctx, entry); err != nil {
		logger.Error("failed to record audit entry",
			"action", entry.Action,
			"run_id", entry.RunID,
			"error", err,
		)
	}
}
