// Package core provides the account batch operation engine and the import
// pipeline.
//
// The package holds all domain logic independent of any transport or
// storage layer. Mutations go through an [ExecutionBackend], so the same
// code runs against Postgres in production and against fakes in tests.
//
// # Batch Operations
//
// A [BatchController] applies one [BulkOperationType] to a list of target
// ids. Items are dispatched with bounded concurrency (one at a time by
// default) and every outcome is folded into the run by a single goroutine,
// so snapshots are always consistent:
//
//	succeeded + failed + skipped == processed <= total
//
// A run ends Completed, Cancelled or Failed. Cancel stops dispatch but never
// aborts an in-flight backend call. A backend error wrapping
// [ErrAuthorizationDenied] stops the run with status Failed. Targets that
// were never dispatched are reported as skipped with code NOT_ATTEMPTED.
// [BatchController.RetryFailedOnly] starts a new run over the failed ids.
//
// # Import Pipeline
//
// An [ImportPipeline] walks an uploaded CSV or XLSX file through
//
//	Upload -> Preview -> Options -> Confirm -> Result
//
// Columns are matched to [TargetField]s by [SuggestMapping], rows are
// checked by a [RowValidator] during a dry run, and the commit writes valid
// rows in file order. The commit is fail-closed: invalid rows refuse the
// whole commit unless SkipInvalidRows is set.
//
// # Error Handling
//
// Technical errors are mapped to user-friendly messages using [MapError].
// Each error category has a unique code for support reference:
//
//   - AUTH: Authorization denied by the backend
//   - BULK001-BULK007: Batch run errors (busy, retry, not found)
//   - IMP001-IMP005: Import step errors (order, invalid rows, mapping)
//   - FILE001-FILE006: File errors (size, rows, format, encoding)
//   - VAL001-VAL008: Validation errors
//   - DB001-DB007: Database errors
//
// # Audit Logging
//
// Every terminal run records an [AuditEntry] with a severity derived from
// the operation:
//
//   - Medium: activate, deactivate, unban, reset_password
//   - High: ban, assign_role, import commits
//   - Critical: delete
package core
