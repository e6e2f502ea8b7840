package core

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

// ItemRequest is one per-target call of a bulk run.
type ItemRequest struct {
	Operation BulkOperationType
	TargetID  string
	RoleID    string
	Reason    string
	Force     bool
}

// ApplyOutcome is the successful resolution of an ItemRequest.
type ApplyOutcome string

const (
	ApplyApplied ApplyOutcome = "applied"
	ApplySkipped ApplyOutcome = "skipped" // already in the target state
)

// ApplyResult reports a resolved item. Email and Name are optional and only
// enrich diagnostics.
type ApplyResult struct {
	Outcome ApplyOutcome
	Email   string
	Name    string
	Message string
}

// CommitOutcome is how a committed row was persisted.
type CommitOutcome string

const (
	CommitCreated CommitOutcome = "created"
	CommitUpdated CommitOutcome = "updated"
	CommitSkipped CommitOutcome = "skipped"
)

// AccountRecord is a validated import row in typed form.
type AccountRecord struct {
	Row       int
	Email     string
	FirstName string
	LastName  string
	Username  pgtype.Text
	Phone     pgtype.Text
	Birthday  pgtype.Date
	Sex       pgtype.Bool
	GroupID   pgtype.Int4
	IsActive  pgtype.Bool
	RoleID    pgtype.Text
	Existing  bool
}

// ExecutionBackend performs the actual per-item mutations.
//
// An error wrapping ErrAuthorizationDenied is fatal for the whole run; any
// other error is a per-item failure. Use *BackendError to attach a code.
// The core never retries and imposes no timeout.
type ExecutionBackend interface {
	ApplyOperation(ctx context.Context, req ItemRequest) (ApplyResult, error)
	CommitRow(ctx context.Context, rec AccountRecord, opts ImportOptions) (CommitOutcome, error)
}

// EmailDirectory answers which emails already belong to accounts.
type EmailDirectory interface {
	ExistingEmails(ctx context.Context, emails []string) (EmailSet, error)
}

// BuildAccountRecord converts a validated record into typed values.
// Malformed optional values become NULL, matching the validator warnings.
func (v *RowValidator) BuildAccountRecord(rec Record, verdict RowVerdict) AccountRecord {
	get := func(key string) string {
		value, _ := v.Value(rec, key)
		return value
	}

	return AccountRecord{
		Row:       rec.Row,
		Email:     normalizeEmail(get(FieldKeyEmail)),
		FirstName: get(FieldKeyFirstName),
		LastName:  get(FieldKeyLastName),
		Username:  ToPgText(get(FieldKeyUsername)),
		Phone:     ToPgText(get(FieldKeyPhone)),
		Birthday:  ToPgDate(get(FieldKeyBirthday)),
		Sex:       ToPgSex(get(FieldKeySex)),
		GroupID:   ToPgInt4(get(FieldKeyGroupID)),
		IsActive:  ToPgBool(get(FieldKeyIsActive)),
		RoleID:    ToPgText(get(FieldKeyRoleID)),
		Existing:  verdict.Existing,
	}
}
