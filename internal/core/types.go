package core

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// BulkOperationType is the state-changing action applied by a bulk run.
type BulkOperationType string

const (
	OpBan        BulkOperationType = "ban"
	OpUnban      BulkOperationType = "unban"
	OpActivate   BulkOperationType = "activate"
	OpDeactivate BulkOperationType = "deactivate"
	OpDelete     BulkOperationType = "delete"
	OpAssignRole BulkOperationType = "assign_role"
)

// Operations lists every supported bulk operation in display order.
func Operations() []BulkOperationType {
	return []BulkOperationType{OpBan, OpUnban, OpActivate, OpDeactivate, OpDelete, OpAssignRole}
}

// Valid reports whether o is one of the known operations.
func (o BulkOperationType) Valid() bool {
	return slices.Contains(Operations(), o)
}

// ParseOperation converts user input to a BulkOperationType.
func ParseOperation(s string) (BulkOperationType, error) {
	op := BulkOperationType(strings.ToLower(strings.TrimSpace(s)))
	if !op.Valid() {
		return "", fmt.Errorf("%w: unknown operation %q", ErrInvalidRequest, s)
	}
	return op, nil
}

// BulkOperationRequest describes one bulk run.
type BulkOperationRequest struct {
	Operation BulkOperationType `json:"operation"`
	TargetIDs []string          `json:"targetIds"`
	RoleID    string            `json:"roleId,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Force     bool              `json:"force,omitempty"`
}

// RunStatus is the lifecycle state of a bulk run or an import commit.
type RunStatus string

const (
	StatusPending    RunStatus = "pending"
	StatusInProgress RunStatus = "in_progress"
	StatusCompleted  RunStatus = "completed"
	StatusFailed     RunStatus = "failed"
	StatusCancelled  RunStatus = "cancelled"
)

// Terminal reports whether the status can no longer change.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// BulkOperationProgress is an immutable snapshot of a running bulk job.
type BulkOperationProgress struct {
	RunID               string               `json:"runId"`
	Operation           BulkOperationType    `json:"operation"`
	Status              RunStatus            `json:"status"`
	Total               int                  `json:"total"`
	Processed           int                  `json:"processed"`
	Percentage          int                  `json:"percentage"`
	StartedAt           time.Time            `json:"startedAt"`
	EstimatedCompletion *time.Time           `json:"estimatedCompletion,omitempty"`
	Result              *BulkOperationResult `json:"result,omitempty"`
}

// BulkOperationResult accumulates per-item outcomes of one run.
// Success + Failed + Skipped always equals Total once the run is terminal.
type BulkOperationResult struct {
	Total       int           `json:"total"`
	Success     int           `json:"success"`
	Failed      int           `json:"failed"`
	Skipped     int           `json:"skipped"`
	Errors      []ItemError   `json:"errors"`
	Warnings    []ItemWarning `json:"warnings"`
	StartedAt   time.Time     `json:"startedAt"`
	CompletedAt time.Time     `json:"completedAt,omitzero"`
	Duration    int64         `json:"duration"` // milliseconds
	ExportURL   string        `json:"exportUrl,omitempty"`
}

func (r BulkOperationResult) clone() BulkOperationResult {
	r.Errors = slices.Clone(r.Errors)
	r.Warnings = slices.Clone(r.Warnings)
	return r
}

// ItemError records a target that failed.
type ItemError struct {
	UserID    string    `json:"userId"`
	UserEmail string    `json:"userEmail,omitempty"`
	UserName  string    `json:"userName,omitempty"`
	Code      string    `json:"code,omitempty"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// ItemWarning records a non-failing note about a target, typically a skip.
type ItemWarning struct {
	UserID    string    `json:"userId"`
	UserEmail string    `json:"userEmail,omitempty"`
	UserName  string    `json:"userName,omitempty"`
	Code      string    `json:"code,omitempty"`
	Warning   string    `json:"warning"`
	Timestamp time.Time `json:"timestamp"`
}

// ImportOptions controls validation and commit of an import.
type ImportOptions struct {
	SkipDuplicates       bool              `json:"skipDuplicates"`
	UpdateExisting       bool              `json:"updateExisting"`
	SkipInvalidRows      bool              `json:"skipInvalidRows"`
	DefaultRole          string            `json:"defaultRole,omitempty"`
	DefaultStatus        bool              `json:"defaultStatus"`
	SendWelcomeEmail     bool              `json:"sendWelcomeEmail"`
	RequirePasswordReset bool              `json:"requirePasswordReset"`
	FieldMapping         map[string]string `json:"fieldMapping"` // source column -> target field key
	ValidateOnly         bool              `json:"validateOnly"`
}

// DuplicatePolicy resolves the duplicate flags. SkipDuplicates wins when
// both are set; neither set means a duplicate is an error.
func (o ImportOptions) DuplicatePolicy() DuplicatePolicy {
	switch {
	case o.SkipDuplicates:
		return DuplicateSkip
	case o.UpdateExisting:
		return DuplicateUpdate
	default:
		return DuplicateReject
	}
}

// fingerprint identifies the option values that affect validation outcomes.
func (o ImportOptions) fingerprint() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d|%t|", o.DuplicatePolicy(), o.SkipInvalidRows)
	keys := make([]string, 0, len(o.FieldMapping))
	for k := range o.FieldMapping {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%q=%q;", k, o.FieldMapping[k])
	}
	return b.String()
}

// DuplicatePolicy is how a duplicate email is treated during validation.
type DuplicatePolicy int

const (
	DuplicateReject DuplicatePolicy = iota
	DuplicateSkip
	DuplicateUpdate
)

// Record is one tabular input row. Row is the 1-based line in the source
// file; the header is row 1, so data starts at 2.
type Record struct {
	Row    int               `json:"row"`
	Values map[string]string `json:"values"`
}

// ImportPreview is the parsed content of an uploaded file.
type ImportPreview struct {
	FileName  string   `json:"fileName"`
	Headers   []string `json:"headers"`
	Rows      []Record `json:"rows"`
	TotalRows int      `json:"totalRows"`
}

// RowIssue is one row-level diagnostic.
type RowIssue struct {
	Row     int    `json:"row"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Value   string `json:"value,omitempty"`
}

// ImportValidationResult is the outcome of a dry run.
type ImportValidationResult struct {
	TotalRows        int               `json:"totalRows"`
	ValidRows        int               `json:"validRows"`
	InvalidRows      int               `json:"invalidRows"`
	Errors           []RowIssue        `json:"errors"`
	Warnings         []RowIssue        `json:"warnings"`
	SuggestedMapping map[string]string `json:"suggestedMapping"`
}

// ImportSummary counts commit outcomes.
// Created + Updated + Skipped + InvalidRows always equals TotalRows.
type ImportSummary struct {
	TotalRows   int `json:"totalRows"`
	Created     int `json:"created"`
	Updated     int `json:"updated"`
	Skipped     int `json:"skipped"`
	InvalidRows int `json:"invalidRows"`
}

// ImportResponse is the result of a commit.
type ImportResponse struct {
	Summary   ImportSummary `json:"summary"`
	Errors    []RowIssue    `json:"errors"`
	Warnings  []RowIssue    `json:"warnings"`
	ExportURL string        `json:"exportUrl,omitempty"`
}

func (r ImportResponse) clone() ImportResponse {
	r.Errors = slices.Clone(r.Errors)
	r.Warnings = slices.Clone(r.Warnings)
	return r
}

// ImportProgress is an immutable snapshot of an import commit.
type ImportProgress struct {
	ImportID   string          `json:"importId"`
	Status     RunStatus       `json:"status"`
	Total      int             `json:"total"`
	Processed  int             `json:"processed"`
	Percentage int             `json:"percentage"`
	StartedAt  time.Time       `json:"startedAt"`
	Response   *ImportResponse `json:"response,omitempty"`
}

// percentOf returns round(processed/total*100).
func percentOf(processed, total int) int {
	if total <= 0 {
		return 0
	}
	return (processed*200 + total) / (total * 2)
}
