package core

// # Error Codes Reference
//
// User-facing messages with support codes. Operators quote the code when
// reporting a problem; the technical error stays in the server log.
//
// # Authorization (AUTH001-AUTH099)
//
//	AUTH001 - Permission denied for the requested account operation
//	          Action: Ask an administrator to grant the required role
//	          Patterns: "authorization denied", "permission denied"
//
// # Bulk Operations (BULK001-BULK099)
//
//	BULK001 - Another bulk operation is still running for this job
//	BULK002 - There is no running operation to cancel
//	BULK003 - Retry is only possible after a completed or cancelled run
//	BULK004 - The last run has no failed accounts to retry
//	BULK005 - Too many operations are running; try again shortly
//	BULK006 - The bulk job no longer exists
//	BULK007 - The request is missing or has invalid fields
//	BULK008 - The exported report has expired
//
// # Import (IMP001-IMP099)
//
//	IMP001 - The import session no longer exists
//	IMP002 - The requested step is not available from the current step
//	IMP003 - The import is being committed
//	IMP004 - Invalid rows block the import
//	IMP005 - The column mapping is invalid
//
// # File Errors (FILE001-FILE099)
//
//	FILE001 - Unsupported file type (CSV and XLSX are accepted)
//	FILE002 - File exceeds the maximum size
//	FILE003 - File has more rows than allowed
//	FILE004 - File has no data rows
//	FILE005 - File could not be parsed
//	FILE006 - No file was provided
//
// # Row Validation (VAL001-VAL099)
//
//	VAL001 - Required field is empty
//	VAL002 - Required column is not mapped
//	VAL003 - Email address is malformed
//	VAL004 - Date could not be read
//	VAL005 - Integer could not be read
//	VAL006 - Yes/no value could not be read
//	VAL007 - An account with this email already exists
//	VAL008 - The email appears earlier in the same file
//
// # Database Errors (DB001-DB099)
//
//	DB001 - Duplicate key
//	DB002 - Unique constraint
//	DB003 - Referenced record does not exist
//	DB004 - Connection refused
//	DB005 - Connection reset
//	DB006 - Timeout
//	DB007 - Deadlock
//
// # Requests (REQ001-REQ099)
//
//	REQ001 - Request was cancelled
//	REQ002 - Request timed out
//	RATE001 - Rate limited
//
// # Default Error (ERR000)
//
// Fallback when no pattern matches. Check the application log for the
// original error.
//
// # Pattern Matching
//
// Patterns are matched case-insensitively with strings.Contains and the first
// match wins, so specific patterns come before general ones.

import (
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"`
	Action  string `json:"action"`
	Code    string `json:"code"`
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	// Authorization
	{"authorization denied", UserMessage{"You do not have permission to perform this operation", "Ask an administrator to grant the required role", "AUTH001"}},
	{"permission denied", UserMessage{"You do not have permission to perform this operation", "Ask an administrator to grant the required role", "AUTH001"}},

	// Bulk operations
	{"run already in progress", UserMessage{"Another operation is still running", "Wait for it to finish or cancel it first", "BULK001"}},
	{"no run in progress", UserMessage{"There is no running operation", "Refresh to see the latest status", "BULK002"}},
	{"retry not allowed", UserMessage{"Retry is not available yet", "Wait until the run completes or is cancelled", "BULK003"}},
	{"no failed items to retry", UserMessage{"There are no failed accounts to retry", "No action needed", "BULK004"}},
	{"too many concurrent runs", UserMessage{"Too many operations are running", "Please wait a moment and try again", "BULK005"}},
	{"job not found", UserMessage{"This bulk job no longer exists", "Start a new operation", "BULK006"}},
	{"invalid request", UserMessage{"The request is missing or has invalid fields", "Review the selection and options, then try again", "BULK007"}},
	{"report not found", UserMessage{"This report is no longer available", "Run the operation again to get a new report", "BULK008"}},

	// Import
	{"import not found", UserMessage{"This import session has expired", "Upload the file again", "IMP001"}},
	{"import step not allowed", UserMessage{"That step is not available yet", "Complete the current step first", "IMP002"}},
	{"import commit in progress", UserMessage{"The import is still running", "Wait for it to finish or cancel it", "IMP003"}},
	{"import has invalid rows", UserMessage{"Some rows are invalid, nothing was imported", "Fix the rows or enable skipping invalid rows", "IMP004"}},
	{"invalid field mapping", UserMessage{"The column mapping is invalid", "Map each field from at most one column", "IMP005"}},

	// Files
	{"unsupported file type", UserMessage{"This file type is not supported", "Upload a CSV or XLSX file", "FILE001"}},
	{"file too large", UserMessage{"The file exceeds the maximum size", "Split the file into smaller files", "FILE002"}},
	{"too many rows", UserMessage{"The file has too many rows", "Split the file into smaller files", "FILE003"}},
	{"empty file", UserMessage{"The file has no data rows", "Upload a file with a header row and data", "FILE004"}},
	{"malformed file", UserMessage{"The file could not be read", "Check that the file is a valid CSV or XLSX", "FILE005"}},
	{"no file provided", UserMessage{"No file was selected", "Choose a file to upload", "FILE006"}},

	// Row validation
	{"required field is empty", UserMessage{"Required field is empty", "Fill in email, first name and last name", "VAL001"}},
	{"required column is not mapped", UserMessage{"Required column is not mapped", "Map a column to every required field", "VAL002"}},
	{"invalid email", UserMessage{"Email address is malformed", "Use the form name@example.com", "VAL003"}},
	{"invalid date", UserMessage{"Date could not be read", "Use YYYY-MM-DD or MM/DD/YYYY", "VAL004"}},
	{"invalid integer", UserMessage{"Number could not be read", "Use whole numbers only", "VAL005"}},
	{"invalid boolean", UserMessage{"Yes/no value could not be read", "Use yes/no, true/false or 1/0", "VAL006"}},
	{"already exists", UserMessage{"An account with this email already exists", "Enable skip duplicates or update existing", "VAL007"}},
	{"appears earlier in this file", UserMessage{"The email appears more than once in the file", "Remove the repeated row", "VAL008"}},

	// Database
	{"duplicate key", UserMessage{"A record with this key already exists", "Review the data for duplicates", "DB001"}},
	{"unique constraint", UserMessage{"This value must be unique but already exists", "Review the data for duplicates", "DB002"}},
	{"violates unique", UserMessage{"A duplicate value was found", "Review the data for duplicates", "DB002"}},
	{"foreign key", UserMessage{"Referenced record does not exist", "Check the role or group exists", "DB003"}},
	{"connection refused", UserMessage{"Unable to connect to database", "Please try again in a few moments", "DB004"}},
	{"connection reset", UserMessage{"Database connection was interrupted", "Retry the failed items", "DB005"}},
	{"timeout", UserMessage{"Operation timed out", "Retry the failed items", "DB006"}},
	{"deadlock", UserMessage{"Database was busy with conflicting operations", "Retry the failed items", "DB007"}},

	// Requests
	{"context canceled", UserMessage{"Request was cancelled", "Please try again", "REQ001"}},
	{"context deadline exceeded", UserMessage{"Request timed out", "Retry the failed items", "REQ002"}},
	{"rate limit", UserMessage{"Too many requests", "Please wait a moment before trying again", "RATE001"}},
}

// defaultMessage is returned when no pattern matches.
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
// It returns the first pattern match, or the ERR000 fallback.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	errStr := strings.ToLower(err.Error())

	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError formats err as "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err matches a known pattern.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
