package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidRequest wraps every request-level validation failure.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrAuthorizationDenied is fatal for a whole run. Backends wrap it when
	// the caller lacks the capability to perform the mutation.
	ErrAuthorizationDenied = errors.New("authorization denied")

	ErrRunInProgress   = errors.New("run already in progress")
	ErrNotRunning      = errors.New("no run in progress")
	ErrRetryNotAllowed = errors.New("retry not allowed in current state")
	ErrNoFailedItems   = errors.New("no failed items to retry")
	ErrTooManyRuns     = errors.New("too many concurrent runs, please try again later")

	ErrJobNotFound    = errors.New("job not found")
	ErrImportNotFound = errors.New("import not found")

	ErrStepOrder          = errors.New("import step not allowed")
	ErrCommitInProgress   = errors.New("import commit in progress")
	ErrInvalidRowsPresent = errors.New("import has invalid rows")
	ErrInvalidMapping     = errors.New("invalid field mapping")

	ErrUnsupportedFile = errors.New("unsupported file type")
	ErrFileTooLarge    = errors.New("file too large")
	ErrTooManyRows     = errors.New("too many rows")
	ErrEmptyFile       = errors.New("empty file")
	ErrMalformedFile   = errors.New("malformed file")
)

// RequestError lists every problem found in a request.
type RequestError struct {
	Problems []string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidRequest, strings.Join(e.Problems, "; "))
}

func (e *RequestError) Is(target error) bool {
	return target == ErrInvalidRequest
}

// BackendError is a per-item failure reported by an ExecutionBackend.
// Code is surfaced on the ItemError; Email and Name enrich the diagnostics
// when the backend knows them.
type BackendError struct {
	Code    string
	Message string
	Email   string
	Name    string
	Err     error
}

func (e *BackendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err must terminate the whole run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthorizationDenied)
}

// describeFailure converts a backend error into an item code and message.
// Backend codes win; otherwise the user-facing message table is consulted
// and unmatched errors keep their own text.
func describeFailure(err error) (code, message string) {
	var be *BackendError
	if errors.As(err, &be) && be.Code != "" {
		msg := be.Message
		if msg == "" {
			msg = err.Error()
		}
		return be.Code, msg
	}
	if IsFatal(err) {
		return "AUTHORIZATION_DENIED", err.Error()
	}
	um := MapError(err)
	if um.Code == defaultMessage.Code {
		return um.Code, err.Error()
	}
	return um.Code, um.Message
}
