package web

// errors.go provides unified error responses for the API.
//
// Every error is:
//   - Logged with full technical details and the request ID (server-side)
//   - Returned as a user-facing message with an action and support code
//
// The error flow:
//  1. Handler encounters an error
//  2. Calls s.respondError(w, r, err)
//  3. statusFor picks the HTTP status from the sentinel the error wraps
//  4. core.MapError supplies the user-facing message and code

import (
	"errors"
	"net/http"

	"github.com/JonMunkholm/accountops/internal/core"
	"github.com/JonMunkholm/accountops/internal/logging"
	"github.com/JonMunkholm/accountops/internal/reportstore"
)

// ErrorResponse is the JSON body of every API error.
// Problems lists each field-level issue of a rejected request.
type ErrorResponse struct {
	Error    string   `json:"error"`
	Message  string   `json:"message"`
	Action   string   `json:"action,omitempty"`
	Code     string   `json:"code"`
	Problems []string `json:"problems,omitempty"`
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrJobNotFound),
		errors.Is(err, core.ErrImportNotFound),
		errors.Is(err, reportstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, core.ErrInvalidRequest),
		errors.Is(err, core.ErrInvalidMapping),
		errors.Is(err, core.ErrUnsupportedFile),
		errors.Is(err, core.ErrTooManyRows),
		errors.Is(err, core.ErrEmptyFile),
		errors.Is(err, core.ErrMalformedFile),
		errors.Is(err, errNoFile):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrRunInProgress),
		errors.Is(err, core.ErrNotRunning),
		errors.Is(err, core.ErrRetryNotAllowed),
		errors.Is(err, core.ErrNoFailedItems),
		errors.Is(err, core.ErrStepOrder),
		errors.Is(err, core.ErrCommitInProgress):
		return http.StatusConflict
	case errors.Is(err, core.ErrInvalidRowsPresent):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrTooManyRuns):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrAuthorizationDenied):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// respondError logs err and writes the mapped user-facing message.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	userMsg := core.MapError(err)

	logger := logging.FromContext(r.Context())
	attrs := []any{
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", userMsg.Code,
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		logger.Error("request error", attrs...)
	} else {
		logger.Warn("request rejected", attrs...)
	}

	resp := ErrorResponse{
		Error:   userMsg.Message,
		Message: userMsg.Message,
		Action:  userMsg.Action,
		Code:    userMsg.Code,
	}
	var reqErr *core.RequestError
	if errors.As(err, &reqErr) {
		resp.Problems = reqErr.Problems
	}

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, resp)
}
