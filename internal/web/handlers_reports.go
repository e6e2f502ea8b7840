package web

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/accountops/internal/core"
	"github.com/JonMunkholm/accountops/internal/reportstore"
)

const (
	healthTimeout     = 3 * time.Second
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// healthResponse reports dependency state and run admission.
type healthResponse struct {
	Status string                `json:"status"`
	Checks map[string]string     `json:"checks"`
	Runs   core.RunLimiterStatus `json:"runs"`
}

// handleHealth runs every dependency check and reports 503 if any fails.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{
		Status: "ok",
		Checks: make(map[string]string, len(s.deps.Checks)),
		Runs:   s.service.LimiterStatus(),
	}
	status := http.StatusOK
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}

// handleGetReport serves a previously exported report by ID.
func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reports == nil {
		s.respondError(w, r, reportstore.ErrNotFound)
		return
	}
	report, err := s.deps.Reports.Get(r.Context(), chi.URLParam(r, "reportID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeReport(w, r, report)
}

// handleAuditLog lists the most recent audit entries, newest first.
func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	limit := defaultAuditLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.respondError(w, r, fmt.Errorf("%w: limit must be a positive integer", core.ErrInvalidRequest))
			return
		}
		limit = min(n, maxAuditLimit)
	}

	entries := []core.AuditEntry{}
	if s.deps.Audit != nil {
		found, err := s.deps.Audit.RecentAudit(r.Context(), limit)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		if found != nil {
			entries = found
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
