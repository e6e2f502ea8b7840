package web

import (
	"bytes"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/accountops/internal/core"
	"github.com/JonMunkholm/accountops/internal/logging"
)

// startBulkResponse is returned when a bulk run is accepted.
type startBulkResponse struct {
	JobID    string                     `json:"jobId"`
	Progress core.BulkOperationProgress `json:"progress"`
}

// bulkStatusResponse is the latest state of a job.
type bulkStatusResponse struct {
	JobID    string                      `json:"jobId"`
	Idle     bool                        `json:"idle"`
	Progress *core.BulkOperationProgress `json:"progress,omitempty"`
}

// bulkResultsResponse lists every finished run of a job plus their merge.
type bulkResultsResponse struct {
	JobID    string                     `json:"jobId"`
	Runs     []core.BulkOperationResult `json:"runs"`
	Combined core.BulkOperationResult   `json:"combined"`
}

// handleListOperations lists the supported bulk operations.
func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"operations": core.Operations()})
}

// handleStartBulk validates the request and starts a run on a new job.
func (s *Server) handleStartBulk(w http.ResponseWriter, r *http.Request) {
	var req core.BulkOperationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	// Unknown operations are left as sent and reported with the other problems
	if op, err := core.ParseOperation(string(req.Operation)); err == nil {
		req.Operation = op
	}

	job, progress, err := s.service.StartBatch(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	logging.FromContext(r.Context()).Info("bulk run accepted",
		"job_id", job.ID(),
		"run_id", progress.RunID,
		"operation", req.Operation,
		"targets", progress.Total,
	)
	w.Header().Set("Location", "/api/bulk/"+job.ID())
	writeJSON(w, http.StatusAccepted, startBulkResponse{JobID: job.ID(), Progress: progress})
}

// handleBulkStatus returns the progress of the job's latest run.
func (s *Server) handleBulkStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(w, r)
	if !ok {
		return
	}
	resp := bulkStatusResponse{JobID: job.ID(), Idle: true}
	if p, ok := job.Snapshot(); ok {
		resp.Idle = false
		resp.Progress = &p
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleBulkRun returns the progress of one specific run of a job.
func (s *Server) handleBulkRun(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(w, r)
	if !ok {
		return
	}
	p, err := job.RunSnapshot(chi.URLParam(r, "runID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleBulkEvents streams progress of the latest run as server-sent events.
func (s *Server) handleBulkEvents(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(w, r)
	if !ok {
		return
	}
	updates, err := job.Subscribe()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := streamProgress(w, r, updates); err != nil {
		logging.FromContext(r.Context()).Warn("bulk event stream ended", "job_id", job.ID(), "error", err)
	}
}

// handleCancelBulk requests cancellation of the running run.
func (s *Server) handleCancelBulk(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(w, r)
	if !ok {
		return
	}
	if err := job.Cancel(); err != nil {
		s.respondError(w, r, err)
		return
	}
	p, _ := job.Snapshot()
	writeJSON(w, http.StatusAccepted, startBulkResponse{JobID: job.ID(), Progress: p})
}

// handleRetryBulk starts a run over the failed items of the latest run.
func (s *Server) handleRetryBulk(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(w, r)
	if !ok {
		return
	}
	p, err := job.RetryFailedOnly(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	logging.FromContext(r.Context()).Info("bulk retry accepted",
		"job_id", job.ID(),
		"run_id", p.RunID,
		"targets", p.Total,
	)
	writeJSON(w, http.StatusAccepted, startBulkResponse{JobID: job.ID(), Progress: p})
}

// handleBulkResults returns the results of every finished run.
func (s *Server) handleBulkResults(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(w, r)
	if !ok {
		return
	}
	runs := job.Results()
	if runs == nil {
		runs = []core.BulkOperationResult{}
	}
	writeJSON(w, http.StatusOK, bulkResultsResponse{
		JobID:    job.ID(),
		Runs:     runs,
		Combined: core.MergeResults(runs...),
	})
}

// handleBulkClipboard returns a plain-text summary of the latest run.
func (s *Server) handleBulkClipboard(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(w, r)
	if !ok {
		return
	}
	p, ok := job.Snapshot()
	if !ok || p.Result == nil {
		s.respondError(w, r, core.ErrNotRunning)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(core.ClipboardText(*p.Result)))
}

// handleBulkReport downloads a report of the latest run in the requested format.
func (s *Server) handleBulkReport(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(w, r)
	if !ok {
		return
	}
	report, err := job.DownloadReport()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeReport(w, r, report)
}

// job resolves the {jobID} URL parameter, writing the error response itself.
func (s *Server) job(w http.ResponseWriter, r *http.Request) (*core.BatchController, bool) {
	job, err := s.service.Job(chi.URLParam(r, "jobID"))
	if err != nil {
		s.respondError(w, r, err)
		return nil, false
	}
	return job, true
}

// writeReport renders report in the ?format= query format as an attachment.
// Rendering goes to a buffer first so a failure still yields a clean error.
func (s *Server) writeReport(w http.ResponseWriter, r *http.Request, report core.Report) {
	format, err := core.ParseReportFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := report.Render(r.Context(), &buf, format); err != nil {
		s.respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	if r.URL.Query().Get("inline") == "" {
		w.Header().Set("Content-Disposition", `attachment; filename="`+report.FileName(format)+`"`)
	}
	w.WriteHeader(http.StatusOK)
	buf.WriteTo(w)
}
