package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/accountops/internal/core"
	"github.com/JonMunkholm/accountops/internal/logging"
)

// multipartOverhead is the slack allowed above the file size limit for
// multipart boundaries and other form fields.
const multipartOverhead = 1 << 20

var errNoFile = errors.New("no file provided")

// previewResponse carries a sample of the parsed rows and the proposed mapping.
type previewResponse struct {
	ImportID         string             `json:"importId"`
	Preview          core.ImportPreview `json:"preview"`
	SuggestedMapping map[string]string  `json:"suggestedMapping"`
	Targets          []core.TargetField `json:"targets"`
}

// handleImportTargets lists the fields columns can be mapped to.
func (s *Server) handleImportTargets(w http.ResponseWriter, r *http.Request) {
	limits := s.service.FileLimits()
	writeJSON(w, http.StatusOK, map[string]any{
		"targets":           s.service.Targets(),
		"maxFileSize":       limits.MaxFileSize,
		"maxRows":           limits.MaxRows,
		"allowedExtensions": limits.AllowedExtensions,
	})
}

// handleCreateImport opens a new import session at the Upload step.
func (s *Server) handleCreateImport(w http.ResponseWriter, r *http.Request) {
	p := s.service.NewImport()
	logging.FromContext(r.Context()).Info("import session opened", "import_id", p.ID())
	w.Header().Set("Location", "/api/imports/"+p.ID())
	writeJSON(w, http.StatusCreated, p.State())
}

// handleImportState returns the current step and data of a session.
func (s *Server) handleImportState(w http.ResponseWriter, r *http.Request) {
	p, ok := s.importSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p.State())
}

// handleImportPreview accepts a multipart upload in the "file" field.
func (s *Server) handleImportPreview(w http.ResponseWriter, r *http.Request) {
	p, ok := s.importSession(w, r)
	if !ok {
		return
	}

	maxSize := s.service.FileLimits().MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+multipartOverhead)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			err = fmt.Errorf("%w: upload exceeds %d bytes", core.ErrFileTooLarge, maxSize)
		case errors.Is(err, http.ErrMissingFile):
			err = errNoFile
		default:
			err = fmt.Errorf("%w: %v", core.ErrInvalidRequest, err)
		}
		s.respondError(w, r, err)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.respondError(w, r, fmt.Errorf("%w: reading upload: %v", core.ErrMalformedFile, err))
		return
	}

	preview, suggested, err := p.Preview(r.Context(), header.Filename, data)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	sample := *preview
	if n := s.cfg.Import.PreviewSampleSize; n > 0 && len(sample.Rows) > n {
		sample.Rows = sample.Rows[:n]
	}
	writeJSON(w, http.StatusOK, previewResponse{
		ImportID:         p.ID(),
		Preview:          sample,
		SuggestedMapping: suggested,
		Targets:          p.Targets(),
	})
}

// handleImportOptions stores options and the final mapping.
func (s *Server) handleImportOptions(w http.ResponseWriter, r *http.Request) {
	p, ok := s.importSession(w, r)
	if !ok {
		return
	}
	opts, ok := s.importOptions(w, r, p)
	if !ok {
		return
	}
	state, err := p.ConfigureOptions(opts)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleImportValidate runs a dry run over all rows.
func (s *Server) handleImportValidate(w http.ResponseWriter, r *http.Request) {
	p, ok := s.importSession(w, r)
	if !ok {
		return
	}
	opts, ok := s.importOptions(w, r, p)
	if !ok {
		return
	}
	result, err := p.Validate(r.Context(), opts)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleImportCommit starts writing the valid rows.
func (s *Server) handleImportCommit(w http.ResponseWriter, r *http.Request) {
	p, ok := s.importSession(w, r)
	if !ok {
		return
	}
	opts, ok := s.importOptions(w, r, p)
	if !ok {
		return
	}
	progress, err := p.Commit(r.Context(), opts)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	status := http.StatusAccepted
	if progress.Status.Terminal() {
		status = http.StatusOK
	}
	logging.FromContext(r.Context()).Info("import commit accepted",
		"import_id", p.ID(),
		"rows", progress.Total,
		"validate_only", opts.ValidateOnly,
	)
	writeJSON(w, status, progress)
}

// handleImportEvents streams commit progress as server-sent events.
func (s *Server) handleImportEvents(w http.ResponseWriter, r *http.Request) {
	p, ok := s.importSession(w, r)
	if !ok {
		return
	}
	updates, err := p.Subscribe()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := streamProgress(w, r, updates); err != nil {
		logging.FromContext(r.Context()).Warn("import event stream ended", "import_id", p.ID(), "error", err)
	}
}

// handleImportCancel stops a running commit.
func (s *Server) handleImportCancel(w http.ResponseWriter, r *http.Request) {
	p, ok := s.importSession(w, r)
	if !ok {
		return
	}
	if err := p.CancelCommit(); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, p.State())
}

// handleImportBack moves the session one step back.
func (s *Server) handleImportBack(w http.ResponseWriter, r *http.Request) {
	p, ok := s.importSession(w, r)
	if !ok {
		return
	}
	state, err := p.Back()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleImportClipboard returns a plain-text summary of the commit.
func (s *Server) handleImportClipboard(w http.ResponseWriter, r *http.Request) {
	p, ok := s.importSession(w, r)
	if !ok {
		return
	}
	state := p.State()
	if state.Commit == nil || state.Commit.Response == nil {
		s.respondError(w, r, core.ErrNotRunning)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(core.ImportClipboardText(*state.Commit.Response)))
}

// handleImportReport downloads a report of the commit.
func (s *Server) handleImportReport(w http.ResponseWriter, r *http.Request) {
	p, ok := s.importSession(w, r)
	if !ok {
		return
	}
	report, err := p.DownloadReport()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeReport(w, r, report)
}

// importSession resolves the {importID} URL parameter.
func (s *Server) importSession(w http.ResponseWriter, r *http.Request) (*core.ImportPipeline, bool) {
	p, err := s.service.Import(chi.URLParam(r, "importID"))
	if err != nil {
		s.respondError(w, r, err)
		return nil, false
	}
	return p, true
}

// importOptions decodes options from the body on top of the ones stored on
// the session. An omitted fieldMapping keeps the stored mapping.
func (s *Server) importOptions(w http.ResponseWriter, r *http.Request, p *core.ImportPipeline) (core.ImportOptions, bool) {
	opts := p.State().Options
	opts.FieldMapping = nil
	if err := decodeJSON(w, r, &opts); err != nil {
		s.respondError(w, r, err)
		return core.ImportOptions{}, false
	}
	return opts, true
}
