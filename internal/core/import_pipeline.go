package core

// import_pipeline.go sequences an account import:
//
//	Upload -> Preview -> Options (mapping) -> Confirm (dry run) -> Result (commit)
//
// Each forward step is an explicit call. Back moves one step toward Upload
// and keeps everything entered so far. Preview and validation results are
// rebuilt from scratch on every call.
//
// Commit is fail-closed: unless SkipInvalidRows is set, a single invalid
// row refuses the whole commit before any backend call is made. Valid rows
// are dispatched one at a time in file order; cancelling stops further
// dispatch but never rolls back rows already written.

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/accountops/internal/logging"
)

// ImportStep is a stage of the import flow.
type ImportStep string

const (
	StepUpload  ImportStep = "upload"
	StepPreview ImportStep = "preview"
	StepOptions ImportStep = "options"
	StepConfirm ImportStep = "confirm"
	StepResult  ImportStep = "result"
)

var importSteps = []ImportStep{StepUpload, StepPreview, StepOptions, StepConfirm, StepResult}

// ImportConfig tunes an ImportPipeline.
type ImportConfig struct {
	Targets  []TargetField
	Limits   FileLimits
	Limiter  *RunLimiter
	Observer Observer
	Audit    AuditRecorder
	Reports  ReportPublisher
}

// ImportState is a read-only view of an import session.
type ImportState struct {
	ID               string                  `json:"id"`
	Step             ImportStep              `json:"step"`
	FileName         string                  `json:"fileName,omitempty"`
	Headers          []string                `json:"headers,omitempty"`
	TotalRows        int                     `json:"totalRows"`
	SuggestedMapping map[string]string       `json:"suggestedMapping,omitempty"`
	Options          ImportOptions           `json:"options"`
	Validation       *ImportValidationResult `json:"validation,omitempty"`
	Commit           *ImportProgress         `json:"commit,omitempty"`
}

// ImportPipeline holds the state of one import session.
type ImportPipeline struct {
	id        string
	backend   ExecutionBackend
	directory EmailDirectory
	targets   []TargetField
	limits    FileLimits
	limiter   *RunLimiter
	observer  Observer
	audit     AuditRecorder
	reports   ReportPublisher

	mu            sync.Mutex
	step          ImportStep
	preview       *ImportPreview
	suggested     map[string]string
	options       ImportOptions
	validation    *ImportValidationResult
	verdicts      []RowVerdict
	validatedWith string
	commit        *importCommit
	touchedAt     time.Time
}

// NewImportPipeline creates a session at the Upload step.
func NewImportPipeline(backend ExecutionBackend, directory EmailDirectory, cfg ImportConfig) *ImportPipeline {
	if len(cfg.Targets) == 0 {
		cfg.Targets = DefaultTargetFields()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	id := uuid.NewString()
	return &ImportPipeline{
		id:        id,
		backend:   backend,
		directory: directory,
		targets:   cfg.Targets,
		limits:    cfg.Limits.withDefaults(),
		limiter:   cfg.Limiter,
		observer:  cfg.Observer,
		audit:     cfg.Audit,
		reports:   cfg.Reports,
		step:      StepUpload,
		touchedAt: time.Now(),
	}
}

// log returns the session logger for a call made under ctx.
func (p *ImportPipeline) log(ctx context.Context) *slog.Logger {
	return logging.WithFields(ctx, "import_id", p.id)
}

// ID returns the session identifier.
func (p *ImportPipeline) ID() string { return p.id }

// Targets returns the fields columns can be mapped to.
func (p *ImportPipeline) Targets() []TargetField { return slices.Clone(p.targets) }

// Preview parses a file and proposes a mapping. On failure the step does
// not change and the caller may upload again.
func (p *ImportPipeline) Preview(ctx context.Context, fileName string, data []byte) (*ImportPreview, map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.requireStepLocked(StepUpload, StepPreview); err != nil {
		return nil, nil, err
	}

	raw, err := readTable(fileName, data, p.limits)
	if err != nil {
		p.log(ctx).Info("import preview rejected", "file", fileName, "error", err)
		return nil, nil, err
	}
	headers := cleanHeaders(raw[0].cells)

	var (
		preview   *ImportPreview
		suggested map[string]string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pv, err := buildPreview(fileName, headers, raw[1:], p.limits)
		if err != nil {
			return err
		}
		preview = pv
		return gctx.Err()
	})
	g.Go(func() error {
		suggested = SuggestMapping(headers, p.targets)
		return nil
	})
	if err := g.Wait(); err != nil {
		p.log(ctx).Info("import preview rejected", "file", fileName, "error", err)
		return nil, nil, err
	}

	p.preview = preview
	p.suggested = suggested
	p.options.FieldMapping = maps.Clone(suggested)
	p.clearValidationLocked()
	p.step = StepPreview
	p.touchedAt = time.Now()

	p.log(ctx).Info("import previewed",
		"file", fileName,
		"rows", preview.TotalRows,
		"columns", len(headers),
		"mapped", len(suggested),
	)
	return preview, maps.Clone(suggested), nil
}

// ConfigureOptions records options and the final mapping and moves to the
// Options step.
func (p *ImportPipeline) ConfigureOptions(opts ImportOptions) (ImportState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.requireStepLocked(StepPreview, StepOptions); err != nil {
		return ImportState{}, err
	}
	if err := p.setOptionsLocked(opts); err != nil {
		return ImportState{}, err
	}
	p.step = StepOptions
	return p.stateLocked(), nil
}

// Validate runs a dry run of every row with the final mapping. Nothing is
// written.
func (p *ImportPipeline) Validate(ctx context.Context, opts ImportOptions) (*ImportValidationResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.requireStepLocked(StepOptions, StepConfirm); err != nil {
		return nil, err
	}
	if err := p.setOptionsLocked(opts); err != nil {
		return nil, err
	}
	if err := p.validateLocked(ctx); err != nil {
		return nil, err
	}
	p.step = StepConfirm

	result := cloneValidation(p.validation)
	return &result, nil
}

// Commit writes every valid row through the ExecutionBackend. It reuses the
// last validation when the options are unchanged and re-validates
// otherwise. With ValidateOnly set it returns the projected outcome without
// any backend call.
func (p *ImportPipeline) Commit(ctx context.Context, opts ImportOptions) (ImportProgress, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.requireStepLocked(StepConfirm); err != nil {
		return ImportProgress{}, err
	}
	if err := p.setOptionsLocked(opts); err != nil {
		return ImportProgress{}, err
	}
	if p.validation == nil || p.validatedWith != p.options.fingerprint() {
		if err := p.validateLocked(ctx); err != nil {
			return ImportProgress{}, err
		}
	}

	if !p.options.SkipInvalidRows && p.validation.InvalidRows > 0 {
		p.log(ctx).Warn("import commit refused",
			"invalid_rows", p.validation.InvalidRows,
			"total_rows", p.validation.TotalRows,
		)
		return ImportProgress{}, fmt.Errorf("%w: %d of %d rows are invalid",
			ErrInvalidRowsPresent, p.validation.InvalidRows, p.validation.TotalRows)
	}

	if p.options.ValidateOnly {
		commit := newImportCommit(p.id, len(p.preview.Rows), nil, p.log(ctx))
		commit.complete(p.projectLocked())
		p.commit = commit
		p.step = StepResult
		p.touchedAt = time.Now()
		return commit.snapshot(), nil
	}

	release := func() {}
	if p.limiter != nil {
		if err := p.limiter.Acquire(ctx); err != nil {
			return ImportProgress{}, err
		}
		release = p.limiter.Release
	}

	runCtx := context.WithoutCancel(ctx)
	dispatchCtx, stop := context.WithCancelCause(runCtx)
	commit := newImportCommit(p.id, len(p.preview.Rows), stop, p.log(ctx))

	job := commitJob{
		rows:      slices.Clone(p.preview.Rows),
		verdicts:  slices.Clone(p.verdicts),
		validator: NewRowValidator(p.targets, p.options.FieldMapping),
		options:   p.options,
		fileName:  p.preview.FileName,
	}

	p.commit = commit
	p.step = StepResult
	p.touchedAt = time.Now()

	commit.logger.Info("import commit started", "rows", len(job.rows))
	p.observer.RunStarted(KindImport)

	snap := commit.snapshot()
	go p.runCommit(runCtx, dispatchCtx, commit, job, release)
	return snap, nil
}

// CancelCommit stops dispatching further rows. It is a no-op once the
// commit is terminal.
func (p *ImportPipeline) CancelCommit() error {
	p.mu.Lock()
	commit := p.commit
	p.mu.Unlock()

	if commit == nil {
		return ErrNotRunning
	}
	if commit.requestCancel() {
		commit.logger.Info("import commit cancel requested")
	}
	return nil
}

// Back moves to the previous step, keeping all entered data.
func (p *ImportPipeline) Back() (ImportState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.step == StepUpload {
		return ImportState{}, fmt.Errorf("%w: already at %s", ErrStepOrder, StepUpload)
	}
	if p.step == StepResult && p.commit != nil && !p.commit.terminal() {
		return ImportState{}, ErrCommitInProgress
	}

	i := slices.Index(importSteps, p.step)
	p.step = importSteps[i-1]
	p.touchedAt = time.Now()
	return p.stateLocked(), nil
}

// State returns a snapshot of the session.
func (p *ImportPipeline) State() ImportState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked()
}

// Subscribe returns a channel of commit progress snapshots, closed after
// the terminal one.
func (p *ImportPipeline) Subscribe() (<-chan ImportProgress, error) {
	p.mu.Lock()
	commit := p.commit
	p.mu.Unlock()

	if commit == nil {
		return nil, ErrNotRunning
	}
	return commit.subscribe(), nil
}

// Wait blocks until the commit is terminal and returns its final snapshot.
func (p *ImportPipeline) Wait(ctx context.Context) (ImportProgress, error) {
	p.mu.Lock()
	commit := p.commit
	p.mu.Unlock()

	if commit == nil {
		return ImportProgress{}, ErrNotRunning
	}
	select {
	case <-commit.done:
		return commit.snapshot(), nil
	case <-ctx.Done():
		return ImportProgress{}, ctx.Err()
	}
}

// DownloadReport builds a report of the latest commit.
func (p *ImportPipeline) DownloadReport() (Report, error) {
	p.mu.Lock()
	commit := p.commit
	fileName := ""
	if p.preview != nil {
		fileName = p.preview.FileName
	}
	p.mu.Unlock()

	if commit == nil {
		return Report{}, ErrNotRunning
	}
	snap := commit.snapshot()
	return NewImportReport(commit.id, fileName, snap.Status, *snap.Response), nil
}

func (p *ImportPipeline) idleSince() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.commit != nil && !p.commit.terminal() {
		return time.Time{}, false
	}
	return p.touchedAt, true
}

func (p *ImportPipeline) requireStepLocked(allowed ...ImportStep) error {
	if p.step == StepResult && p.commit != nil && !p.commit.terminal() {
		return ErrCommitInProgress
	}
	if !slices.Contains(allowed, p.step) {
		return fmt.Errorf("%w: current step is %s", ErrStepOrder, p.step)
	}
	return nil
}

func (p *ImportPipeline) setOptionsLocked(opts ImportOptions) error {
	if opts.FieldMapping == nil {
		opts.FieldMapping = maps.Clone(p.options.FieldMapping)
	}
	if err := ValidateMapping(opts.FieldMapping, p.preview.Headers, p.targets); err != nil {
		return err
	}
	opts.FieldMapping = maps.Clone(opts.FieldMapping)
	p.options = opts
	p.touchedAt = time.Now()
	return nil
}

func (p *ImportPipeline) clearValidationLocked() {
	p.validation = nil
	p.verdicts = nil
	p.validatedWith = ""
}

// validateLocked runs the dry run with the current options.
func (p *ImportPipeline) validateLocked(ctx context.Context) error {
	validator := NewRowValidator(p.targets, p.options.FieldMapping)

	existing := NewEmailSet()
	if p.directory != nil {
		var emails []string
		for _, rec := range p.preview.Rows {
			if email, _ := validator.Value(rec, FieldKeyEmail); emailRegex.MatchString(email) {
				emails = append(emails, normalizeEmail(email))
			}
		}
		if len(emails) > 0 {
			found, err := p.directory.ExistingEmails(ctx, emails)
			if err != nil {
				return fmt.Errorf("look up existing emails: %w", err)
			}
			existing = found
		}
	}

	result := &ImportValidationResult{
		TotalRows:        len(p.preview.Rows),
		Errors:           []RowIssue{},
		Warnings:         []RowIssue{},
		SuggestedMapping: maps.Clone(p.suggested),
	}
	verdicts := make([]RowVerdict, len(p.preview.Rows))
	seen := NewEmailSet()

	for i, rec := range p.preview.Rows {
		v := validator.Validate(rec, p.options, existing, seen)
		if v.Valid() && v.Email != "" {
			seen.Add(v.Email)
		}
		if v.Valid() {
			result.ValidRows++
		} else {
			result.InvalidRows++
		}
		result.Errors = append(result.Errors, v.Errors...)
		result.Warnings = append(result.Warnings, v.Warnings...)
		verdicts[i] = v
	}

	p.validation = result
	p.verdicts = verdicts
	p.validatedWith = p.options.fingerprint()

	p.log(ctx).Info("import validated",
		"valid_rows", result.ValidRows,
		"invalid_rows", result.InvalidRows,
		"warnings", len(result.Warnings),
	)
	return nil
}

// projectLocked predicts the commit outcome from the last validation.
func (p *ImportPipeline) projectLocked() ImportResponse {
	resp := ImportResponse{
		Summary:  ImportSummary{TotalRows: len(p.verdicts)},
		Errors:   slices.Clone(p.validation.Errors),
		Warnings: slices.Clone(p.validation.Warnings),
	}
	for _, v := range p.verdicts {
		switch {
		case !v.Valid():
			resp.Summary.InvalidRows++
		case v.Classification == RowSkippable:
			resp.Summary.Skipped++
		case (v.Existing || v.DuplicateInFile) && p.options.DuplicatePolicy() == DuplicateUpdate:
			resp.Summary.Updated++
		default:
			resp.Summary.Created++
		}
	}
	return resp
}

func (p *ImportPipeline) stateLocked() ImportState {
	st := ImportState{
		ID:      p.id,
		Step:    p.step,
		Options: p.options,
	}
	st.Options.FieldMapping = maps.Clone(p.options.FieldMapping)
	if p.preview != nil {
		st.FileName = p.preview.FileName
		st.Headers = slices.Clone(p.preview.Headers)
		st.TotalRows = p.preview.TotalRows
		st.SuggestedMapping = maps.Clone(p.suggested)
	}
	if p.validation != nil {
		v := cloneValidation(p.validation)
		st.Validation = &v
	}
	if p.commit != nil {
		c := p.commit.snapshot()
		st.Commit = &c
	}
	return st
}

func cloneValidation(v *ImportValidationResult) ImportValidationResult {
	out := *v
	out.Errors = slices.Clone(v.Errors)
	out.Warnings = slices.Clone(v.Warnings)
	out.SuggestedMapping = maps.Clone(v.SuggestedMapping)
	return out
}

type commitJob struct {
	rows      []Record
	verdicts  []RowVerdict
	validator *RowValidator
	options   ImportOptions
	fileName  string
}

// runCommit dispatches rows in order. It is the only writer of commit state.
func (p *ImportPipeline) runCommit(runCtx, dispatchCtx context.Context, commit *importCommit, job commitJob, release func()) {
	defer close(commit.done)
	defer release()

	callCtx := context.WithoutCancel(dispatchCtx)
	for i, rec := range job.rows {
		v := job.verdicts[i]

		switch {
		case !v.Valid():
			commit.resolveInvalid(v)
			p.observer.ImportRowResolved(OutcomeInvalid)
		case v.Classification == RowSkippable:
			commit.resolveSkipped(v)
			p.observer.ImportRowResolved(OutcomeSkipped)
		case dispatchCtx.Err() != nil:
			commit.resolveNotAttempted(v)
			p.observer.ImportRowResolved(OutcomeSkipped)
		default:
			outcome, err := p.backend.CommitRow(callCtx, job.validator.BuildAccountRecord(rec, v), job.options)
			if IsFatal(err) {
				commit.stop(err)
			}
			label := commit.resolveCommitted(v, outcome, err)
			p.observer.ImportRowResolved(label)
		}
	}

	status := commit.finish()
	snap := commit.snapshot()

	exportURL := ""
	if p.reports != nil {
		ctx, cancel := context.WithTimeout(runCtx, 10*time.Second)
		url, err := p.reports.Publish(ctx, NewImportReport(commit.id, job.fileName, status, *snap.Response))
		cancel()
		if err != nil {
			commit.logger.Warn("failed to publish import report", "error", err)
		} else {
			exportURL = url
		}
	}
	final := commit.terminate(exportURL)

	p.mu.Lock()
	p.clearValidationLocked()
	p.touchedAt = time.Now()
	p.mu.Unlock()

	s := final.Response.Summary
	elapsed := time.Since(final.StartedAt)
	p.observer.RunFinished(KindImport, final.Status, elapsed)
	commit.logger.Info("import commit finished",
		"status", final.Status,
		"total_rows", s.TotalRows,
		"created", s.Created,
		"updated", s.Updated,
		"skipped", s.Skipped,
		"invalid_rows", s.InvalidRows,
		"duration_ms", elapsed.Milliseconds(),
	)
	recordAudit(runCtx, p.audit, newImportAuditEntry(runCtx, p.id, commit.id, final.Status, s), commit.logger)
}

// importCommit holds the state of one commit.
type importCommit struct {
	id     string
	stop   context.CancelCauseFunc
	done   chan struct{}
	logger *slog.Logger

	mu              sync.Mutex
	progress        ImportProgress
	response        ImportResponse
	cancelRequested bool
	fatal           bool
	finishing       bool
	listeners       []chan ImportProgress
}

func newImportCommit(importID string, total int, stop context.CancelCauseFunc, logger *slog.Logger) *importCommit {
	id := uuid.NewString()
	if stop == nil {
		stop = func(error) {}
	}
	return &importCommit{
		id:     id,
		stop:   stop,
		done:   make(chan struct{}),
		logger: logger.With("commit_id", id),
		progress: ImportProgress{
			ImportID:  importID,
			Status:    StatusInProgress,
			Total:     total,
			StartedAt: time.Now().UTC(),
		},
		response: ImportResponse{
			Summary:  ImportSummary{TotalRows: total},
			Errors:   []RowIssue{},
			Warnings: []RowIssue{},
		},
	}
}

func (c *importCommit) terminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress.Status.Terminal()
}

func (c *importCommit) snapshot() ImportProgress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *importCommit) snapshotLocked() ImportProgress {
	p := c.progress
	resp := c.response.clone()
	p.Response = &resp
	return p
}

func (c *importCommit) requestCancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.progress.Status.Terminal() || c.cancelRequested || c.finishing {
		return false
	}
	c.cancelRequested = true
	c.stop(errCancelRequested)
	return true
}

// complete finalizes a commit that never dispatched, used for ValidateOnly.
func (c *importCommit) complete(resp ImportResponse) {
	c.mu.Lock()
	c.response = resp
	c.progress.Processed = c.progress.Total
	c.progress.Percentage = 100
	c.progress.Status = StatusCompleted
	c.finishing = true
	c.mu.Unlock()
	close(c.done)
}

func (c *importCommit) resolveInvalid(v RowVerdict) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.response.Summary.InvalidRows++
	c.appendIssuesLocked(v)
	c.advanceLocked()
}

func (c *importCommit) resolveSkipped(v RowVerdict) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.response.Summary.Skipped++
	c.appendIssuesLocked(v)
	c.advanceLocked()
}

func (c *importCommit) resolveNotAttempted(v RowVerdict) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.response.Summary.Skipped++
	c.appendIssuesLocked(v)
	reason := "not imported: commit cancelled"
	if c.fatal {
		reason = "not imported: commit stopped after a fatal error"
	}
	c.response.Warnings = append(c.response.Warnings, RowIssue{Row: v.Row, Message: reason})
	c.notifyListenersLocked()
}

func (c *importCommit) resolveCommitted(v RowVerdict, outcome CommitOutcome, err error) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appendIssuesLocked(v)

	var label string
	switch {
	case err != nil:
		label = OutcomeInvalid
		_, msg := describeFailure(err)
		c.response.Summary.InvalidRows++
		c.response.Errors = append(c.response.Errors, RowIssue{Row: v.Row, Message: "commit failed: " + msg, Value: v.Email})
		if IsFatal(err) && !c.fatal {
			c.fatal = true
			c.logger.Error("import commit hit fatal error", "row", v.Row, "error", err)
		}
	case outcome == CommitUpdated:
		label = OutcomeUpdated
		c.response.Summary.Updated++
	case outcome == CommitSkipped:
		label = OutcomeSkipped
		c.response.Summary.Skipped++
		c.response.Warnings = append(c.response.Warnings, RowIssue{Row: v.Row, Field: FieldKeyEmail, Message: "account already exists; row skipped", Value: v.Email})
	default:
		label = OutcomeCreated
		c.response.Summary.Created++
	}
	c.advanceLocked()
	return label
}

func (c *importCommit) appendIssuesLocked(v RowVerdict) {
	c.response.Errors = append(c.response.Errors, v.Errors...)
	c.response.Warnings = append(c.response.Warnings, v.Warnings...)
}

func (c *importCommit) advanceLocked() {
	c.progress.Processed++
	c.progress.Percentage = percentOf(c.progress.Processed, c.progress.Total)
	c.notifyListenersLocked()
}

func (c *importCommit) finish() RunStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishing = true
	return c.finalStatusLocked()
}

func (c *importCommit) finalStatusLocked() RunStatus {
	switch {
	case c.fatal:
		return StatusFailed
	case c.cancelRequested:
		return StatusCancelled
	default:
		return StatusCompleted
	}
}

func (c *importCommit) terminate(exportURL string) ImportProgress {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.response.ExportURL = exportURL
	c.progress.Status = c.finalStatusLocked()
	c.stop(nil)
	c.notifyListenersLocked()
	for _, ch := range c.listeners {
		close(ch)
	}
	c.listeners = nil
	return c.snapshotLocked()
}

func (c *importCommit) subscribe() <-chan ImportProgress {
	ch := make(chan ImportProgress, 1)

	c.mu.Lock()
	defer c.mu.Unlock()

	ch <- c.snapshotLocked()
	if c.progress.Status.Terminal() {
		close(ch)
		return ch
	}
	c.listeners = append(c.listeners, ch)
	return ch
}

func (c *importCommit) notifyListenersLocked() {
	if len(c.listeners) == 0 {
		return
	}
	snap := c.snapshotLocked()
	for _, ch := range c.listeners {
		pushLatest(ch, snap)
	}
}
