package core

// batch.go drives bulk operations over a set of accounts.
//
// A BatchController owns a sequence of runs, at most one in progress. Each
// run dispatches one ExecutionBackend call per target, up to the configured
// concurrency, and folds outcomes into its result from a single goroutine.
// Snapshots handed to callers are copies; nothing outside the fold loop
// writes progress or result.
//
// Cancellation and fatal errors stop further dispatch. Calls already sent
// run to completion with a context that is never cancelled, and their
// outcomes are still folded. Targets never dispatched are counted as
// skipped so the result always partitions the target set.

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/JonMunkholm/accountops/internal/logging"
)

// DefaultItemConcurrency dispatches items strictly in order.
const DefaultItemConcurrency = 1

// CodeNotAttempted marks targets skipped because the run stopped early.
const CodeNotAttempted = "NOT_ATTEMPTED"

// CodeAlreadyApplied marks targets the backend skipped as already done.
const CodeAlreadyApplied = "ALREADY_APPLIED"

var errCancelRequested = errors.New("cancel requested")

// BatchConfig tunes a BatchController.
type BatchConfig struct {
	Concurrency int
	Limiter     *RunLimiter
	Observer    Observer
	Audit       AuditRecorder
	Reports     ReportPublisher
}

// BatchController runs bulk operations for one job.
type BatchController struct {
	id          string
	backend     ExecutionBackend
	concurrency int
	limiter     *RunLimiter
	observer    Observer
	audit       AuditRecorder
	reports     ReportPublisher
	createdAt   time.Time

	mu       sync.Mutex
	starting bool
	runs     []*bulkRun
}

// NewBatchController creates an idle controller.
func NewBatchController(backend ExecutionBackend, cfg BatchConfig) *BatchController {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultItemConcurrency
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	id := uuid.NewString()
	return &BatchController{
		id:          id,
		backend:     backend,
		concurrency: cfg.Concurrency,
		limiter:     cfg.Limiter,
		observer:    cfg.Observer,
		audit:       cfg.Audit,
		reports:     cfg.Reports,
		createdAt:   time.Now(),
	}
}

// ID returns the job identifier.
func (c *BatchController) ID() string { return c.id }

// ValidateRequest checks request invariants and reports every problem.
func ValidateRequest(req BulkOperationRequest) error {
	var problems []string

	if !req.Operation.Valid() {
		problems = append(problems, fmt.Sprintf("unknown operation %q", req.Operation))
	}
	if len(req.TargetIDs) == 0 {
		problems = append(problems, "targetIds must not be empty")
	}

	seen := make(map[string]struct{}, len(req.TargetIDs))
	for _, id := range req.TargetIDs {
		if id == "" {
			problems = append(problems, "targetIds must not contain empty ids")
			continue
		}
		if _, dup := seen[id]; dup {
			problems = append(problems, fmt.Sprintf("duplicate target id %q", id))
		}
		seen[id] = struct{}{}
	}

	switch {
	case req.Operation == OpAssignRole && req.RoleID == "":
		problems = append(problems, "roleId is required for assign_role")
	case req.Operation != OpAssignRole && req.RoleID != "":
		problems = append(problems, "roleId is only allowed for assign_role")
	}

	if len(problems) > 0 {
		return &RequestError{Problems: problems}
	}
	return nil
}

// Start validates req and begins a new run. It returns the initial snapshot
// without waiting for any item; use Subscribe, Snapshot or Wait to follow it.
func (c *BatchController) Start(ctx context.Context, req BulkOperationRequest) (BulkOperationProgress, error) {
	if err := ValidateRequest(req); err != nil {
		return BulkOperationProgress{}, err
	}

	c.mu.Lock()
	if c.starting || c.activeLocked() != nil {
		c.mu.Unlock()
		return BulkOperationProgress{}, ErrRunInProgress
	}
	c.starting = true
	c.mu.Unlock()

	release := func() {}
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx); err != nil {
			c.mu.Lock()
			c.starting = false
			c.mu.Unlock()
			return BulkOperationProgress{}, err
		}
		release = c.limiter.Release
	}

	req.TargetIDs = slices.Clone(req.TargetIDs)
	runCtx := context.WithoutCancel(ctx)
	dispatchCtx, stop := context.WithCancelCause(runCtx)
	run := newBulkRun(req, stop, logging.WithFields(ctx, "job_id", c.id))

	c.mu.Lock()
	c.runs = append(c.runs, run)
	c.starting = false
	c.mu.Unlock()

	run.logger.Info("bulk run started",
		"operation", req.Operation,
		"targets", len(req.TargetIDs),
		"concurrency", c.concurrency,
	)
	c.observer.RunStarted(KindBulk)

	snap := run.snapshot()
	go c.execute(runCtx, dispatchCtx, run, release)
	return snap, nil
}

// Cancel stops dispatching further items of the running run. It is a no-op
// once the run is terminal.
func (c *BatchController) Cancel() error {
	run := c.latest()
	if run == nil {
		return ErrNotRunning
	}
	if run.requestCancel() {
		run.logger.Info("bulk run cancel requested")
	}
	return nil
}

// RetryFailedOnly starts a new run targeting exactly the failed items of the
// latest run. It is allowed only after a Completed or Cancelled run with at
// least one failure.
func (c *BatchController) RetryFailedOnly(ctx context.Context) (BulkOperationProgress, error) {
	run := c.latest()
	if run == nil {
		return BulkOperationProgress{}, ErrRetryNotAllowed
	}

	snap := run.snapshot()
	if snap.Status != StatusCompleted && snap.Status != StatusCancelled {
		return BulkOperationProgress{}, fmt.Errorf("%w: latest run is %s", ErrRetryNotAllowed, snap.Status)
	}
	if snap.Result.Failed == 0 {
		return BulkOperationProgress{}, ErrNoFailedItems
	}

	ids := make([]string, 0, snap.Result.Failed)
	for _, e := range snap.Result.Errors {
		ids = append(ids, e.UserID)
	}

	req := run.req
	req.TargetIDs = ids
	return c.Start(ctx, req)
}

// Snapshot returns the latest run's progress. ok is false while idle.
func (c *BatchController) Snapshot() (p BulkOperationProgress, ok bool) {
	run := c.latest()
	if run == nil {
		return BulkOperationProgress{}, false
	}
	return run.snapshot(), true
}

// RunSnapshot returns the progress of a specific run.
func (c *BatchController) RunSnapshot(runID string) (BulkOperationProgress, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.runs {
		if r.id == runID {
			return r.snapshot(), nil
		}
	}
	return BulkOperationProgress{}, fmt.Errorf("%w: run %s", ErrJobNotFound, runID)
}

// Subscribe returns a channel of progress snapshots for the latest run.
// A slow reader may miss intermediate snapshots but always receives the
// newest one; the channel is closed after the terminal snapshot.
func (c *BatchController) Subscribe() (<-chan BulkOperationProgress, error) {
	run := c.latest()
	if run == nil {
		return nil, ErrNotRunning
	}
	return run.subscribe(), nil
}

// Wait blocks until the latest run is terminal and returns its final snapshot.
func (c *BatchController) Wait(ctx context.Context) (BulkOperationProgress, error) {
	run := c.latest()
	if run == nil {
		return BulkOperationProgress{}, ErrNotRunning
	}
	select {
	case <-run.done:
		return run.snapshot(), nil
	case <-ctx.Done():
		return BulkOperationProgress{}, ctx.Err()
	}
}

// Results returns the results of all terminal runs in start order.
func (c *BatchController) Results() []BulkOperationResult {
	c.mu.Lock()
	runs := slices.Clone(c.runs)
	c.mu.Unlock()

	var out []BulkOperationResult
	for _, r := range runs {
		if snap := r.snapshot(); snap.Status.Terminal() {
			out = append(out, *snap.Result)
		}
	}
	return out
}

// DownloadReport builds a report of the latest run.
func (c *BatchController) DownloadReport() (Report, error) {
	run := c.latest()
	if run == nil {
		return Report{}, ErrNotRunning
	}
	snap := run.snapshot()
	return NewBulkReport(snap.RunID, snap.Operation, snap.Status, *snap.Result), nil
}

// idleSince reports when the controller last changed, and whether it is idle.
func (c *BatchController) idleSince() (time.Time, bool) {
	run := c.latest()
	if run == nil {
		return c.createdAt, true
	}
	snap := run.snapshot()
	if !snap.Status.Terminal() {
		return time.Time{}, false
	}
	return snap.Result.CompletedAt, true
}

func (c *BatchController) latest() *bulkRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.runs) == 0 {
		return nil
	}
	return c.runs[len(c.runs)-1]
}

func (c *BatchController) activeLocked() *bulkRun {
	if len(c.runs) == 0 {
		return nil
	}
	if r := c.runs[len(c.runs)-1]; !r.terminal() {
		return r
	}
	return nil
}

type itemOutcome struct {
	id     string
	result ApplyResult
	err    error
}

// execute runs the fold loop. It is the only writer of run state.
func (c *BatchController) execute(runCtx, dispatchCtx context.Context, run *bulkRun, release func()) {
	defer close(run.done)
	defer release()

	outcomes := make(chan itemOutcome)
	dispatched := make(chan int, 1)
	go c.dispatch(dispatchCtx, run, outcomes, dispatched)

	for o := range outcomes {
		outcome := run.fold(o)
		c.observer.ItemResolved(run.req.Operation, outcome)
	}
	run.finish(<-dispatched)

	snap := run.snapshot()
	exportURL := c.publish(runCtx, run, snap)
	final := run.terminate(exportURL)

	c.observer.RunFinished(KindBulk, final.Status, time.Duration(final.Result.Duration)*time.Millisecond)
	run.logger.Info("bulk run finished",
		"status", final.Status,
		"total", final.Result.Total,
		"success", final.Result.Success,
		"failed", final.Result.Failed,
		"skipped", final.Result.Skipped,
		"duration_ms", final.Result.Duration,
	)
	recordAudit(runCtx, c.audit, newBulkAuditEntry(runCtx, c.id, run.req, final), run.logger)
}

// dispatch sends items in order until every target is sent or ctx stops.
// It reports how many targets were dispatched before closing out.
func (c *BatchController) dispatch(ctx context.Context, run *bulkRun, out chan<- itemOutcome, dispatched chan<- int) {
	sem := semaphore.NewWeighted(int64(c.concurrency))
	callCtx := context.WithoutCancel(ctx)
	var g errgroup.Group

	n := 0
	for _, id := range run.req.TargetIDs {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		if ctx.Err() != nil {
			sem.Release(1)
			break
		}
		n++

		item := ItemRequest{
			Operation: run.req.Operation,
			TargetID:  id,
			RoleID:    run.req.RoleID,
			Reason:    run.req.Reason,
			Force:     run.req.Force,
		}
		g.Go(func() error {
			defer sem.Release(1)
			res, err := c.backend.ApplyOperation(callCtx, item)
			if IsFatal(err) {
				run.stop(err)
			}
			out <- itemOutcome{id: item.TargetID, result: res, err: err}
			return nil
		})
	}

	_ = g.Wait()
	dispatched <- n
	close(out)
}

func (c *BatchController) publish(ctx context.Context, run *bulkRun, snap BulkOperationProgress) string {
	if c.reports == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url, err := c.reports.Publish(ctx, NewBulkReport(snap.RunID, snap.Operation, run.finalStatus(), *snap.Result))
	if err != nil {
		run.logger.Warn("failed to publish bulk report", "error", err)
		return ""
	}
	return url
}

// bulkRun holds the state of one run.
type bulkRun struct {
	id     string
	req    BulkOperationRequest
	stop   context.CancelCauseFunc
	done   chan struct{}
	logger *slog.Logger

	mu              sync.Mutex
	progress        BulkOperationProgress
	result          BulkOperationResult
	cancelRequested bool
	fatal           bool
	finishing       bool
	listeners       []chan BulkOperationProgress
}

func newBulkRun(req BulkOperationRequest, stop context.CancelCauseFunc, logger *slog.Logger) *bulkRun {
	id := uuid.NewString()
	now := time.Now().UTC()
	return &bulkRun{
		id:     id,
		req:    req,
		stop:   stop,
		done:   make(chan struct{}),
		logger: logger.With("run_id", id, "operation", req.Operation),
		progress: BulkOperationProgress{
			RunID:     id,
			Operation: req.Operation,
			Status:    StatusInProgress,
			Total:     len(req.TargetIDs),
			StartedAt: now,
		},
		result: BulkOperationResult{
			Total:     len(req.TargetIDs),
			Errors:    []ItemError{},
			Warnings:  []ItemWarning{},
			StartedAt: now,
		},
	}
}

func (r *bulkRun) terminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress.Status.Terminal()
}

func (r *bulkRun) snapshot() BulkOperationProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *bulkRun) snapshotLocked() BulkOperationProgress {
	p := r.progress
	result := r.result.clone()
	p.Result = &result
	if p.EstimatedCompletion != nil {
		eta := *p.EstimatedCompletion
		p.EstimatedCompletion = &eta
	}
	return p
}

func (r *bulkRun) requestCancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.progress.Status.Terminal() || r.cancelRequested || r.finishing {
		return false
	}
	r.cancelRequested = true
	r.stop(errCancelRequested)
	return true
}

// fold records one resolved item and returns its outcome label.
func (r *bulkRun) fold(o itemOutcome) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	var outcome string

	switch {
	case o.err != nil:
		outcome = OutcomeFailed
		code, msg := describeFailure(o.err)
		email, name := o.result.Email, o.result.Name
		var be *BackendError
		if errors.As(o.err, &be) {
			email = cmp.Or(be.Email, email)
			name = cmp.Or(be.Name, name)
		}
		r.result.Failed++
		r.result.Errors = append(r.result.Errors, ItemError{
			UserID:    o.id,
			UserEmail: email,
			UserName:  name,
			Code:      code,
			Error:     msg,
			Timestamp: now,
		})
		r.logger.Debug("item failed", "target_id", o.id, "code", code, "error", o.err)
	case o.result.Outcome == ApplySkipped:
		outcome = OutcomeSkipped
		r.result.Skipped++
		r.result.Warnings = append(r.result.Warnings, ItemWarning{
			UserID:    o.id,
			UserEmail: o.result.Email,
			UserName:  o.result.Name,
			Code:      CodeAlreadyApplied,
			Warning:   cmp.Or(o.result.Message, "already in requested state"),
			Timestamp: now,
		})
	default:
		outcome = OutcomeSuccess
		r.result.Success++
	}

	switch {
	case IsFatal(o.err) && !r.fatal:
		r.fatal = true
		r.logger.Error("bulk run hit fatal error", "target_id", o.id, "error", o.err)
	case !r.fatal:
		r.progress.Processed++
	}

	r.progress.Percentage = percentOf(r.progress.Processed, r.progress.Total)
	if !r.fatal && r.progress.Processed > 0 && r.progress.Processed < r.progress.Total {
		perItem := now.Sub(r.progress.StartedAt) / time.Duration(r.progress.Processed)
		eta := now.Add(perItem * time.Duration(r.progress.Total-r.progress.Processed))
		r.progress.EstimatedCompletion = &eta
	} else {
		r.progress.EstimatedCompletion = nil
	}

	r.notifyListenersLocked()
	return outcome
}

// finish counts every target that was never dispatched as skipped. After
// finish the final status is fixed and Cancel becomes a no-op.
func (r *bulkRun) finish(dispatched int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.finishing = true

	reason := "not attempted: run cancelled"
	if r.fatal {
		reason = "not attempted: run stopped after a fatal error"
	}

	now := time.Now().UTC()
	for _, id := range r.req.TargetIDs[dispatched:] {
		r.result.Skipped++
		r.result.Warnings = append(r.result.Warnings, ItemWarning{
			UserID:    id,
			Code:      CodeNotAttempted,
			Warning:   reason,
			Timestamp: now,
		})
	}

	r.result.CompletedAt = now
	r.result.Duration = now.Sub(r.result.StartedAt).Milliseconds()
	r.progress.EstimatedCompletion = nil
}

func (r *bulkRun) finalStatus() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalStatusLocked()
}

func (r *bulkRun) finalStatusLocked() RunStatus {
	switch {
	case r.fatal:
		return StatusFailed
	case r.cancelRequested:
		return StatusCancelled
	default:
		return StatusCompleted
	}
}

// terminate freezes the run and closes every listener.
func (r *bulkRun) terminate(exportURL string) BulkOperationProgress {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.result.ExportURL = exportURL
	r.progress.Status = r.finalStatusLocked()
	r.stop(nil)
	r.notifyListenersLocked()
	for _, ch := range r.listeners {
		close(ch)
	}
	r.listeners = nil
	return r.snapshotLocked()
}

func (r *bulkRun) subscribe() <-chan BulkOperationProgress {
	ch := make(chan BulkOperationProgress, 1)

	r.mu.Lock()
	defer r.mu.Unlock()

	ch <- r.snapshotLocked()
	if r.progress.Status.Terminal() {
		close(ch)
		return ch
	}
	r.listeners = append(r.listeners, ch)
	return ch
}

// notifyListenersLocked replaces any unread snapshot with the newest one.
func (r *bulkRun) notifyListenersLocked() {
	if len(r.listeners) == 0 {
		return
	}
	snap := r.snapshotLocked()
	for _, ch := range r.listeners {
		pushLatest(ch, snap)
	}
}

// pushLatest delivers v, dropping an unread older value if the buffer is full.
// Callers must be the only sender on ch.
func pushLatest[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
