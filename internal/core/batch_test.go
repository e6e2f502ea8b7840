package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitRun(t *testing.T, c *BatchController) BulkOperationProgress {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := c.Wait(ctx)
	require.NoError(t, err)
	return p
}

func assertPartition(t *testing.T, p BulkOperationProgress) {
	t.Helper()
	require.NotNil(t, p.Result)
	r := p.Result
	assert.Equal(t, r.Total, r.Success+r.Failed+r.Skipped, "every target lands in exactly one bucket")
	assert.LessOrEqual(t, p.Processed, p.Total)
}

// ============================================================================
// ValidateRequest Tests
// ============================================================================

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     BulkOperationRequest
		wantErr string
	}{
		{
			name: "valid ban",
			req:  BulkOperationRequest{Operation: OpBan, TargetIDs: []string{"a", "b"}},
		},
		{
			name: "valid assign_role",
			req:  BulkOperationRequest{Operation: OpAssignRole, TargetIDs: []string{"a"}, RoleID: "editor"},
		},
		{
			name:    "empty targets",
			req:     BulkOperationRequest{Operation: OpBan},
			wantErr: "targetIds must not be empty",
		},
		{
			name:    "duplicate target",
			req:     BulkOperationRequest{Operation: OpBan, TargetIDs: []string{"a", "a"}},
			wantErr: `duplicate target id "a"`,
		},
		{
			name:    "blank target",
			req:     BulkOperationRequest{Operation: OpBan, TargetIDs: []string{""}},
			wantErr: "empty ids",
		},
		{
			name:    "unknown operation",
			req:     BulkOperationRequest{Operation: "explode", TargetIDs: []string{"a"}},
			wantErr: `unknown operation "explode"`,
		},
		{
			name:    "assign_role without role",
			req:     BulkOperationRequest{Operation: OpAssignRole, TargetIDs: []string{"a"}},
			wantErr: "roleId is required",
		},
		{
			name:    "role on other operation",
			req:     BulkOperationRequest{Operation: OpBan, TargetIDs: []string{"a"}, RoleID: "editor"},
			wantErr: "roleId is only allowed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRequest(tt.req)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateRequest_CollectsAllProblems(t *testing.T) {
	err := ValidateRequest(BulkOperationRequest{Operation: OpAssignRole})

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Len(t, reqErr.Problems, 2)
}

// ============================================================================
// Run Lifecycle Tests
// ============================================================================

func TestBatch_AllSucceed(t *testing.T) {
	backend := &fakeBackend{}
	obs := newRecordingObserver()
	audit := &memoryAudit{}
	reports := &memoryReports{}
	c := NewBatchController(backend, BatchConfig{Observer: obs, Audit: audit, Reports: reports})

	ids := []string{"u1", "u2", "u3", "u4", "u5"}
	start, err := c.Start(context.Background(), BulkOperationRequest{Operation: OpBan, TargetIDs: ids, Reason: "spam"})
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, start.Status)
	assert.Equal(t, 5, start.Total)
	assert.Equal(t, 0, start.Processed)

	p := waitRun(t, c)
	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, 5, p.Processed)
	assert.Equal(t, 100, p.Percentage)
	assert.Nil(t, p.EstimatedCompletion)
	assert.Equal(t, 5, p.Result.Total)
	assert.Equal(t, 5, p.Result.Success)
	assert.Zero(t, p.Result.Failed)
	assert.Zero(t, p.Result.Skipped)
	assert.False(t, p.Result.CompletedAt.IsZero())
	assert.Equal(t, "/api/reports/"+p.RunID, p.Result.ExportURL)
	assertPartition(t, p)

	assert.Equal(t, ids, backend.appliedIDs(), "items dispatch in order")
	for _, req := range backend.applied {
		assert.Equal(t, "spam", req.Reason)
	}

	assert.Equal(t, 1, obs.started)
	assert.Equal(t, []RunStatus{StatusCompleted}, obs.finished)
	assert.Equal(t, 5, obs.items[OutcomeSuccess])

	entries := audit.all()
	require.Len(t, entries, 1)
	assert.Equal(t, ActionBulkOperation, entries[0].Action)
	assert.Equal(t, SeverityHigh, entries[0].Severity)
	assert.Equal(t, 5, entries[0].Succeeded)
	assert.Equal(t, c.ID(), entries[0].JobID)
}

func TestBatch_FailuresAndSkipsAreRecorded(t *testing.T) {
	backend := &fakeBackend{
		applyFn: func(_ context.Context, req ItemRequest) (ApplyResult, error) {
			switch req.TargetID {
			case "b":
				return ApplyResult{}, &BackendError{Code: "NOT_FOUND", Message: "account not found", Email: "b@example.com"}
			case "c":
				return ApplyResult{Outcome: ApplySkipped, Email: "c@example.com", Message: "already inactive"}, nil
			case "d":
				return ApplyResult{}, errors.New("connection reset by peer")
			}
			return ApplyResult{Outcome: ApplyApplied}, nil
		},
	}
	c := NewBatchController(backend, BatchConfig{})

	_, err := c.Start(context.Background(), BulkOperationRequest{Operation: OpDeactivate, TargetIDs: []string{"a", "b", "c", "d"}})
	require.NoError(t, err)

	p := waitRun(t, c)
	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, 4, p.Processed)
	assert.Equal(t, 1, p.Result.Success)
	assert.Equal(t, 2, p.Result.Failed)
	assert.Equal(t, 1, p.Result.Skipped)
	assertPartition(t, p)

	require.Len(t, p.Result.Errors, 2)
	assert.Equal(t, "b", p.Result.Errors[0].UserID)
	assert.Equal(t, "NOT_FOUND", p.Result.Errors[0].Code)
	assert.Equal(t, "b@example.com", p.Result.Errors[0].UserEmail)
	assert.Equal(t, "account not found", p.Result.Errors[0].Error)
	assert.Equal(t, "d", p.Result.Errors[1].UserID)
	assert.Equal(t, "DB005", p.Result.Errors[1].Code)

	require.Len(t, p.Result.Warnings, 1)
	assert.Equal(t, CodeAlreadyApplied, p.Result.Warnings[0].Code)
	assert.Equal(t, "already inactive", p.Result.Warnings[0].Warning)
}

func TestBatch_FatalErrorStopsRun(t *testing.T) {
	backend := &fakeBackend{
		applyFn: func(_ context.Context, req ItemRequest) (ApplyResult, error) {
			if req.TargetID == "u2" {
				return ApplyResult{}, fmt.Errorf("delete u2: %w", ErrAuthorizationDenied)
			}
			return ApplyResult{Outcome: ApplyApplied}, nil
		},
	}
	obs := newRecordingObserver()
	c := NewBatchController(backend, BatchConfig{Observer: obs})

	_, err := c.Start(context.Background(), BulkOperationRequest{Operation: OpDelete, TargetIDs: []string{"u1", "u2", "u3"}})
	require.NoError(t, err)

	p := waitRun(t, c)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, 1, p.Processed, "processed freezes before the fatal item")
	assert.Equal(t, []string{"u1", "u2"}, backend.appliedIDs(), "u3 is never dispatched")

	assert.Equal(t, 1, p.Result.Success)
	assert.Equal(t, 1, p.Result.Failed)
	assert.Equal(t, 1, p.Result.Skipped)
	assertPartition(t, p)

	require.Len(t, p.Result.Errors, 1)
	assert.Equal(t, "AUTHORIZATION_DENIED", p.Result.Errors[0].Code)
	require.Len(t, p.Result.Warnings, 1)
	assert.Equal(t, "u3", p.Result.Warnings[0].UserID)
	assert.Equal(t, CodeNotAttempted, p.Result.Warnings[0].Code)

	assert.Equal(t, []RunStatus{StatusFailed}, obs.finished)

	_, err = c.RetryFailedOnly(context.Background())
	assert.ErrorIs(t, err, ErrRetryNotAllowed, "failed runs cannot be retried")
}

func TestBatch_CancelStopsDispatch(t *testing.T) {
	entered := make(chan string, 10)
	gate := make(chan struct{})
	backend := &fakeBackend{
		applyFn: func(ctx context.Context, req ItemRequest) (ApplyResult, error) {
			entered <- req.TargetID
			<-gate
			// in-flight calls are never aborted
			if ctx.Err() != nil {
				return ApplyResult{}, ctx.Err()
			}
			return ApplyResult{Outcome: ApplyApplied}, nil
		},
	}
	c := NewBatchController(backend, BatchConfig{})

	_, err := c.Start(context.Background(), BulkOperationRequest{Operation: OpBan, TargetIDs: []string{"a", "b", "c", "d", "e"}})
	require.NoError(t, err)

	assert.Equal(t, "a", <-entered)
	require.NoError(t, c.Cancel())
	close(gate)

	p := waitRun(t, c)
	assert.Equal(t, StatusCancelled, p.Status)
	assert.Equal(t, 1, p.Processed)
	assert.Equal(t, 1, p.Result.Success)
	assert.Equal(t, 4, p.Result.Skipped)
	assertPartition(t, p)
	assert.Equal(t, []string{"a"}, backend.appliedIDs())
	for _, w := range p.Result.Warnings {
		assert.Equal(t, CodeNotAttempted, w.Code)
	}

	// no-op after terminal
	require.NoError(t, c.Cancel())
	after, ok := c.Snapshot()
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, after.Status)
}

func TestBatch_CancelWithoutRun(t *testing.T) {
	c := NewBatchController(&fakeBackend{}, BatchConfig{})
	assert.ErrorIs(t, c.Cancel(), ErrNotRunning)

	_, ok := c.Snapshot()
	assert.False(t, ok)
}

func TestBatch_RejectsSecondStartWhileRunning(t *testing.T) {
	gate := make(chan struct{})
	backend := &fakeBackend{
		applyFn: func(context.Context, ItemRequest) (ApplyResult, error) {
			<-gate
			return ApplyResult{Outcome: ApplyApplied}, nil
		},
	}
	c := NewBatchController(backend, BatchConfig{})
	req := BulkOperationRequest{Operation: OpBan, TargetIDs: []string{"a"}}

	_, err := c.Start(context.Background(), req)
	require.NoError(t, err)

	_, err = c.Start(context.Background(), req)
	assert.ErrorIs(t, err, ErrRunInProgress)

	_, err = c.RetryFailedOnly(context.Background())
	assert.ErrorIs(t, err, ErrRetryNotAllowed)

	close(gate)
	waitRun(t, c)

	_, err = c.Start(context.Background(), req)
	require.NoError(t, err, "a terminal run frees the controller")
	waitRun(t, c)
}

func TestBatch_CallerContextDoesNotCancelRun(t *testing.T) {
	c := NewBatchController(&fakeBackend{}, BatchConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	_, err := c.Start(ctx, BulkOperationRequest{Operation: OpUnban, TargetIDs: []string{"a", "b", "c"}})
	require.NoError(t, err)
	cancel()

	p := waitRun(t, c)
	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, 3, p.Result.Success)
}

func TestBatch_ConcurrentDispatch(t *testing.T) {
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	backend := &fakeBackend{
		applyFn: func(context.Context, ItemRequest) (ApplyResult, error) {
			mu.Lock()
			active++
			maxSeen = max(maxSeen, active)
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			return ApplyResult{Outcome: ApplyApplied}, nil
		},
	}
	c := NewBatchController(backend, BatchConfig{Concurrency: 3})

	ids := make([]string, 20)
	for i := range ids {
		ids[i] = fmt.Sprintf("u%02d", i)
	}
	_, err := c.Start(context.Background(), BulkOperationRequest{Operation: OpActivate, TargetIDs: ids})
	require.NoError(t, err)

	p := waitRun(t, c)
	assert.Equal(t, 20, p.Result.Success)
	assert.LessOrEqual(t, maxSeen, 3)
	assertPartition(t, p)
}

func TestBatch_LimiterRejectsRun(t *testing.T) {
	limiter := NewRunLimiter(1, 10*time.Millisecond)
	require.NoError(t, limiter.Acquire(context.Background()))
	defer limiter.Release()

	c := NewBatchController(&fakeBackend{}, BatchConfig{Limiter: limiter})
	_, err := c.Start(context.Background(), BulkOperationRequest{Operation: OpBan, TargetIDs: []string{"a"}})
	assert.ErrorIs(t, err, ErrTooManyRuns)

	_, ok := c.Snapshot()
	assert.False(t, ok, "a rejected start leaves the controller idle")
}

// ============================================================================
// Progress Subscription Tests
// ============================================================================

func TestBatch_SubscribeSnapshotsAreMonotonic(t *testing.T) {
	gate := make(chan struct{})
	backend := &fakeBackend{
		applyFn: func(_ context.Context, req ItemRequest) (ApplyResult, error) {
			<-gate
			if req.TargetID == "u3" {
				return ApplyResult{}, errors.New("boom")
			}
			return ApplyResult{Outcome: ApplyApplied}, nil
		},
	}
	c := NewBatchController(backend, BatchConfig{})

	ids := []string{"u1", "u2", "u3", "u4", "u5", "u6"}
	_, err := c.Start(context.Background(), BulkOperationRequest{Operation: OpBan, TargetIDs: ids})
	require.NoError(t, err)

	updates, err := c.Subscribe()
	require.NoError(t, err)
	close(gate)

	var snaps []BulkOperationProgress
	for p := range updates {
		snaps = append(snaps, p)
	}
	require.NotEmpty(t, snaps)

	last := -1
	for _, p := range snaps {
		assert.GreaterOrEqual(t, p.Processed, last, "processed never decreases")
		assert.LessOrEqual(t, p.Processed, p.Total)
		assert.Equal(t, percentOf(p.Processed, p.Total), p.Percentage)
		assert.Equal(t, p.Processed, p.Result.Success+p.Result.Failed+p.Result.Skipped)
		last = p.Processed
	}

	final := snaps[len(snaps)-1]
	assert.Equal(t, StatusCompleted, final.Status, "channel closes after the terminal snapshot")
	assert.Equal(t, 6, final.Processed)
	assert.Equal(t, 1, final.Result.Failed)
}

func TestBatch_SubscribeAfterTerminal(t *testing.T) {
	c := NewBatchController(&fakeBackend{}, BatchConfig{})
	_, err := c.Start(context.Background(), BulkOperationRequest{Operation: OpBan, TargetIDs: []string{"a"}})
	require.NoError(t, err)
	waitRun(t, c)

	updates, err := c.Subscribe()
	require.NoError(t, err)

	p, ok := <-updates
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, p.Status)
	_, ok = <-updates
	assert.False(t, ok)
}

func TestBatch_SnapshotsAreIsolated(t *testing.T) {
	c := NewBatchController(&fakeBackend{
		applyFn: func(context.Context, ItemRequest) (ApplyResult, error) {
			return ApplyResult{}, errors.New("nope")
		},
	}, BatchConfig{})
	_, err := c.Start(context.Background(), BulkOperationRequest{Operation: OpBan, TargetIDs: []string{"a"}})
	require.NoError(t, err)
	p := waitRun(t, c)

	p.Result.Errors[0].Error = "tampered"
	again, _ := c.Snapshot()
	assert.Equal(t, "nope", again.Result.Errors[0].Error)
}

// ============================================================================
// Retry Tests
// ============================================================================

func TestBatch_RetryFailedOnly(t *testing.T) {
	var attempt sync.Map
	backend := &fakeBackend{
		applyFn: func(_ context.Context, req ItemRequest) (ApplyResult, error) {
			n, _ := attempt.LoadOrStore(req.TargetID, 0)
			attempt.Store(req.TargetID, n.(int)+1)
			if (req.TargetID == "b" || req.TargetID == "d") && n.(int) == 0 {
				return ApplyResult{}, errors.New("connection timeout")
			}
			return ApplyResult{Outcome: ApplyApplied}, nil
		},
	}
	c := NewBatchController(backend, BatchConfig{})

	req := BulkOperationRequest{Operation: OpAssignRole, TargetIDs: []string{"a", "b", "c", "d"}, RoleID: "editor"}
	_, err := c.Start(context.Background(), req)
	require.NoError(t, err)
	first := waitRun(t, c)
	require.Equal(t, 2, first.Result.Failed)

	retry, err := c.RetryFailedOnly(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, retry.RunID)
	assert.Equal(t, 2, retry.Total, "retry targets exactly the failed ids")

	second := waitRun(t, c)
	assert.Equal(t, StatusCompleted, second.Status)
	assert.Equal(t, 2, second.Result.Success)

	applied := backend.appliedIDs()
	assert.Equal(t, []string{"b", "d"}, applied[4:])
	for _, r := range backend.applied[4:] {
		assert.Equal(t, "editor", r.RoleID)
	}

	results := c.Results()
	require.Len(t, results, 2)
	merged := MergeResults(results...)
	assert.Equal(t, 4, merged.Total)
	assert.Equal(t, 4, merged.Success)
	assert.Zero(t, merged.Failed)

	original, err := c.RunSnapshot(first.RunID)
	require.NoError(t, err)
	assert.Equal(t, 2, original.Result.Failed, "runs stay independent")
}

func TestBatch_RetryWithoutFailures(t *testing.T) {
	backend := &fakeBackend{}
	c := NewBatchController(backend, BatchConfig{})

	_, err := c.RetryFailedOnly(context.Background())
	assert.ErrorIs(t, err, ErrRetryNotAllowed)

	_, err = c.Start(context.Background(), BulkOperationRequest{Operation: OpBan, TargetIDs: []string{"a", "b"}})
	require.NoError(t, err)
	first := waitRun(t, c)

	_, err = c.RetryFailedOnly(context.Background())
	assert.ErrorIs(t, err, ErrNoFailedItems)

	latest, _ := c.Snapshot()
	assert.Equal(t, first.RunID, latest.RunID, "no degenerate run is started")
	assert.Len(t, backend.appliedIDs(), 2)
}

func TestBatch_RetryAfterCancel(t *testing.T) {
	entered := make(chan struct{}, 4)
	gate := make(chan struct{})
	backend := &fakeBackend{
		applyFn: func(_ context.Context, req ItemRequest) (ApplyResult, error) {
			if req.TargetID == "a" {
				entered <- struct{}{}
				<-gate
				return ApplyResult{}, errors.New("temporary failure")
			}
			return ApplyResult{Outcome: ApplyApplied}, nil
		},
	}
	c := NewBatchController(backend, BatchConfig{})
	_, err := c.Start(context.Background(), BulkOperationRequest{Operation: OpBan, TargetIDs: []string{"a", "b"}})
	require.NoError(t, err)

	<-entered
	require.NoError(t, c.Cancel())
	close(gate)
	p := waitRun(t, c)
	require.Equal(t, StatusCancelled, p.Status)
	require.Equal(t, 1, p.Result.Failed)

	retry, err := c.RetryFailedOnly(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, retry.Total)
	waitRun(t, c)
}

// ============================================================================
// Report Tests
// ============================================================================

func TestBatch_DownloadReport(t *testing.T) {
	c := NewBatchController(&fakeBackend{
		applyFn: func(_ context.Context, req ItemRequest) (ApplyResult, error) {
			return ApplyResult{}, &BackendError{Code: "NOT_FOUND", Message: "account not found", Email: req.TargetID + "@example.com"}
		},
	}, BatchConfig{})

	_, err := c.DownloadReport()
	assert.ErrorIs(t, err, ErrNotRunning)

	_, err = c.Start(context.Background(), BulkOperationRequest{Operation: OpUnban, TargetIDs: []string{"x"}})
	require.NoError(t, err)
	p := waitRun(t, c)

	r, err := c.DownloadReport()
	require.NoError(t, err)
	assert.Equal(t, p.RunID, r.ID)
	assert.Equal(t, StatusCompleted, r.Status)
	assert.Equal(t, "x@example.com: account not found\n", ClipboardText(*r.Bulk))
}
