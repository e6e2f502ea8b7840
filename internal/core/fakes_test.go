package core

import (
	"context"
	"sync"
	"time"
)

// fakeBackend records every call and delegates to optional hooks.
type fakeBackend struct {
	mu        sync.Mutex
	applyFn   func(ctx context.Context, req ItemRequest) (ApplyResult, error)
	commitFn  func(ctx context.Context, rec AccountRecord, opts ImportOptions) (CommitOutcome, error)
	existing  EmailSet
	applied   []ItemRequest
	committed []AccountRecord
	lookups   int
}

func (f *fakeBackend) ApplyOperation(ctx context.Context, req ItemRequest) (ApplyResult, error) {
	f.mu.Lock()
	f.applied = append(f.applied, req)
	fn := f.applyFn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return ApplyResult{Outcome: ApplyApplied}, nil
}

func (f *fakeBackend) CommitRow(ctx context.Context, rec AccountRecord, opts ImportOptions) (CommitOutcome, error) {
	f.mu.Lock()
	f.committed = append(f.committed, rec)
	fn := f.commitFn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, rec, opts)
	}
	if rec.Existing {
		return CommitUpdated, nil
	}
	return CommitCreated, nil
}

func (f *fakeBackend) ExistingEmails(_ context.Context, emails []string) (EmailSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++

	found := NewEmailSet()
	for _, e := range emails {
		if f.existing.Contains(e) {
			found.Add(e)
		}
	}
	return found, nil
}

func (f *fakeBackend) appliedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.applied))
	for i, r := range f.applied {
		ids[i] = r.TargetID
	}
	return ids
}

func (f *fakeBackend) commitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.committed)
}

// recordingObserver counts observer callbacks.
type recordingObserver struct {
	mu       sync.Mutex
	started  int
	finished []RunStatus
	items    map[string]int
	rows     map[string]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{items: map[string]int{}, rows: map[string]int{}}
}

func (o *recordingObserver) RunStarted(RunKind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *recordingObserver) RunFinished(_ RunKind, status RunStatus, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, status)
}

func (o *recordingObserver) ItemResolved(_ BulkOperationType, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[outcome]++
}

func (o *recordingObserver) ImportRowResolved(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rows[outcome]++
}

// memoryAudit keeps audit entries in memory.
type memoryAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (m *memoryAudit) RecordAudit(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memoryAudit) all() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.entries...)
}

// memoryReports stores published reports by id.
type memoryReports struct {
	mu      sync.Mutex
	reports map[string]Report
}

func (m *memoryReports) Publish(_ context.Context, r Report) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reports == nil {
		m.reports = map[string]Report{}
	}
	m.reports[r.ID] = r
	return "/api/reports/" + r.ID, nil
}
