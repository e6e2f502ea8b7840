// Package reportstore keeps exported reports of finished runs so they can be
// downloaded through the exportUrl handed out with each result.
package reportstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JonMunkholm/accountops/internal/core"
)

// ErrNotFound is returned for unknown or expired reports.
var ErrNotFound = errors.New("report not found")

// DefaultTTL is how long a report stays downloadable.
const DefaultTTL = 24 * time.Hour

// URLPrefix is the HTTP path reports are served under.
const URLPrefix = "/api/reports/"

// Store persists reports.
type Store interface {
	core.ReportPublisher
	Get(ctx context.Context, id string) (core.Report, error)
	Close() error
}

// URLFor returns the download path of report id.
func URLFor(id string) string {
	return URLPrefix + id
}

// MemoryStore keeps reports in process memory.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	reports map[string]memoryEntry
}

type memoryEntry struct {
	report    core.Report
	expiresAt time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store. A non-positive ttl uses DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		reports: make(map[string]memoryEntry),
	}
}

// Publish stores r and drops expired reports.
func (s *MemoryStore) Publish(_ context.Context, r core.Report) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, e := range s.reports {
		if now.After(e.expiresAt) {
			delete(s.reports, id)
		}
	}
	s.reports[r.ID] = memoryEntry{report: r, expiresAt: now.Add(s.ttl)}
	return URLFor(r.ID), nil
}

// Get returns the report stored under id.
func (s *MemoryStore) Get(_ context.Context, id string) (core.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.reports[id]
	if !ok || s.now().After(e.expiresAt) {
		return core.Report{}, ErrNotFound
	}
	return e.report, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
