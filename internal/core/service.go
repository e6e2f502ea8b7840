package core

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"
)

// DefaultRetention is how long an idle job or import stays addressable.
const DefaultRetention = time.Hour

// ServiceConfig tunes a Service. Zero values fall back to defaults.
type ServiceConfig struct {
	ItemConcurrency   int
	MaxConcurrentRuns int
	AdmissionWait     time.Duration
	Retention         time.Duration
	FileLimits        FileLimits
	Targets           []TargetField
}

// Option configures optional collaborators of a Service.
type Option func(*Service)

// WithObserver reports run and item outcomes to o.
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// WithAuditRecorder records an audit entry for every terminal run.
func WithAuditRecorder(r AuditRecorder) Option {
	return func(s *Service) { s.audit = r }
}

// WithReportPublisher stores terminal reports and fills ExportURL.
func WithReportPublisher(p ReportPublisher) Option {
	return func(s *Service) { s.reports = p }
}

// WithEmailDirectory sets the lookup used for duplicate detection.
func WithEmailDirectory(d EmailDirectory) Option {
	return func(s *Service) { s.directory = d }
}

// Service owns every batch job and import session of the process.
// A batch job is a BatchController; each runs at most one run at a time,
// while the shared RunLimiter bounds runs across all of them.
type Service struct {
	backend   ExecutionBackend
	directory EmailDirectory
	observer  Observer
	audit     AuditRecorder
	reports   ReportPublisher
	limiter   *RunLimiter
	cfg       ServiceConfig

	mu      sync.RWMutex
	jobs    map[string]*BatchController
	imports map[string]*ImportPipeline
}

// NewService creates a Service around backend.
func NewService(backend ExecutionBackend, cfg ServiceConfig, opts ...Option) *Service {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if len(cfg.Targets) == 0 {
		cfg.Targets = DefaultTargetFields()
	}
	cfg.FileLimits = cfg.FileLimits.withDefaults()

	s := &Service{
		backend:  backend,
		observer: nopObserver{},
		limiter:  NewRunLimiter(cfg.MaxConcurrentRuns, cfg.AdmissionWait),
		cfg:      cfg,
		jobs:     make(map[string]*BatchController),
		imports:  make(map[string]*ImportPipeline),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.directory == nil {
		if d, ok := backend.(EmailDirectory); ok {
			s.directory = d
		}
	}
	return s
}

// NewBatchJob registers a new idle BatchController.
func (s *Service) NewBatchJob() *BatchController {
	c := NewBatchController(s.backend, BatchConfig{
		Concurrency: s.cfg.ItemConcurrency,
		Limiter:     s.limiter,
		Observer:    s.observer,
		Audit:       s.audit,
		Reports:     s.reports,
	})

	s.mu.Lock()
	s.jobs[c.ID()] = c
	s.mu.Unlock()

	slog.Debug("batch job created", "job_id", c.ID())
	return c
}

// StartBatch creates a job and starts req on it.
func (s *Service) StartBatch(ctx context.Context, req BulkOperationRequest) (*BatchController, BulkOperationProgress, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, BulkOperationProgress{}, err
	}
	c := s.NewBatchJob()
	p, err := c.Start(ctx, req)
	if err != nil {
		s.mu.Lock()
		delete(s.jobs, c.ID())
		s.mu.Unlock()
		return nil, BulkOperationProgress{}, err
	}
	return c, p, nil
}

// Job returns a registered BatchController.
func (s *Service) Job(id string) (*BatchController, error) {
	s.mu.RLock()
	c, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return c, nil
}

// NewImport registers a new import session at the Upload step.
func (s *Service) NewImport() *ImportPipeline {
	p := NewImportPipeline(s.backend, s.directory, ImportConfig{
		Targets:  s.cfg.Targets,
		Limits:   s.cfg.FileLimits,
		Limiter:  s.limiter,
		Observer: s.observer,
		Audit:    s.audit,
		Reports:  s.reports,
	})

	s.mu.Lock()
	s.imports[p.ID()] = p
	s.mu.Unlock()

	slog.Debug("import session created", "import_id", p.ID())
	return p
}

// Import returns a registered import session.
func (s *Service) Import(id string) (*ImportPipeline, error) {
	s.mu.RLock()
	p, ok := s.imports[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrImportNotFound, id)
	}
	return p, nil
}

// Targets returns the import target fields.
func (s *Service) Targets() []TargetField {
	return append([]TargetField(nil), s.cfg.Targets...)
}

// FileLimits returns the effective upload limits.
func (s *Service) FileLimits() FileLimits { return s.cfg.FileLimits }

// LimiterStatus reports run admission state.
func (s *Service) LimiterStatus() RunLimiterStatus { return s.limiter.Status() }

// WaitForRuns blocks until no run or commit is in flight, or ctx is done.
// Used during graceful shutdown.
func (s *Service) WaitForRuns(ctx context.Context) error {
	return s.limiter.WaitForDrain(ctx)
}

// evictIdle drops jobs and imports idle for longer than the retention.
// Entries with a run in flight are never evicted.
func (s *Service) evictIdle(now time.Time) (jobs, imports int) {
	cutoff := now.Add(-s.cfg.Retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	maps.DeleteFunc(s.jobs, func(_ string, c *BatchController) bool {
		since, idle := c.idleSince()
		if idle && since.Before(cutoff) {
			jobs++
			return true
		}
		return false
	})
	maps.DeleteFunc(s.imports, func(_ string, p *ImportPipeline) bool {
		since, idle := p.idleSince()
		if idle && since.Before(cutoff) {
			imports++
			return true
		}
		return false
	})
	return jobs, imports
}
