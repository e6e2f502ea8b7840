package core

import "time"

// RunKind distinguishes bulk runs from import commits in metrics.
type RunKind string

const (
	KindBulk   RunKind = "bulk"
	KindImport RunKind = "import"
)

// Item outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
	OutcomeCreated = "created"
	OutcomeUpdated = "updated"
	OutcomeInvalid = "invalid"
)

// Observer receives run lifecycle events, typically for metrics.
// Implementations must be safe for concurrent use and must not block.
type Observer interface {
	RunStarted(kind RunKind)
	RunFinished(kind RunKind, status RunStatus, elapsed time.Duration)
	ItemResolved(op BulkOperationType, outcome string)
	ImportRowResolved(outcome string)
}

type nopObserver struct{}

func (nopObserver) RunStarted(RunKind)                            {}
func (nopObserver) RunFinished(RunKind, RunStatus, time.Duration) {}
func (nopObserver) ItemResolved(BulkOperationType, string)        {}
func (nopObserver) ImportRowResolved(string)                      {}
