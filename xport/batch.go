package xport

import (
	"sync"

	"github.com/mooncake-project/mooncake-go/cmn/errs"
	"github.com/mooncake-project/mooncake-go/metrics"
)

// Batch is a bounded group of outstanding transfer requests (spec.md
// §3). Allocated, accepts submits whose cumulative task count stays
// within BatchSize, polled until every task is terminal, then freed.
type Batch struct {
	ID        int64
	BatchSize int

	mu    sync.Mutex
	Tasks []*Task

	// Context is transport-specific per-batch state (unused by the
	// simulated transports here, present for contract completeness).
	Context any
}

func NewBatch(id int64, size int) *Batch {
	b := &Batch{ID: id, BatchSize: size}
	metrics.BatchesInFlight.Inc()
	return b
}

// Reserve checks that n more tasks fit, failing TooManyRequests if that
// would exceed BatchSize; it appends nothing (callers add tasks via Append).
func (b *Batch) Reserve(n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.Tasks)+n > b.BatchSize {
		return errs.NewTooManyRequests("batch %d: %d existing + %d new > size %d", b.ID, len(b.Tasks), n, b.BatchSize)
	}
	return nil
}

// Append adds a task to the batch under lock.
func (b *Batch) Append(t *Task) {
	b.mu.Lock()
	b.Tasks = append(b.Tasks, t)
	b.mu.Unlock()
}

// Task returns the task at idx, or nil if out of range.
func (b *Batch) Task(idx int) *Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx < 0 || idx >= len(b.Tasks) {
		return nil
	}
	return b.Tasks[idx]
}

// AllFinished reports whether every task in the batch is finished.
func (b *Batch) AllFinished() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.Tasks {
		if !t.IsFinished() {
			return false
		}
	}
	return true
}

// Free releases the batch, failing BatchBusy if any task still has
// slices outstanding.
func (b *Batch) Free() error {
	if !b.AllFinished() {
		return errs.NewBatchBusy("batch %d has unfinished tasks", b.ID)
	}
	metrics.BatchesInFlight.Dec()
	return nil
}
