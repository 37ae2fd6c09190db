// Package xport is the transport abstraction of spec.md §3-4: the
// uniform Batch/Task/Slice lifecycle every transport (RDMA, TCP) drives
// through install/register/open-segment/allocate/submit/poll/free.
package xport

import (
	"sync/atomic"
)

// Opcode is a transfer direction.
type Opcode int

const (
	OpRead Opcode = iota
	OpWrite
)

func (o Opcode) String() string {
	if o == OpRead {
		return "Read"
	}
	return "Write"
}

// Request is one user-visible transfer request (spec.md §6 wire layout).
type Request struct {
	Opcode       Opcode
	Source       uint64 // local address
	TargetID     int64  // transport-local segment id
	TargetOffset uint64
	Length       uint64
}

// SliceStatus is a slice's lifecycle state.
type SliceStatus int32

const (
	SlicePending SliceStatus = iota
	SlicePosted
	SliceSuccess
	SliceTimeout
	SliceFailed
)

func (s SliceStatus) String() string {
	switch s {
	case SlicePending:
		return "Pending"
	case SlicePosted:
		return "Posted"
	case SliceSuccess:
		return "Success"
	case SliceTimeout:
		return "Timeout"
	case SliceFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Slice is the unit of I/O actually posted to a transport (spec.md §3).
type Slice struct {
	SourceAddr uint64
	Length     uint64
	Opcode     Opcode
	Task       *Task
	TargetID   int64
	Offset     uint64 // target offset within TargetID's segment

	status     int32 // SliceStatus, atomic
	RetryCount int
	RetryCap   int

	// Payload is transport-specific (e.g. *rdma.SlicePayload). Set by
	// the owning transport before posting.
	Payload any
}

func (s *Slice) Status() SliceStatus       { return SliceStatus(atomic.LoadInt32(&s.status)) }
func (s *Slice) SetStatus(st SliceStatus)  { atomic.StoreInt32(&s.status, int32(st)) }

// Task is one decomposed Request, tracked via atomic counters so worker
// threads can update it without a lock (spec.md §5).
type Task struct {
	ID           int
	Req          Request
	Slices       []*Slice
	TotalBytes   uint64

	transferredBytes int64 // atomic
	successCount     int32 // atomic
	failedCount      int32 // atomic
}

func NewTask(id int, req Request, totalBytes uint64) *Task {
	return &Task{ID: id, Req: req, TotalBytes: totalBytes}
}

func (t *Task) AddTransferred(n uint64) { atomic.AddInt64(&t.transferredBytes, int64(n)) }
func (t *Task) TransferredBytes() uint64 {
	return uint64(atomic.LoadInt64(&t.transferredBytes))
}
func (t *Task) IncSuccess() { atomic.AddInt32(&t.successCount, 1) }
func (t *Task) IncFailed()  { atomic.AddInt32(&t.failedCount, 1) }
func (t *Task) SuccessCount() int32 { return atomic.LoadInt32(&t.successCount) }
func (t *Task) FailedCount() int32  { return atomic.LoadInt32(&t.failedCount) }

// IsFinished reports whether every slice has reached a terminal status.
func (t *Task) IsFinished() bool {
	return int(t.SuccessCount()+t.FailedCount()) == len(t.Slices)
}

// TaskStatus is the rolled-up status get_transfer_status reports.
type TaskStatus int

const (
	StatusWaiting TaskStatus = iota
	StatusCompleted
	StatusFailed
)

func (t *Task) Status() TaskStatus {
	switch {
	case !t.IsFinished():
		return StatusWaiting
	case t.FailedCount() > 0:
		return StatusFailed
	default:
		return StatusCompleted
	}
}
