// Package alloc implements the buffer allocator of spec.md §4.2: a
// bump/free-list allocator bound to one (segment, base, length) range,
// handing out non-overlapping, exactly-once-freed shard handles.
//
// The general-purpose size-class slab allocator used inside a real
// segment is an external collaborator (spec.md §1); this package only
// implements the client-visible contract — allocate(size) -> handle,
// deallocate(handle), remaining() — against a simple first-fit free
// list, which is sufficient to prove the contract and is what the
// replica allocator above it actually depends on.
package alloc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/OneOfOne/xxhash"

	"github.com/mooncake-project/mooncake-go/cmn/errs"
	"github.com/mooncake-project/mooncake-go/cmn/nlog"
)

// Status is a handle's lifecycle state.
type Status int

const (
	Init Status = iota
	Complete
	Failed
	Unregistered
)

func (s Status) String() string {
	switch s {
	case Init:
		return "Init"
	case Complete:
		return "Complete"
	case Failed:
		return "Failed"
	case Unregistered:
		return "Unregistered"
	default:
		return "Unknown"
	}
}

// Handle is a shard's location within one allocator's range. ID is a
// stable fingerprint (xxhash of addr/size/generation) useful for log
// correlation across the retry/recovery paths above this package.
type Handle struct {
	ID   uint64
	Addr uint64
	Size uint64

	mu     sync.Mutex
	status Status
	freed  bool
	owner  *Allocator // nil once the owner is torn down (Unregistered)
}

func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handle) setStatus(s Status) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

// SetStatus drives the handle's status from above (replica allocator /
// object store layers transition a shard between Init, Complete and
// Failed as transfers succeed or fail against it).
func (h *Handle) SetStatus(s Status) { h.setStatus(s) }

// markUnregistered flips a handle to Unregistered and clears its owner
// back-reference; called only by the owning Allocator during its own
// teardown, so no further Free() on this handle touches the allocator.
func (h *Handle) markUnregistered() {
	h.mu.Lock()
	h.status = Unregistered
	h.owner = nil
	h.mu.Unlock()
}

// Free releases the handle's range back to its allocator. Idempotent:
// freeing an already-freed or already-unregistered handle is a no-op.
func (h *Handle) Free() {
	h.mu.Lock()
	if h.freed || h.owner == nil {
		h.mu.Unlock()
		return
	}
	h.freed = true
	owner := h.owner
	h.mu.Unlock()
	owner.release(h)
}

func (h *Handle) String() string {
	return fmt.Sprintf("handle{id=%x addr=%#x size=%d status=%s}", h.ID, h.Addr, h.Size, h.Status())
}

type freeRange struct {
	addr, size uint64
}

// Allocator manages one contiguous [base, base+length) range belonging
// to a single segment. Thread-safe; handles may be freed from any
// goroutine.
type Allocator struct {
	base, length uint64

	mu    sync.Mutex
	free  []freeRange // sorted by addr, coalesced
	live  map[uint64]*Handle
	gen   uint64
	dead  bool // true after Unregister: rejects new allocations
}

// New creates an allocator over [base, base+length).
func New(base, length uint64) *Allocator {
	return &Allocator{
		base:   base,
		length: length,
		free:   []freeRange{{addr: base, size: length}},
		live:   make(map[uint64]*Handle),
	}
}

// Allocate hands out a handle for size bytes via first-fit.
func (a *Allocator) Allocate(size uint64) (*Handle, error) {
	if size == 0 {
		return nil, errs.NewInvalidArgument("allocate: zero size")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dead {
		return nil, errs.NewBufferOverflow("allocator unregistered")
	}
	for i, r := range a.free {
		if r.size < size {
			continue
		}
		addr := r.addr
		if r.size == size {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = freeRange{addr: r.addr + size, size: r.size - size}
		}
		a.gen++
		h := &Handle{
			ID:     xxhash.Checksum64([]byte(fmt.Sprintf("%d:%d:%d", addr, size, a.gen))),
			Addr:   addr,
			Size:   size,
			status: Init,
			owner:  a,
		}
		a.live[addr] = h
		return h, nil
	}
	return nil, errs.NewBufferOverflow("no %d-byte range free in [%#x,%#x)", size, a.base, a.base+a.length)
}

// release returns h's range to the free list and coalesces with
// neighbors. Called only via Handle.Free(), which guarantees exactly-once.
func (a *Allocator) release(h *Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.live, h.Addr)
	a.insertFree(freeRange{addr: h.Addr, size: h.Size})
	nlog.Infoln("alloc: freed", h.String())
}

func (a *Allocator) insertFree(r freeRange) {
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].addr >= r.addr })
	a.free = append(a.free, freeRange{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = r
	a.coalesce()
}

func (a *Allocator) coalesce() {
	out := a.free[:0]
	for _, r := range a.free {
		if n := len(out); n > 0 && out[n-1].addr+out[n-1].size == r.addr {
			out[n-1].size += r.size
			continue
		}
		out = append(out, r)
	}
	a.free = out
}

// Remaining reports total free bytes in the range.
func (a *Allocator) Remaining() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var sum uint64
	for _, r := range a.free {
		sum += r.size
	}
	return sum
}

// Unregister marks every outstanding (non-freed) handle Unregistered and
// removes the allocator from service; it returns those handles so the
// caller (the replica allocator) can re-home their shards elsewhere.
// Matches spec.md §4.1's "unregister" contract at the buffer-allocator
// level (spec.md §4.3 wraps this per-segment).
func (a *Allocator) Unregister() []*Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dead = true
	out := make([]*Handle, 0, len(a.live))
	for _, h := range a.live {
		h.markUnregistered()
		out = append(out, h)
	}
	a.live = make(map[uint64]*Handle)
	return out
}

// Base and Length expose the allocator's owning range.
func (a *Allocator) Base() uint64   { return a.base }
func (a *Allocator) Length() uint64 { return a.length }
