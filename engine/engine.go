// Package engine implements the transfer engine of spec.md §4.0/§6: it
// owns the metadata client and every installed transport, and routes
// the control surface (register/open-segment/allocate/submit/poll/free)
// to them.
package engine

import (
	"sync"
	"sync/atomic"

	"github.com/mooncake-project/mooncake-go/cmn/errs"
	"github.com/mooncake-project/mooncake-go/cmn/nlog"
	"github.com/mooncake-project/mooncake-go/metadata"
	"github.com/mooncake-project/mooncake-go/xport"
)

// batchEntry pairs an engine-wide batch handle with the transport that
// owns its underlying xport.Batch, so SubmitTransfer/GetTransferStatus/
// FreeBatch can route back to the right transport without the caller
// naming it again.
type batchEntry struct {
	transport xport.Transport
	batch     *xport.Batch
}

// Engine is the transfer engine of spec.md §4.0: metadata client +
// installed transports + registered memory regions.
type Engine struct {
	localServerName string

	mu         sync.RWMutex
	md         *metadata.Client
	transports map[string]xport.Transport
	regions    map[uint64]xport.MemoryRegion

	batchMu     sync.Mutex
	batches     map[int64]*batchEntry
	nextBatchID int64 // atomic
}

// New constructs an uninitialized Engine; call Init before anything else.
func New() *Engine {
	return &Engine{
		transports: make(map[string]xport.Transport),
		regions:    make(map[uint64]xport.MemoryRegion),
		batches:    make(map[int64]*batchEntry),
	}
}

// Init wires up the metadata client for this node (spec.md §6:
// init(local_name, advertised_name, rpc_port)). There is no separate
// local name: advertisedName, what peers dial, is also this process's
// identity; rpcPort is the handshake listener port transports will start
// on Install.
func (e *Engine) Init(kv metadata.KVStore, advertisedName string, rpcPort int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.localServerName = advertisedName
	e.md = metadata.NewClient(kv, rpcPort)
	nlog.Infoln("engine: initialized as", advertisedName, "handshake port", rpcPort)
}

// Metadata exposes the engine's metadata client, e.g. for a caller that
// needs to publish its own auxiliary descriptors.
func (e *Engine) Metadata() *metadata.Client { return e.md }

// InstallOrGetTransport installs t under name if not already installed,
// or returns the existing transport registered under that name
// (spec.md §6).
func (e *Engine) InstallOrGetTransport(name string, t xport.Transport) (xport.Transport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.transports[name]; ok {
		return existing, nil
	}
	if err := t.Install(e.localServerName, e.md); err != nil {
		return nil, err
	}
	e.transports[name] = t
	nlog.Infoln("engine: installed transport", name)
	return t, nil
}

// UninstallTransport tears down and removes the named transport.
func (e *Engine) UninstallTransport(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transports[name]
	if !ok {
		return errs.NewInvalidArgument("transport %s not installed", name)
	}
	if err := t.Uninstall(); err != nil {
		return err
	}
	delete(e.transports, name)
	return nil
}

// snapshotTransports returns a copy of the installed transports map
// (iteration order unspecified), for registration/unregistration
// fan-out below.
func (e *Engine) snapshotTransports() map[string]xport.Transport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]xport.Transport, len(e.transports))
	for k, v := range e.transports {
		out[k] = v
	}
	return out
}

// RegisterLocalMemory registers mr with every installed transport
// (spec.md §4.5.2 applies to whichever transports are actually running;
// a transport that has no use for a given location is free to no-op).
// Rejects a range overlapping any already-live registration (spec.md §8
// invariant 2).
func (e *Engine) RegisterLocalMemory(mr xport.MemoryRegion) error {
	if err := e.checkNoOverlap(mr.Addr, mr.Length); err != nil {
		return err
	}
	for name, t := range e.snapshotTransports() {
		if err := t.RegisterLocalMemory(mr); err != nil {
			return errs.WrapCross(err, "register local memory on "+name)
		}
	}
	e.mu.Lock()
	e.regions[mr.Addr] = mr
	e.mu.Unlock()
	return nil
}

func (e *Engine) checkNoOverlap(addr, length uint64) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	end := addr + length
	for _, r := range e.regions {
		rEnd := r.Addr + r.Length
		if addr < rEnd && r.Addr < end {
			return errs.NewAddressOverlapped("range [%#x,%#x) overlaps existing registration [%#x,%#x)", addr, end, r.Addr, rEnd)
		}
	}
	return nil
}

// UnregisterLocalMemory reverses RegisterLocalMemory across every
// installed transport.
func (e *Engine) UnregisterLocalMemory(addr uint64) error {
	for name, t := range e.snapshotTransports() {
		if err := t.UnregisterLocalMemory(addr); err != nil {
			return errs.WrapCross(err, "unregister local memory on "+name)
		}
	}
	e.mu.Lock()
	delete(e.regions, addr)
	e.mu.Unlock()
	return nil
}

// OpenSegment resolves name to its stable transport-local integer id
// (spec.md §6; spec.md §9's "transport segment id", lazily assigned by
// the metadata client).
func (e *Engine) OpenSegment(name string) (int64, error) {
	e.mu.RLock()
	md := e.md
	e.mu.RUnlock()
	return md.GetSegmentID(name)
}

// CloseSegment is a bookkeeping no-op: the metadata client keeps a
// segment's id stable for the node's lifetime (spec.md §3).
func (e *Engine) CloseSegment(id int64) error { return nil }

// AllocateBatch allocates a batch of up to size tasks on the named
// transport and returns an engine-wide batch id good for the rest of
// the control surface (spec.md §6). The transport name is explicit here
// because, unlike the simplified single-transport control surface in
// spec.md §6, this engine can have several transports installed at
// once (spec.md §2 component table); the caller picks which one a given
// batch's transfers will ride.
func (e *Engine) AllocateBatch(transport string, size int) (int64, error) {
	e.mu.RLock()
	t, ok := e.transports[transport]
	e.mu.RUnlock()
	if !ok {
		return 0, errs.NewInvalidArgument("transport %s not installed", transport)
	}
	b, err := t.AllocateBatch(size)
	if err != nil {
		return 0, err
	}
	id := atomic.AddInt64(&e.nextBatchID, 1)
	e.batchMu.Lock()
	e.batches[id] = &batchEntry{transport: t, batch: b}
	e.batchMu.Unlock()
	return id, nil
}

func (e *Engine) lookupBatch(batchID int64) (*batchEntry, error) {
	e.batchMu.Lock()
	defer e.batchMu.Unlock()
	be, ok := e.batches[batchID]
	if !ok {
		return nil, errs.NewInvalidArgument("unknown batch id %d", batchID)
	}
	return be, nil
}

// SubmitTransfer submits reqs against an already-allocated batch
// (spec.md §6).
func (e *Engine) SubmitTransfer(batchID int64, reqs []xport.Request) error {
	be, err := e.lookupBatch(batchID)
	if err != nil {
		return err
	}
	return be.transport.SubmitTransfer(be.batch, reqs)
}

// GetTransferStatus reports task taskIdx's rolled-up status (spec.md §6).
func (e *Engine) GetTransferStatus(batchID int64, taskIdx int) (xport.TaskStatus, error) {
	be, err := e.lookupBatch(batchID)
	if err != nil {
		return xport.StatusFailed, err
	}
	return be.transport.GetTransferStatus(be.batch, taskIdx)
}

// FreeBatch releases batchID, failing BatchBusy if any task is still
// outstanding (spec.md §6, §3).
func (e *Engine) FreeBatch(batchID int64) error {
	be, err := e.lookupBatch(batchID)
	if err != nil {
		return err
	}
	if err := be.transport.FreeBatch(be.batch); err != nil {
		return err
	}
	e.batchMu.Lock()
	delete(e.batches, batchID)
	e.batchMu.Unlock()
	return nil
}
