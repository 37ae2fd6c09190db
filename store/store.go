// Package store implements the distributed object store of spec.md
// §4.4: put/get/remove/replicate translated into per-shard transfer
// requests against the transfer engine, driven through retries, with
// replica status reconciled from per-batch completion outcomes.
package store

import (
	"time"

	"github.com/mooncake-project/mooncake-go/cmn/errs"
	"github.com/mooncake-project/mooncake-go/cmn/nlog"
	"github.com/mooncake-project/mooncake-go/engine"
	"github.com/mooncake-project/mooncake-go/metrics"
	"github.com/mooncake-project/mooncake-go/replica"
	"github.com/mooncake-project/mooncake-go/xport"
)

// pollInterval bounds how often submitAndAwait re-checks a task's
// status; the control surface's poll calls never block (spec.md §5),
// so the wait lives entirely on this side of the engine boundary.
const pollInterval = time.Millisecond

// Config holds the object store's tunables (spec.md §4.4).
type Config struct {
	ReplicaNum int
	MaxTryNum  int // spec.md §4.4: "retry up to max_trynum (e.g. 10)"
}

func DefaultConfig() Config {
	return Config{ReplicaNum: 1, MaxTryNum: 10}
}

// Store ties the transfer engine and the replica allocator together
// into spec.md §4.4's put/get/remove/replicate surface.
type Store struct {
	eng       *engine.Engine
	alloc     *replica.Allocator
	strategy  replica.Strategy
	transport string // which installed transport carries this store's transfers
	cfg       Config
}

// New builds a Store over an already-Init'd engine and a replica
// allocator sharing its shard geometry with how segments were
// registered through RegisterSegmentBuffer.
func New(eng *engine.Engine, alloc *replica.Allocator, strategy replica.Strategy, transport string, cfg Config) *Store {
	return &Store{eng: eng, alloc: alloc, strategy: strategy, transport: transport, cfg: cfg}
}

// RegisterSegmentBuffer registers buf as remotely-accessible memory on
// segmentName through the engine, then registers the same range with
// the replica allocator under the transport segment id the engine just
// assigned it — the explicit object-store <-> transport id translation
// spec.md §9 calls out ("two variants of segment id").
func (s *Store) RegisterSegmentBuffer(segmentName string, buf []byte, location string) (int, error) {
	addr := xport.AddrOf(buf)
	mr := xport.MemoryRegion{
		Addr: addr, Length: uint64(len(buf)), Buf: buf,
		Location: location, RemoteAccessible: true, UpdateMetadata: true,
	}
	if err := s.eng.RegisterLocalMemory(mr); err != nil {
		return 0, err
	}
	segID, err := s.eng.OpenSegment(segmentName)
	if err != nil {
		return 0, err
	}
	return s.alloc.RegisterBuffer(segID, addr, uint64(len(buf)))
}

// submitAndAwait allocates a batch sized for reqs, submits them, and
// polls every task to a terminal status before freeing the batch
// (spec.md §4.5.3's allocate/submit/poll/free lifecycle).
func (s *Store) submitAndAwait(reqs []genRequest) ([]xport.TaskStatus, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	batchID, err := s.eng.AllocateBatch(s.transport, len(reqs))
	if err != nil {
		return nil, err
	}

	xreqs := make([]xport.Request, len(reqs))
	for i, r := range reqs {
		xreqs[i] = r.Req
	}
	if err := s.eng.SubmitTransfer(batchID, xreqs); err != nil {
		return nil, err
	}

	statuses := make([]xport.TaskStatus, len(reqs))
	for i := range reqs {
		for {
			st, err := s.eng.GetTransferStatus(batchID, i)
			if err != nil {
				return nil, err
			}
			if st != xport.StatusWaiting {
				statuses[i] = st
				break
			}
			time.Sleep(pollInterval)
		}
	}
	if err := s.eng.FreeBatch(batchID); err != nil {
		nlog.Warningln("store: free batch", batchID, ":", err)
	}
	return statuses, nil
}

// Put implements spec.md §4.4's Put: allocate replicaNum replicas
// (the first creates the version, the rest reuse it), write the input
// bytes into each, and roll up replica status from the write outcomes.
func (s *Store) Put(key string, ptrs, sizes []uint64, replicaNum int) (int64, error) {
	stop := startTimer("put")
	defer stop()

	var total uint64
	for _, n := range sizes {
		total += n
	}
	if total == 0 {
		return 0, errs.NewInvalidArgument("put %s: zero total size", key)
	}

	var version int64
	haveVersion := false
	var anyComplete bool

	for r := 0; r < replicaNum; r++ {
		var v, replicaID int64
		var err error
		if !haveVersion {
			objSize := total
			v, replicaID, err = s.alloc.AddOneReplica(key, nil, &objSize, s.strategy)
		} else {
			vv := version
			v, replicaID, err = s.alloc.AddOneReplica(key, &vv, nil, s.strategy)
		}
		if err != nil {
			if !haveVersion {
				return 0, err
			}
			nlog.Warningln("store: put", key, "replica", r, "allocation failed:", err)
			continue
		}
		version = v
		haveVersion = true

		if err := s.writeReplica(key, version, replicaID, ptrs, sizes); err == nil {
			anyComplete = true
		}
	}

	if !anyComplete {
		for { // best-effort cleanup of a version nothing ever completed
			if _, _, err := s.alloc.RemoveOneReplica(key, &version); err != nil {
				break
			}
		}
		return 0, errs.NewWriteFail("put %s: no replica reached Complete", key)
	}
	return version, nil
}

// writeReplica submits write requests for one replica's shards, retries
// via ReassignReplica up to cfg.MaxTryNum, and reconciles status after
// each attempt (spec.md §4.4 steps 2-3).
func (s *Store) writeReplica(key string, version, replicaID int64, ptrs, sizes []uint64) error {
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxTryNum; attempt++ {
		handles, err := s.alloc.ReplicaHandles(key, version, replicaID)
		if err != nil {
			return err
		}
		reqs, err := generateWriteRequests(ptrs, sizes, handles)
		if err != nil {
			return err
		}
		statuses, err := s.submitAndAwait(reqs)
		if err != nil {
			lastErr = err
			if _, rerr := s.alloc.ReassignReplica(key, version, replicaID, s.strategy); rerr != nil {
				return rerr
			}
			continue
		}
		newStatus := reconcileStatus(reqs, statuses, handles)
		if err := s.alloc.UpdateStatus(key, newStatus, version, replicaID); err != nil {
			return err
		}
		if newStatus == replica.Complete {
			return nil
		}
		lastErr = errs.NewWriteFail("replica %d at version %d: partial write", replicaID, version)
		if _, rerr := s.alloc.ReassignReplica(key, version, replicaID, s.strategy); rerr != nil {
			return rerr
		}
	}
	if lastErr == nil {
		lastErr = errs.NewWriteFail("replica %d at version %d: exhausted %d attempts", replicaID, version, s.cfg.MaxTryNum)
	}
	return lastErr
}

// Get implements spec.md §4.4's Get: reserve a replica, generate read
// requests for [offset, offset+Σsizes), retry the whole read up to
// cfg.MaxTryNum on failure.
func (s *Store) Get(key string, ptrs, sizes []uint64, minVersion int64, offset uint64) (int64, error) {
	stop := startTimer("get")
	defer stop()

	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxTryNum; attempt++ {
		version, handles, err := s.alloc.GetOneReplica(key, minVersion, s.strategy)
		if err != nil {
			return 0, err
		}
		reqs, err := generateReadRequests(ptrs, sizes, handles, offset)
		if err != nil {
			return 0, err
		}
		statuses, err := s.submitAndAwait(reqs)
		if err != nil {
			lastErr = err
			continue
		}
		ok := true
		for _, st := range statuses {
			if st != xport.StatusCompleted {
				ok = false
				break
			}
		}
		if ok {
			return version, nil
		}
		lastErr = errs.NewInvalidRead("key %s: read had failed slices", key)
	}
	if lastErr == nil {
		lastErr = errs.NewInvalidRead("key %s: no data to read", key)
	}
	return 0, lastErr
}

// Remove implements spec.md §4.4's Remove: loop RemoveOneReplica until
// version has none left.
func (s *Store) Remove(key string, version *int64) (int64, error) {
	stop := startTimer("remove")
	defer stop()

	var v int64
	for {
		ver, _, err := s.alloc.RemoveOneReplica(key, version)
		if err != nil {
			return ver, nil // idempotent: nothing left to remove (spec.md §8 invariant 6)
		}
		v = ver
		if version == nil {
			version = &v
		}
	}
}

// CheckAll drives the replica allocator's CheckAll and, for every
// Partial replica, repairs missing shards by copying from a Complete
// replica at the same version (spec.md §4.4 / SPEC_FULL §3
// repairPartialReplicas).
func (s *Store) CheckAll(keys []string) error {
	if err := s.alloc.CheckAll(s.strategy); err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.repairPartialReplicas(key); err != nil {
			nlog.Warningln("store: repair", key, ":", err)
		}
	}
	return nil
}

func startTimer(op string) func() {
	t := time.Now()
	return func() { metrics.StoreOpDuration.WithLabelValues(op).Observe(time.Since(t).Seconds()) }
}
