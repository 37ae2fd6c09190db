package store

import (
	"github.com/mooncake-project/mooncake-go/alloc"
	"github.com/mooncake-project/mooncake-go/cmn/errs"
	"github.com/mooncake-project/mooncake-go/cmn/nlog"
	"github.com/mooncake-project/mooncake-go/replica"
	"github.com/mooncake-project/mooncake-go/xport"
)

// repairPartialReplicas implements the SPEC_FULL §3 supplement to
// spec.md §4.4's CheckAll: for every replica of key sitting in Partial
// status, copy the missing shards from a Complete replica at the same
// version, retrying up to cfg.MaxTryNum times per replica before giving
// up on it.
func (s *Store) repairPartialReplicas(key string) error {
	for _, version := range s.alloc.Versions(key) {
		partials, err := s.alloc.ReplicasByStatus(key, version, replica.Partial)
		if err != nil || len(partials) == 0 {
			continue
		}
		sources, err := s.alloc.CompleteReplicaIDs(key, version)
		if err != nil || len(sources) == 0 {
			continue // nothing to repair from at this version yet
		}
		sourceHandles, err := s.alloc.ReplicaHandles(key, version, sources[0])
		if err != nil {
			continue
		}

		for _, replicaID := range partials {
			if err := s.repairOneReplica(key, version, replicaID, sourceHandles); err != nil {
				nlog.Warningln("store: repair", key, "replica", replicaID, "at version", version, ":", err)
			}
		}
	}
	return nil
}

// repairOneReplica copies the source replica's full contents over the
// target replica whenever any target shard is not Complete; shards
// already Complete on the target are rewritten with the same bytes.
func (s *Store) repairOneReplica(key string, version, replicaID int64, sourceHandles []*replica.BufHandle) error {
	missing := func(handles []*replica.BufHandle) bool {
		for _, h := range handles {
			if h == nil || h.Status() != alloc.Complete {
				return true
			}
		}
		return false
	}

	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxTryNum; attempt++ {
		targetHandles, err := s.alloc.ReplicaHandles(key, version, replicaID)
		if err != nil {
			return err
		}
		if !missing(targetHandles) {
			return s.alloc.UpdateStatus(key, replica.Complete, version, replicaID)
		}

		if err := s.copyShards(sourceHandles, targetHandles); err != nil {
			lastErr = err
			if _, rerr := s.alloc.ReassignReplica(key, version, replicaID, s.strategy); rerr != nil {
				return rerr
			}
			continue
		}

		newStatus := replica.Complete
		if missing(targetHandles) {
			newStatus = replica.Partial
		}
		return s.alloc.UpdateStatus(key, newStatus, version, replicaID)
	}
	if lastErr == nil {
		lastErr = errs.NewWriteFail("repair replica %d at version %d: exhausted %d attempts", replicaID, version, s.cfg.MaxTryNum)
	}
	return lastErr
}

// copyShards stages source's full shard set through a local buffer and
// writes it into target, shard by shard, for the same reason
// growReplicas in replicate.go does: a one-sided write can only source
// memory registered on the submitting node, and the source and target
// shards generally live on different segments.
func (s *Store) copyShards(source, target []*replica.BufHandle) error {
	var total uint64
	for _, h := range target {
		if h != nil {
			total += h.Size
		}
	}
	if total == 0 {
		return nil
	}

	staging := make([]byte, total)
	stagingAddr := xport.AddrOf(staging)
	if err := s.eng.RegisterLocalMemory(xport.MemoryRegion{
		Addr: stagingAddr, Length: total, Buf: staging, Location: stagingLocation,
	}); err != nil {
		return err
	}
	defer s.eng.UnregisterLocalMemory(stagingAddr)

	readReqs, err := generateReadRequests([]uint64{stagingAddr}, []uint64{total}, source, 0)
	if err != nil {
		return err
	}
	readStatuses, err := s.submitAndAwait(readReqs)
	if err != nil {
		return err
	}
	for _, st := range readStatuses {
		if st != xport.StatusCompleted {
			return errs.NewInvalidReplica("repair: staging read had failed slices")
		}
	}

	writeReqs, err := generateWriteRequests([]uint64{stagingAddr}, []uint64{total}, target)
	if err != nil {
		return err
	}
	writeStatuses, err := s.submitAndAwait(writeReqs)
	if err != nil {
		return err
	}
	newStatus := reconcileStatus(writeReqs, writeStatuses, target)
	if newStatus != replica.Complete {
		return errs.NewWriteFail("repair: target replica left %s", newStatus)
	}
	return nil
}
