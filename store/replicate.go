package store

import (
	"github.com/mooncake-project/mooncake-go/cmn/errs"
	"github.com/mooncake-project/mooncake-go/cmn/nlog"
	"github.com/mooncake-project/mooncake-go/xport"
)

// ChangeKind reports which direction Replicate moved a key's replica
// count.
type ChangeKind int

const (
	ChangeNone ChangeKind = iota
	ChangeAdded
	ChangeRemoved
)

func (c ChangeKind) String() string {
	switch c {
	case ChangeAdded:
		return "Added"
	case ChangeRemoved:
		return "Removed"
	default:
		return "None"
	}
}

// ReplicateDiff reports what Replicate actually did (spec.md §4.4 seed
// scenarios C/D).
type ReplicateDiff struct {
	Change     ChangeKind
	ReplicaIDs []int64
}

// stagingLocation is the location tag Replicate registers its temporary
// full-object staging buffer under; it is never part of a segment's
// durable shard layout, only a same-node relay for the read-then-write
// copy below.
const stagingLocation = "replicate-staging"

// Replicate implements spec.md §4.4's Replicate: grow or shrink the
// live replica count for key's current version toward newReplicaNum.
//
// Growing copies a full object read from an existing Complete replica
// into a local staging buffer, then writes that staging buffer into
// each newly allocated replica — generateReplicaTransferRequests'
// "pseudo-input vector" from spec.md §4.4 is exactly this staging
// buffer, since a one-sided transport write can only source bytes the
// submitting node has registered locally (spec.md §4.5.3), and the
// source replica's shards generally live on other segments.
func (s *Store) Replicate(key string, newReplicaNum int) (int64, ReplicateDiff, error) {
	stop := startTimer("replicate")
	defer stop()

	versions := s.alloc.Versions(key)
	if len(versions) == 0 {
		return 0, ReplicateDiff{}, errs.NewInvalidKey("key %s has no versions", key)
	}
	version := versions[len(versions)-1]

	current, err := s.alloc.ReplicaCount(key, version)
	if err != nil {
		return 0, ReplicateDiff{}, err
	}

	switch {
	case newReplicaNum > current:
		added, err := s.growReplicas(key, version, newReplicaNum-current)
		diff := ReplicateDiff{Change: ChangeAdded, ReplicaIDs: added}
		if err != nil {
			return version, diff, err
		}
		if _, err := s.alloc.CleanIncompleteReplica(key, version, newReplicaNum); err != nil {
			nlog.Warningln("store: replicate", key, "clean incomplete:", err)
		}
		return version, diff, nil

	case newReplicaNum < current:
		removed := make([]int64, 0, current-newReplicaNum)
		for i := 0; i < current-newReplicaNum; i++ {
			_, replicaID, err := s.alloc.RemoveOneReplica(key, &version)
			if err != nil {
				return version, ReplicateDiff{Change: ChangeRemoved, ReplicaIDs: removed}, err
			}
			removed = append(removed, replicaID)
		}
		return version, ReplicateDiff{Change: ChangeRemoved, ReplicaIDs: removed}, nil

	default:
		return version, ReplicateDiff{Change: ChangeNone}, nil
	}
}

func (s *Store) growReplicas(key string, version int64, n int) ([]int64, error) {
	sourceIDs, err := s.alloc.CompleteReplicaIDs(key, version)
	if err != nil || len(sourceIDs) == 0 {
		return nil, errs.NewInvalidReplica("key %s version %d: no complete replica to clone from", key, version)
	}
	objectSize, err := s.alloc.ObjectSize(key, version)
	if err != nil {
		return nil, err
	}
	sourceHandles, err := s.alloc.ReplicaHandles(key, version, sourceIDs[0])
	if err != nil {
		return nil, err
	}

	staging := make([]byte, objectSize)
	stagingAddr := xport.AddrOf(staging)
	if err := s.eng.RegisterLocalMemory(xport.MemoryRegion{
		Addr: stagingAddr, Length: objectSize, Buf: staging, Location: stagingLocation,
	}); err != nil {
		return nil, err
	}
	defer s.eng.UnregisterLocalMemory(stagingAddr)

	readReqs, err := generateReadRequests([]uint64{stagingAddr}, []uint64{objectSize}, sourceHandles, 0)
	if err != nil {
		return nil, err
	}
	readStatuses, err := s.submitAndAwait(readReqs)
	if err != nil {
		return nil, err
	}
	for _, st := range readStatuses {
		if st != xport.StatusCompleted {
			return nil, errs.NewInvalidReplica("key %s version %d: clone source read failed", key, version)
		}
	}

	var added []int64
	for i := 0; i < n; i++ {
		vv := version
		_, replicaID, err := s.alloc.AddOneReplica(key, &vv, nil, s.strategy)
		if err != nil {
			return added, err
		}
		if err := s.writeReplica(key, version, replicaID, []uint64{stagingAddr}, []uint64{objectSize}); err != nil {
			nlog.Warningln("store: replicate", key, "new replica", replicaID, "write failed:", err)
			continue
		}
		added = append(added, replicaID)
	}
	return added, nil
}
