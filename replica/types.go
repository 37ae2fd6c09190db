// Package replica implements the replica allocator of spec.md §4.3:
// versioned per-object replica metadata, a pluggable allocation
// strategy, and recovery/reassignment when segments are unregistered or
// shards fail.
package replica

import "fmt"

// ReplicaStatus is a replica's lifecycle state (spec.md §3).
type ReplicaStatus int

const (
	Undefined ReplicaStatus = iota
	Initialized
	Partial
	Complete
	Removed
	Failed
)

func (s ReplicaStatus) String() string {
	switch s {
	case Undefined:
		return "Undefined"
	case Initialized:
		return "Initialized"
	case Partial:
		return "Partial"
	case Complete:
		return "Complete"
	case Removed:
		return "Removed"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ShardMeta is the breadcrumb a BufHandle carries back to the replica
// slot it fills, so recovery() can splice a freshly allocated handle
// into the right place without the caller re-deriving it (spec.md §4.3
// "recovery... splice it into the replica/shard slot the old handle
// named via its attached meta").
type ShardMeta struct {
	Key        string
	Version    int64
	ReplicaID  int64
	ShardIndex int
}

func (m ShardMeta) String() string {
	return fmt.Sprintf("%s@v%d/r%d[%d]", m.Key, m.Version, m.ReplicaID, m.ShardIndex)
}

// ReplicaInfo is one replica: an ordered list of shard handles plus its
// rolled-up status. Invariant (spec.md §3): status != Complete while any
// handle has status != Complete.
type ReplicaInfo struct {
	ReplicaID int64
	Handles   []*BufHandle
	Status    ReplicaStatus
}

// VersionInfo holds one version's replica set plus the shard geometry
// fixed at the version's creation (spec.md §4.3 invariant 2-3).
type VersionInfo struct {
	ObjectSize uint64
	ShardSize  uint64

	Replicas         map[int64]*ReplicaInfo
	CompleteReplicas map[int64]struct{}
	MaxReplicaID     int64
}

func newVersionInfo(objectSize, shardSize uint64) *VersionInfo {
	return &VersionInfo{
		ObjectSize:       objectSize,
		ShardSize:        shardSize,
		Replicas:         make(map[int64]*ReplicaInfo),
		CompleteReplicas: make(map[int64]struct{}),
	}
}

// ShardCount reports ceil(ObjectSize/ShardSize) for this version
// (spec.md §4.3 invariant 2).
func (v *VersionInfo) ShardCount() int {
	if v.ObjectSize == 0 {
		return 0
	}
	return int((v.ObjectSize + v.ShardSize - 1) / v.ShardSize)
}

// ShardLen returns the byte length of shard i: shard_size, except the
// last shard which is clipped to ObjectSize (spec.md §4.3 invariant 3).
func (v *VersionInfo) ShardLen(i int) uint64 {
	start := uint64(i) * v.ShardSize
	end := start + v.ShardSize
	if end > v.ObjectSize {
		end = v.ObjectSize
	}
	if end < start {
		return 0
	}
	return end - start
}
