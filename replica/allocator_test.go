package replica

import (
	"testing"

	"github.com/mooncake-project/mooncake-go/alloc"
)

func TestAddOneReplicaPlacesOneShardPerSegment(t *testing.T) {
	a := New(64 * 1024) // shard_size
	strategy := NewRandomStrategy(1)

	for i := int64(0); i < 3; i++ {
		if _, err := a.RegisterBuffer(i, 0, 1<<20); err != nil {
			t.Fatalf("RegisterBuffer(%d): %v", i, err)
		}
	}

	objSize := uint64(3 * 1024) // one shard
	version, replicaID, err := a.AddOneReplica("k", nil, &objSize, strategy)
	if err != nil {
		t.Fatalf("AddOneReplica: %v", err)
	}
	if version != 1 || replicaID != 0 {
		t.Fatalf("expected first version/replica to be 1,0, got %d,%d", version, replicaID)
	}

	handles, err := a.ReplicaHandles("k", version, replicaID)
	if err != nil {
		t.Fatalf("ReplicaHandles: %v", err)
	}
	if len(handles) != 1 {
		t.Fatalf("expected 1 shard for a sub-shard object, got %d", len(handles))
	}
}

func TestAddOneReplicaVersionMonotone(t *testing.T) {
	a := New(1024)
	strategy := NewRandomStrategy(2)
	a.RegisterBuffer(0, 0, 1<<20)

	size1 := uint64(512)
	v1, _, err := a.AddOneReplica("k", nil, &size1, strategy)
	if err != nil {
		t.Fatalf("AddOneReplica v1: %v", err)
	}
	size2 := uint64(512)
	v2, _, err := a.AddOneReplica("k", nil, &size2, strategy)
	if err != nil {
		t.Fatalf("AddOneReplica v2: %v", err)
	}
	if v2 <= v1 {
		t.Fatalf("expected strictly increasing versions, got %d then %d", v1, v2)
	}
}

func TestRemoveOneReplicaIdempotent(t *testing.T) {
	a := New(1024)
	strategy := NewRandomStrategy(3)
	a.RegisterBuffer(0, 0, 1<<20)

	size := uint64(256)
	version, _, err := a.AddOneReplica("k", nil, &size, strategy)
	if err != nil {
		t.Fatalf("AddOneReplica: %v", err)
	}

	if _, _, err := a.RemoveOneReplica("k", &version); err != nil {
		t.Fatalf("first RemoveOneReplica: %v", err)
	}
	if _, _, err := a.RemoveOneReplica("k", &version); err == nil {
		t.Fatalf("expected second RemoveOneReplica on an empty version to fail")
	}
}

func TestCheckAllPromotesCompleteReplica(t *testing.T) {
	a := New(1024)
	strategy := NewRandomStrategy(4)
	a.RegisterBuffer(0, 0, 1<<20)

	size := uint64(256)
	version, replicaID, err := a.AddOneReplica("k", nil, &size, strategy)
	if err != nil {
		t.Fatalf("AddOneReplica: %v", err)
	}
	handles, err := a.ReplicaHandles("k", version, replicaID)
	if err != nil {
		t.Fatalf("ReplicaHandles: %v", err)
	}
	for _, h := range handles {
		h.SetStatus(alloc.Complete)
	}

	if err := a.CheckAll(strategy); err != nil {
		t.Fatalf("CheckAll: %v", err)
	}
	ids, err := a.CompleteReplicaIDs("k", version)
	if err != nil {
		t.Fatalf("CompleteReplicaIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != replicaID {
		t.Fatalf("expected replica %d marked Complete, got %v", replicaID, ids)
	}

	if _, _, err := a.GetOneReplica("k", 0, strategy); err != nil {
		t.Fatalf("GetOneReplica after CheckAll: %v", err)
	}
}

func TestUnregisterThenRecoveryReplaces(t *testing.T) {
	a := New(1024)
	strategy := NewRandomStrategy(5)
	a.RegisterBuffer(0, 0, 2048)
	a.RegisterBuffer(1, 0, 2048)

	size := uint64(256)
	version, replicaID, err := a.AddOneReplica("k", nil, &size, strategy)
	if err != nil {
		t.Fatalf("AddOneReplica: %v", err)
	}
	handles, err := a.ReplicaHandles("k", version, replicaID)
	if err != nil {
		t.Fatalf("ReplicaHandles: %v", err)
	}
	orphanedSegment := handles[0].SegmentID

	freed, err := a.Unregister(orphanedSegment, handles[0].BufferIndex)
	if err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if len(freed) != 1 {
		t.Fatalf("expected 1 orphaned handle, got %d", len(freed))
	}

	count, err := a.Recovery(freed, strategy)
	if err != nil {
		t.Fatalf("Recovery: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 shard recovered, got %d", count)
	}

	newHandles, err := a.ReplicaHandles("k", version, replicaID)
	if err != nil {
		t.Fatalf("ReplicaHandles after recovery: %v", err)
	}
	if newHandles[0].SegmentID == orphanedSegment {
		t.Fatalf("expected shard to move off the unregistered segment")
	}
}
