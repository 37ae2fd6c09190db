package rdma

import (
	"testing"
	"time"

	"github.com/mooncake-project/mooncake-go/metadata"
	"github.com/mooncake-project/mooncake-go/xport"
)

// TestEndToEndSliceTransfer drives the full post-send/poll-cq path
// between two simulated Contexts without a real handshake round trip:
// the endpoint is pre-seeded Connected (same package, direct field
// access) since the handshake's TCP listener isn't under test here.
func TestEndToEndSliceTransfer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumQPPerEndpoint = 1
	cfg.MaxWR = 8

	ctx1, err := NewContext("node-a", "dev0", 1, "00:00", cfg)
	if err != nil {
		t.Fatalf("NewContext node-a: %v", err)
	}
	defer ctx1.Close()
	ctx2, err := NewContext("node-b", "dev0", 2, "00:01", cfg)
	if err != nil {
		t.Fatalf("NewContext node-b: %v", err)
	}
	defer ctx2.Close()

	kv, err := metadata.NewMemKVStore()
	if err != nil {
		t.Fatalf("NewMemKVStore: %v", err)
	}
	md := metadata.NewClient(kv, 0)
	ctx1.pool.setMetadataClient(md)

	src := []byte("the quick brown fox jumps over the lazy dog....")
	dst := make([]byte, len(src))
	srcAddr := xport.AddrOf(src)
	dstAddr := xport.AddrOf(dst)

	ctx1.RegisterMemory(srcAddr, uint64(len(src)), src, "cpu:0")
	_, rkey := ctx2.RegisterMemory(dstAddr, uint64(len(dst)), dst, "cpu:0")

	seg := &metadata.Segment{
		Name:     "node-b",
		Protocol: "rdma",
		Devices:  []metadata.Device{{Name: "dev0", LID: 2, GID: "00:01"}},
		PriorityMatrix: map[string]metadata.PriorityEntry{
			"cpu:0": {Preferred: []string{"dev0"}},
		},
		Buffers: []metadata.BufferDesc{
			{Name: "cpu:0", Addr: dstAddr, Length: uint64(len(dst)), RKey: []uint32{rkey}, LKey: []uint32{rkey}},
		},
	}
	if err := md.PutSegment("node-b", seg); err != nil {
		t.Fatalf("PutSegment: %v", err)
	}
	targetID, err := md.GetSegmentID("node-b")
	if err != nil {
		t.Fatalf("GetSegmentID: %v", err)
	}

	// pre-connect the endpoint so perform_post_send skips the (real,
	// network-backed) active handshake.
	ep := ctx1.endpoints.getOrInsert(ctx1, "node-b@dev0")
	ep.mu.Lock()
	ep.state = StateConnected
	ep.mu.Unlock()

	task := xport.NewTask(1, xport.Request{}, uint64(len(src)))
	slice := &xport.Slice{
		SourceAddr: srcAddr,
		Length:     uint64(len(src)),
		Opcode:     xport.OpWrite,
		Task:       task,
		TargetID:   targetID,
		Offset:     dstAddr,
		RetryCap:   4,
	}
	task.Slices = []*xport.Slice{slice}

	ctx1.pool.resolvePeerAndEnqueue([]*xport.Slice{slice})

	deadline := time.Now().Add(2 * time.Second)
	for !task.IsFinished() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !task.IsFinished() {
		t.Fatalf("task did not finish in time, status=%v", slice.Status())
	}
	if slice.Status() != xport.SliceSuccess {
		t.Fatalf("expected slice success, got %v", slice.Status())
	}
	if string(dst) != string(src) {
		t.Fatalf("payload mismatch: got %q want %q", dst, src)
	}
	if task.Status() != xport.StatusCompleted {
		t.Fatalf("expected task completed, got %v", task.Status())
	}
}

func TestSelectPeerUnknownTarget(t *testing.T) {
	ctx := testCtx(t)
	kv, _ := metadata.NewMemKVStore()
	md := metadata.NewClient(kv, 0)
	ctx.pool.setMetadataClient(md)

	s := &xport.Slice{TargetID: 999, Task: xport.NewTask(1, xport.Request{}, 0)}
	if _, _, _, err := ctx.pool.selectPeer(s); err == nil {
		t.Fatalf("expected error resolving unknown target id")
	}
}
