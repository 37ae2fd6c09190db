package tcpx

import (
	"testing"
	"time"

	"github.com/mooncake-project/mooncake-go/metadata"
	"github.com/mooncake-project/mooncake-go/xport"
)

func newInstalled(t *testing.T, kv metadata.KVStore, name string) (*Transport, *metadata.Client) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DialTimeout = 2 * time.Second
	tr := NewTransport(cfg)
	md := metadata.NewClient(kv, 0)
	if err := tr.Install(name, md); err != nil {
		t.Fatalf("Install(%s): %v", name, err)
	}
	t.Cleanup(func() { tr.Uninstall() })
	return tr, md
}

func waitFinished(t *testing.T, task *xport.Task) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !task.IsFinished() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !task.IsFinished() {
		t.Fatalf("task did not finish in time")
	}
}

func TestTCPXWriteRoundTrip(t *testing.T) {
	kv, err := metadata.NewMemKVStore()
	if err != nil {
		t.Fatalf("NewMemKVStore: %v", err)
	}
	server, md := newInstalled(t, kv, "node-a")
	client, _ := newInstalled(t, kv, "node-b")

	dst := make([]byte, 32)
	dstAddr := xport.AddrOf(dst)
	if err := server.RegisterLocalMemory(xport.MemoryRegion{Addr: dstAddr, Length: uint64(len(dst)), Buf: dst, Location: "cpu:0", UpdateMetadata: true}); err != nil {
		t.Fatalf("RegisterLocalMemory: %v", err)
	}

	src := []byte("0123456789abcdefghijklmnopqrstuv")
	srcAddr := xport.AddrOf(src)
	if err := client.RegisterLocalMemory(xport.MemoryRegion{Addr: srcAddr, Length: uint64(len(src)), Buf: src, Location: "cpu:0"}); err != nil {
		t.Fatalf("RegisterLocalMemory: %v", err)
	}

	targetID, err := md.GetSegmentID("node-a")
	if err != nil {
		t.Fatalf("GetSegmentID: %v", err)
	}

	batch, err := client.AllocateBatch(4)
	if err != nil {
		t.Fatalf("AllocateBatch: %v", err)
	}
	req := xport.Request{Opcode: xport.OpWrite, Source: srcAddr, TargetID: targetID, TargetOffset: dstAddr, Length: uint64(len(src))}
	if err := client.SubmitTransfer(batch, []xport.Request{req}); err != nil {
		t.Fatalf("SubmitTransfer: %v", err)
	}

	task := batch.Task(0)
	waitFinished(t, task)
	if task.Status() != xport.StatusCompleted {
		t.Fatalf("expected completed, got %v (failed=%d)", task.Status(), task.FailedCount())
	}
	if string(dst) != string(src) {
		t.Fatalf("payload mismatch: got %q want %q", dst, src)
	}
	if err := client.FreeBatch(batch); err != nil {
		t.Fatalf("FreeBatch: %v", err)
	}
}

func TestTCPXReadRoundTrip(t *testing.T) {
	kv, err := metadata.NewMemKVStore()
	if err != nil {
		t.Fatalf("NewMemKVStore: %v", err)
	}
	server, md := newInstalled(t, kv, "node-a")
	client, _ := newInstalled(t, kv, "node-b")

	remoteSrc := []byte("the rain in spain falls mainly--")
	remoteAddr := xport.AddrOf(remoteSrc)
	if err := server.RegisterLocalMemory(xport.MemoryRegion{Addr: remoteAddr, Length: uint64(len(remoteSrc)), Buf: remoteSrc, Location: "cpu:0", UpdateMetadata: true}); err != nil {
		t.Fatalf("RegisterLocalMemory: %v", err)
	}

	localDst := make([]byte, len(remoteSrc))
	localAddr := xport.AddrOf(localDst)
	if err := client.RegisterLocalMemory(xport.MemoryRegion{Addr: localAddr, Length: uint64(len(localDst)), Buf: localDst, Location: "cpu:0"}); err != nil {
		t.Fatalf("RegisterLocalMemory: %v", err)
	}

	targetID, err := md.GetSegmentID("node-a")
	if err != nil {
		t.Fatalf("GetSegmentID: %v", err)
	}

	batch, err := client.AllocateBatch(4)
	if err != nil {
		t.Fatalf("AllocateBatch: %v", err)
	}
	req := xport.Request{Opcode: xport.OpRead, Source: localAddr, TargetID: targetID, TargetOffset: remoteAddr, Length: uint64(len(remoteSrc))}
	if err := client.SubmitTransfer(batch, []xport.Request{req}); err != nil {
		t.Fatalf("SubmitTransfer: %v", err)
	}

	task := batch.Task(0)
	waitFinished(t, task)
	if task.Status() != xport.StatusCompleted {
		t.Fatalf("expected completed, got %v", task.Status())
	}
	if string(localDst) != string(remoteSrc) {
		t.Fatalf("payload mismatch: got %q want %q", localDst, remoteSrc)
	}
}

func TestTCPXUnregisteredRangeFails(t *testing.T) {
	kv, err := metadata.NewMemKVStore()
	if err != nil {
		t.Fatalf("NewMemKVStore: %v", err)
	}
	server, md := newInstalled(t, kv, "node-a")
	client, _ := newInstalled(t, kv, "node-b")

	src := make([]byte, 16)
	srcAddr := xport.AddrOf(src)
	if err := client.RegisterLocalMemory(xport.MemoryRegion{Addr: srcAddr, Length: uint64(len(src)), Buf: src, Location: "cpu:0"}); err != nil {
		t.Fatalf("RegisterLocalMemory: %v", err)
	}
	targetID, err := md.GetSegmentID("node-a")
	if err != nil {
		t.Fatalf("GetSegmentID: %v", err)
	}
	_ = server // server never registers the destination range

	batch, _ := client.AllocateBatch(1)
	req := xport.Request{Opcode: xport.OpWrite, Source: srcAddr, TargetID: targetID, TargetOffset: 0xdeadbeef, Length: 16}
	if err := client.SubmitTransfer(batch, []xport.Request{req}); err != nil {
		t.Fatalf("SubmitTransfer: %v", err)
	}

	task := batch.Task(0)
	waitFinished(t, task)
	if task.Status() != xport.StatusFailed {
		t.Fatalf("expected failed status for unregistered destination, got %v", task.Status())
	}
}

// TestTCPXUnregisteredLocalSourceFailsWithoutRetry covers spec.md §7's
// propagation policy: an unregistered local range is a submit-time
// failure, not a transient one, so it must not consume any of the
// slice's retry budget before failing.
func TestTCPXUnregisteredLocalSourceFailsWithoutRetry(t *testing.T) {
	kv, err := metadata.NewMemKVStore()
	if err != nil {
		t.Fatalf("NewMemKVStore: %v", err)
	}
	server, md := newInstalled(t, kv, "node-a")

	dst := make([]byte, 16)
	dstAddr := xport.AddrOf(dst)
	if err := server.RegisterLocalMemory(xport.MemoryRegion{Addr: dstAddr, Length: uint64(len(dst)), Buf: dst, Location: "cpu:0", UpdateMetadata: true}); err != nil {
		t.Fatalf("RegisterLocalMemory: %v", err)
	}

	client, _ := newInstalled(t, kv, "node-b")
	targetID, err := md.GetSegmentID("node-a")
	if err != nil {
		t.Fatalf("GetSegmentID: %v", err)
	}

	batch, _ := client.AllocateBatch(1)
	// client never registers any local source buffer.
	req := xport.Request{Opcode: xport.OpWrite, Source: 0xfeedface, TargetID: targetID, TargetOffset: dstAddr, Length: 16}
	if err := client.SubmitTransfer(batch, []xport.Request{req}); err != nil {
		t.Fatalf("SubmitTransfer: %v", err)
	}

	task := batch.Task(0)
	waitFinished(t, task)
	if task.Status() != xport.StatusFailed {
		t.Fatalf("expected failed status for unregistered local source, got %v", task.Status())
	}
	for _, s := range task.Slices {
		if s.RetryCount != 0 {
			t.Fatalf("expected a submit-time failure to spend zero retries, got %d", s.RetryCount)
		}
	}
}
