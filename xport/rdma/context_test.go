package rdma

import "testing"

func TestContextRegisterAndLookupMemory(t *testing.T) {
	ctx := testCtx(t)
	buf := make([]byte, 4096)
	addr := uint64(0x2000)
	lkey, rkey := ctx.RegisterMemory(addr, uint64(len(buf)), buf, "cpu:0")
	if lkey == 0 || rkey == 0 || lkey == rkey {
		t.Fatalf("expected distinct non-zero keys, got lkey=%d rkey=%d", lkey, rkey)
	}

	got, ok := ctx.lkey(addr)
	if !ok || got != lkey {
		t.Fatalf("lkey lookup mismatch: got=%d ok=%v want=%d", got, ok, lkey)
	}

	mr, err := ctx.mrFor(addr+10, 100)
	if err != nil {
		t.Fatalf("mrFor: %v", err)
	}
	if mr.LKey != lkey {
		t.Fatalf("mrFor returned wrong entry")
	}
}

func TestContextMrForUnregisteredRange(t *testing.T) {
	ctx := testCtx(t)
	if _, err := ctx.mrFor(0xdead, 16); err == nil {
		t.Fatalf("expected error for unregistered address")
	}
}

func TestContextUnregisterMemory(t *testing.T) {
	ctx := testCtx(t)
	buf := make([]byte, 64)
	addr := uint64(0x3000)
	ctx.RegisterMemory(addr, uint64(len(buf)), buf, "cpu:0")
	ctx.UnregisterMemory(addr)
	if _, ok := ctx.lkey(addr); ok {
		t.Fatalf("expected memory region gone after unregister")
	}
}

func TestContextNicPath(t *testing.T) {
	ctx := testCtx(t)
	if ctx.NicPath() != "node-a@dev0" {
		t.Fatalf("unexpected nic path: %s", ctx.NicPath())
	}
	if _, ok := globalFabric.lookup(ctx.NicPath()); !ok {
		t.Fatalf("expected context registered in the fabric registry")
	}
}
