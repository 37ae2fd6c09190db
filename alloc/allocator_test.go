package alloc

import "testing"

func TestAllocateNonOverlapping(t *testing.T) {
	a := New(0x1000, 4096)
	h1, err := a.Allocate(1024)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := a.Allocate(1024)
	if err != nil {
		t.Fatal(err)
	}
	if h1.Addr == h2.Addr {
		t.Fatalf("handles overlap: %v %v", h1, h2)
	}
	if h1.Addr+h1.Size > h2.Addr && h2.Addr+h2.Size > h1.Addr {
		t.Fatalf("ranges overlap")
	}
}

func TestAllocateExhausted(t *testing.T) {
	a := New(0, 2048)
	if _, err := a.Allocate(2048); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Allocate(1); err == nil {
		t.Fatalf("expected BufferOverflow")
	}
}

func TestFreeIdempotentAndCoalesces(t *testing.T) {
	a := New(0, 4096)
	h1, _ := a.Allocate(1024)
	h2, _ := a.Allocate(1024)
	h1.Free()
	h1.Free() // idempotent
	h2.Free()
	if a.Remaining() != 4096 {
		t.Fatalf("expected full range back, remaining=%d", a.Remaining())
	}
	// coalesced free space should satisfy an allocation spanning both halves.
	if _, err := a.Allocate(2048); err != nil {
		t.Fatalf("expected coalesced free space to satisfy allocation: %v", err)
	}
}

func TestUnregisterMarksOutstanding(t *testing.T) {
	a := New(0, 4096)
	h, _ := a.Allocate(512)
	out := a.Unregister()
	if len(out) != 1 || out[0] != h {
		t.Fatalf("unexpected unregister result: %v", out)
	}
	if h.Status() != Unregistered {
		t.Fatalf("expected Unregistered, got %s", h.Status())
	}
	if _, err := a.Allocate(1); err == nil {
		t.Fatalf("expected allocate on unregistered allocator to fail")
	}
}
