package xport

import "unsafe"

// AddrOf derives a stable numeric address for a registered buffer. The
// engine keeps buf referenced for the buffer's entire registered
// lifetime (see engine.Engine.RegisterLocalMemory), so — as with any
// pinned-buffer RDMA binding — converting its backing array's address to
// a uintptr here is safe: Go's allocator does not relocate live heap
// objects, and buf is never allowed to become unreachable while
// registered.
func AddrOf(buf []byte) uint64 {
	if len(buf) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&buf[0])))
}
