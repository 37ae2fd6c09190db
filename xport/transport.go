package xport

import "github.com/mooncake-project/mooncake-go/metadata"

// MemoryRegion is one local registration the engine asks a transport to
// install (spec.md §4.5.2). Buf is the real backing allocation; Addr is
// its synthetic stable address (xport.AddrOf), shared by every
// installed transport so the same user-visible address resolves to the
// same bytes regardless of which transport ultimately moves them.
type MemoryRegion struct {
	Addr             uint64
	Length           uint64
	Buf              []byte
	Location         string // e.g. "cpu:0"
	RemoteAccessible bool
	UpdateMetadata   bool
}

// Transport is the uniform contract every variant (RDMA, TCP, NVMe-oF)
// satisfies: install, register/unregister local memory, open segment,
// allocate/submit/poll/free batch (spec.md §1, §6).
type Transport interface {
	Name() string

	// Install performs one-time setup: build contexts, register and
	// publish the local segment descriptor, start any background
	// listeners.
	Install(localServerName string, md *metadata.Client) error
	Uninstall() error

	RegisterLocalMemory(mr MemoryRegion) error
	RegisterLocalMemoryBatch(mrs []MemoryRegion) error
	UnregisterLocalMemory(addr uint64) error

	OpenSegment(name string) (int64, error)
	CloseSegment(id int64) error

	AllocateBatch(size int) (*Batch, error)
	SubmitTransfer(b *Batch, reqs []Request) error
	GetTransferStatus(b *Batch, taskIdx int) (TaskStatus, error)
	FreeBatch(b *Batch) error
}
