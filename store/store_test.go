package store

import (
	"fmt"
	"time"

	"github.com/mooncake-project/mooncake-go/cmn/errs"
	"github.com/mooncake-project/mooncake-go/engine"
	"github.com/mooncake-project/mooncake-go/metadata"
	"github.com/mooncake-project/mooncake-go/replica"
	"github.com/mooncake-project/mooncake-go/xport"
	"github.com/mooncake-project/mooncake-go/xport/tcpx"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// shardedFixture wires a Store over a single real tcpx listener that
// backs several distinct object-store segments, each published under
// its own metadata.Segment name but pointing at the same listener
// address. This lets the put/get/replicate round trip exercise real
// cross-shard, cross-"segment" transfers (spec.md §8 scenarios A-D)
// without standing up one socket per segment.
type shardedFixture struct {
	store *Store
	eng   *engine.Engine
}

func newShardedFixture(numSegments int, shardSize uint64) (*shardedFixture, error) {
	kv, err := metadata.NewMemKVStore()
	if err != nil {
		return nil, err
	}
	eng := engine.New()
	eng.Init(kv, "node-a", 0)

	cfg := tcpx.DefaultConfig()
	cfg.DialTimeout = 2 * time.Second
	if _, err := eng.InstallOrGetTransport("tcp", tcpx.NewTransport(cfg)); err != nil {
		return nil, err
	}

	alloc := replica.New(shardSize)
	for i := 0; i < numSegments; i++ {
		buf := make([]byte, shardSize)
		addr := xport.AddrOf(buf)
		if err := eng.RegisterLocalMemory(xport.MemoryRegion{
			Addr: addr, Length: shardSize, Buf: buf,
			Location: fmt.Sprintf("cpu:%d", i), RemoteAccessible: true, UpdateMetadata: true,
		}); err != nil {
			return nil, err
		}

		real, err := eng.Metadata().GetSegment("node-a", true)
		if err != nil {
			return nil, err
		}
		bd := real.FindBuffer(addr, shardSize)
		if bd == nil {
			return nil, errs.NewNotFound("buffer just registered at %#x", addr)
		}
		logical := real.Clone()
		logical.Buffers = []metadata.BufferDesc{*bd}

		segName := fmt.Sprintf("node-a-segment-%d", i)
		if err := eng.Metadata().PutSegment(segName, logical); err != nil {
			return nil, err
		}
		segID, err := eng.OpenSegment(segName)
		if err != nil {
			return nil, err
		}
		if _, err := alloc.RegisterBuffer(segID, addr, shardSize); err != nil {
			return nil, err
		}
	}

	strategy := replica.NewRandomStrategy(7)
	s := New(eng, alloc, strategy, "tcp", DefaultConfig())
	return &shardedFixture{store: s, eng: eng}, nil
}

func (f *shardedFixture) Close() {
	f.eng.UninstallTransport("tcp")
}

func repeatByte(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

// registerLocal registers buf with the fixture's engine so the transport
// can resolve it as the local leg of a Put's writes or a Get's reads.
func (f *shardedFixture) registerLocal(buf []byte) {
	Expect(f.eng.RegisterLocalMemory(xport.MemoryRegion{
		Addr: xport.AddrOf(buf), Length: uint64(len(buf)), Buf: buf, Location: "cpu:0",
	})).To(Succeed())
}

var _ = Describe("Store", func() {
	var fx *shardedFixture

	AfterEach(func() {
		if fx != nil {
			fx.Close()
			fx = nil
		}
	})

	// Scenario A: single put + get equality (spec.md §8 seed scenario A).
	It("writes three input slices into one shard across two replicas and reads them back verbatim", func() {
		var err error
		fx, err = newShardedFixture(4, 64*1024)
		Expect(err).NotTo(HaveOccurred())

		a := repeatByte('A', 1024)
		b := repeatByte('B', 512)
		c := repeatByte('C', 1536)
		fx.registerLocal(a)
		fx.registerLocal(b)
		fx.registerLocal(c)
		ptrs := []uint64{xport.AddrOf(a), xport.AddrOf(b), xport.AddrOf(c)}
		sizes := []uint64{uint64(len(a)), uint64(len(b)), uint64(len(c))}

		version, err := fx.store.Put("k", ptrs, sizes, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(BeNumerically(">", 0))

		out := make([]byte, 3072)
		fx.registerLocal(out)
		gotVersion, err := fx.store.Get("k", []uint64{xport.AddrOf(out)}, []uint64{3072}, 0, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(gotVersion).To(Equal(version))
		Expect(out[:1024]).To(Equal(a))
		Expect(out[1024:1536]).To(Equal(b))
		Expect(out[1536:]).To(Equal(c))
	})

	// Scenario B: cross-shard offset read (spec.md §8 seed scenario B).
	It("reads an offset window spanning several shards verbatim", func() {
		var err error
		fx, err = newShardedFixture(4, 64*1024)
		Expect(err).NotTo(HaveOccurred())

		const total = 256 * 1024
		data := repeatByte('A', total)
		fx.registerLocal(data)
		version, err := fx.store.Put("k", []uint64{xport.AddrOf(data)}, []uint64{total}, 1)
		Expect(err).NotTo(HaveOccurred())

		out := make([]byte, 100*1024)
		fx.registerLocal(out)
		_, err = fx.store.Get("k", []uint64{xport.AddrOf(out)}, []uint64{uint64(len(out))}, version, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal(repeatByte('A', len(out))))
	})

	// Scenario C: replicate up (spec.md §8 seed scenario C).
	It("grows replica count and marks the added replicas as Added", func() {
		var err error
		fx, err = newShardedFixture(6, 64*1024)
		Expect(err).NotTo(HaveOccurred())

		payload := repeatByte('X', 4096)
		fx.registerLocal(payload)
		v1, err := fx.store.Put("k", []uint64{xport.AddrOf(payload)}, []uint64{4096}, 1)
		Expect(err).NotTo(HaveOccurred())

		version, diff, err := fx.store.Replicate("k", 3)
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(Equal(v1))
		Expect(diff.Change).To(Equal(ChangeAdded))
		Expect(diff.ReplicaIDs).To(HaveLen(2))
	})

	// Scenario D: replicate down (spec.md §8 seed scenario D).
	It("shrinks replica count and marks the removed replicas as Removed", func() {
		var err error
		fx, err = newShardedFixture(6, 64*1024)
		Expect(err).NotTo(HaveOccurred())

		payload := repeatByte('X', 4096)
		fx.registerLocal(payload)
		v1, err := fx.store.Put("k", []uint64{xport.AddrOf(payload)}, []uint64{4096}, 3)
		Expect(err).NotTo(HaveOccurred())

		version, diff, err := fx.store.Replicate("k", 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(Equal(v1))
		Expect(diff.Change).To(Equal(ChangeRemoved))
		Expect(diff.ReplicaIDs).To(HaveLen(2))
	})

	// Scenario E: missing key (spec.md §8 seed scenario E).
	It("fails Get on a key that was never put without touching the transport", func() {
		var err error
		fx, err = newShardedFixture(2, 64*1024)
		Expect(err).NotTo(HaveOccurred())

		out := make([]byte, 16)
		_, err = fx.store.Get("absent", []uint64{xport.AddrOf(out)}, []uint64{16}, 0, 0)
		Expect(err).To(HaveOccurred())
	})
})
