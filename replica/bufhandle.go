package replica

import (
	"fmt"

	"github.com/mooncake-project/mooncake-go/alloc"
)

// BufHandle is a shard's location (spec.md §3): the segment owning it,
// the buffer allocator that issued it within that segment, the
// underlying range handle (address/size/status/Free, embedded from
// alloc.Handle, whose range is released once on its first Free), and the ShardMeta
// breadcrumb back to the replica slot it fills.
//
// The buffer allocator keeps only a weak reference to outstanding
// handles (its live map, swept on Unregister); BufHandle and the
// ReplicaInfo holding it are the strong owners, matching spec.md §3's
// "Ownership summary".
type BufHandle struct {
	Meta        ShardMeta
	SegmentID   int64
	BufferIndex int

	*alloc.Handle
}

func (h *BufHandle) String() string {
	return fmt.Sprintf("shard{%s seg=%d buf=%d %s}", h.Meta, h.SegmentID, h.BufferIndex, h.Handle)
}
