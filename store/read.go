package store

import (
	"github.com/mooncake-project/mooncake-go/cmn/errs"
	"github.com/mooncake-project/mooncake-go/replica"
	"github.com/mooncake-project/mooncake-go/xport"
)

// generateReadRequests implements spec.md §4.4.2 / §9's fixed
// formulation of the offset bug: skip whole shards lying entirely
// before offset, then start the first touched shard at
// offset - cumulative_prev. Requests may transfer less than Σsizes if
// offset+Σsizes exceeds the object's size (fewer shards than needed).
func generateReadRequests(ptrsOut, sizesOut []uint64, shards []*replica.BufHandle, offset uint64) ([]genRequest, error) {
	if len(ptrsOut) != len(sizesOut) {
		return nil, errs.NewInvalidArgument("ptrs/sizes length mismatch: %d vs %d", len(ptrsOut), len(sizesOut))
	}

	var total uint64
	for _, n := range sizesOut {
		total += n
	}

	si := 0
	cumulative := uint64(0)
	for si < len(shards) && cumulative+shards[si].Size <= offset {
		cumulative += shards[si].Size
		si++
	}
	if si >= len(shards) {
		return nil, nil
	}
	sOff := offset - cumulative

	var out []genRequest
	ii, iOff := 0, uint64(0)
	var emitted uint64
	for ii < len(ptrsOut) && si < len(shards) && emitted < total {
		outRemain := sizesOut[ii] - iOff
		if outRemain == 0 {
			ii++
			iOff = 0
			continue
		}
		shard := shards[si]
		shardRemain := shard.Size - sOff
		if shardRemain == 0 {
			si++
			sOff = 0
			continue
		}

		n := min64(outRemain, shardRemain)
		n = min64(n, total-emitted)
		out = append(out, genRequest{
			Req: xport.Request{
				Opcode:       xport.OpRead,
				Source:       ptrsOut[ii] + iOff,
				TargetID:     shard.SegmentID,
				TargetOffset: shard.Addr + sOff,
				Length:       n,
			},
			ShardIndex: si,
		})
		iOff += n
		sOff += n
		emitted += n
	}
	return out, nil
}
