package store

import (
	"github.com/mooncake-project/mooncake-go/cmn/errs"
	"github.com/mooncake-project/mooncake-go/internal/dbg"
	"github.com/mooncake-project/mooncake-go/replica"
	"github.com/mooncake-project/mooncake-go/xport"
)

// genRequest pairs a generated transfer request with the shard index it
// targets, so status reconciliation (spec.md §4.4.3) can map a
// completion back to its shard without redoing the cumulative-length
// division.
type genRequest struct {
	Req        xport.Request
	ShardIndex int
}

// generateWriteRequests walks ptrs/sizes (the scatter input) and shards
// in lockstep, emitting one request per (input, shard) overlap (spec.md
// §4.4.1). Every input byte is covered exactly once and no request
// crosses a shard boundary.
func generateWriteRequests(ptrs, sizes []uint64, shards []*replica.BufHandle) ([]genRequest, error) {
	if len(ptrs) != len(sizes) {
		return nil, errs.NewInvalidArgument("ptrs/sizes length mismatch: %d vs %d", len(ptrs), len(sizes))
	}

	var out []genRequest
	ii, iOff := 0, uint64(0)
	si, sOff := 0, uint64(0)

	for ii < len(ptrs) {
		if sizes[ii]-iOff == 0 {
			ii++
			iOff = 0
			continue
		}
		if si >= len(shards) {
			return nil, errs.NewInvalidArgument("input exceeds total shard capacity at input elem %d", ii)
		}
		shard := shards[si]
		if shard.Size-sOff == 0 {
			si++
			sOff = 0
			continue
		}

		toWrite := min64(sizes[ii]-iOff, shard.Size-sOff)
		expectedTargetOffset := shard.Addr + sOff
		out = append(out, genRequest{
			Req: xport.Request{
				Opcode:       xport.OpWrite,
				Source:       ptrs[ii] + iOff,
				TargetID:     shard.SegmentID,
				TargetOffset: expectedTargetOffset,
				Length:       toWrite,
			},
			ShardIndex: si,
		})
		dbg.Assertf(expectedTargetOffset+toWrite <= shard.Addr+shard.Size, "write request crosses shard boundary: shard=%s off=%d len=%d", shard, sOff, toWrite)

		iOff += toWrite
		sOff += toWrite
	}
	return out, nil
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
