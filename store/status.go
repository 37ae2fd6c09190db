package store

import (
	"github.com/mooncake-project/mooncake-go/alloc"
	"github.com/mooncake-project/mooncake-go/replica"
	"github.com/mooncake-project/mooncake-go/xport"
)

// reconcileStatus implements spec.md §4.4.3: fold per-request completion
// outcomes back onto the shard handles they targeted, then roll the
// replica's status up from the per-shard results. A shard with no
// request against it (e.g. a partial-range write) keeps whatever status
// it already had.
func reconcileStatus(reqs []genRequest, statuses []xport.TaskStatus, handles []*replica.BufHandle) replica.ReplicaStatus {
	shardOK := make(map[int]bool, len(handles))
	shardTouched := make(map[int]bool, len(handles))
	for i, r := range reqs {
		shardTouched[r.ShardIndex] = true
		if statuses[i] == xport.StatusCompleted {
			if _, seen := shardOK[r.ShardIndex]; !seen {
				shardOK[r.ShardIndex] = true
			}
		} else {
			shardOK[r.ShardIndex] = false
		}
	}

	complete, failed := 0, 0
	for i, h := range handles {
		if h == nil {
			failed++
			continue
		}
		if shardTouched[i] {
			if shardOK[i] {
				h.SetStatus(alloc.Complete)
			} else {
				h.SetStatus(alloc.Failed)
			}
		}
		switch h.Status() {
		case alloc.Complete:
			complete++
		case alloc.Failed:
			failed++
		}
	}

	switch {
	case complete == len(handles):
		return replica.Complete
	case failed == len(handles):
		return replica.Failed
	default:
		return replica.Partial
	}
}
