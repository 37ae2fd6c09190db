package store

import (
	"testing"

	"github.com/mooncake-project/mooncake-go/replica"
	"github.com/mooncake-project/mooncake-go/xport"
)

func TestReconcileStatusAllComplete(t *testing.T) {
	handles := []*replica.BufHandle{shard(1, 0, 100), shard(2, 100, 100)}
	reqs := []genRequest{{ShardIndex: 0}, {ShardIndex: 1}}
	statuses := []xport.TaskStatus{xport.StatusCompleted, xport.StatusCompleted}

	if got := reconcileStatus(reqs, statuses, handles); got != replica.Complete {
		t.Fatalf("expected Complete, got %s", got)
	}
}

func TestReconcileStatusAllFailed(t *testing.T) {
	handles := []*replica.BufHandle{shard(1, 0, 100), shard(2, 100, 100)}
	reqs := []genRequest{{ShardIndex: 0}, {ShardIndex: 1}}
	statuses := []xport.TaskStatus{xport.StatusFailed, xport.StatusFailed}

	if got := reconcileStatus(reqs, statuses, handles); got != replica.Failed {
		t.Fatalf("expected Failed, got %s", got)
	}
}

func TestReconcileStatusPartial(t *testing.T) {
	handles := []*replica.BufHandle{shard(1, 0, 100), shard(2, 100, 100)}
	reqs := []genRequest{{ShardIndex: 0}, {ShardIndex: 1}}
	statuses := []xport.TaskStatus{xport.StatusCompleted, xport.StatusFailed}

	if got := reconcileStatus(reqs, statuses, handles); got != replica.Partial {
		t.Fatalf("expected Partial, got %s", got)
	}
}

func TestReconcileStatusNilHandleCountsAsFailed(t *testing.T) {
	handles := []*replica.BufHandle{shard(1, 0, 100), nil}
	reqs := []genRequest{{ShardIndex: 0}}
	statuses := []xport.TaskStatus{xport.StatusCompleted}

	if got := reconcileStatus(reqs, statuses, handles); got != replica.Partial {
		t.Fatalf("expected Partial with one shard missing its handle, got %s", got)
	}
}
