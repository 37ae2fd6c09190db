package xport

import "testing"

// TestFreeBusyWhileSliceOutstanding covers spec.md §8 seed scenario F
// directly against Batch/Task state, without depending on a transport's
// real timing: a task with more slices than have reported terminal
// keeps the batch busy.
func TestFreeBusyWhileSliceOutstanding(t *testing.T) {
	b := NewBatch(1, 4)
	task := NewTask(1, Request{}, 32)
	task.Slices = []*Slice{{Length: 16}, {Length: 16}}
	b.Append(task)

	if err := b.Free(); err == nil {
		t.Fatalf("expected BatchBusy while a slice is still pending")
	}

	task.IncSuccess()
	if err := b.Free(); err == nil {
		t.Fatalf("expected BatchBusy while one of two slices is still outstanding")
	}

	task.IncSuccess()
	if err := b.Free(); err != nil {
		t.Fatalf("expected Free to succeed once every slice is terminal: %v", err)
	}
}

func TestCompletionAccounting(t *testing.T) {
	task := NewTask(1, Request{}, 48)
	slices := []*Slice{{Length: 16}, {Length: 16}, {Length: 16}}
	task.Slices = slices

	slices[0].SetStatus(SliceSuccess)
	task.AddTransferred(slices[0].Length)
	task.IncSuccess()

	slices[1].SetStatus(SliceFailed)
	task.IncFailed()

	if task.IsFinished() {
		t.Fatalf("expected task not yet finished with one slice still pending")
	}
	if got := task.SuccessCount() + task.FailedCount(); got > int32(len(task.Slices)) {
		t.Fatalf("success+failed=%d exceeds slice count %d", got, len(task.Slices))
	}
	if task.TransferredBytes() != slices[0].Length {
		t.Fatalf("transferred=%d want %d", task.TransferredBytes(), slices[0].Length)
	}

	slices[2].SetStatus(SliceSuccess)
	task.AddTransferred(slices[2].Length)
	task.IncSuccess()

	if !task.IsFinished() {
		t.Fatalf("expected task finished once every slice is terminal")
	}
	if task.Status() != StatusFailed {
		t.Fatalf("expected StatusFailed since one slice failed, got %v", task.Status())
	}
}
