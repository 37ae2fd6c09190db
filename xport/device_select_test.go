package xport

import (
	"math"
	"math/rand"
	"testing"

	"github.com/mooncake-project/mooncake-go/metadata"
)

func testSegment() *metadata.Segment {
	return &metadata.Segment{
		Name:    "seg",
		Devices: []metadata.Device{{Name: "mlx5_0"}, {Name: "mlx5_1"}},
		PriorityMatrix: map[string]metadata.PriorityEntry{
			"cpu:0": {Preferred: []string{"mlx5_0", "mlx5_1"}},
		},
		Buffers: []metadata.BufferDesc{{Name: "cpu:0", Addr: 0, Length: 1 << 20}},
	}
}

func TestSelectDeviceAddressNotRegistered(t *testing.T) {
	seg := testSegment()
	if _, _, err := SelectDevice(seg, 1<<30, 8, 0, rand.New(rand.NewSource(1))); err == nil {
		t.Fatalf("expected AddressNotRegistered")
	}
}

func TestSelectDeviceFirstAttemptFairness(t *testing.T) {
	seg := testSegment()
	rng := rand.New(rand.NewSource(42))
	counts := make([]int, 2)
	const n = 20000
	for i := 0; i < n; i++ {
		_, devIdx, err := SelectDevice(seg, 0, 8, 0, rng)
		if err != nil {
			t.Fatal(err)
		}
		counts[devIdx]++
	}
	expected := float64(n) / 2
	for _, c := range counts {
		dev := math.Abs(float64(c)-expected) / expected
		if dev > 0.05 {
			t.Fatalf("device selection not fair: counts=%v deviation=%f", counts, dev)
		}
	}
}

func TestSelectDeviceRetryRoundRobin(t *testing.T) {
	seg := testSegment()
	rng := rand.New(rand.NewSource(1))
	_, d1, _ := SelectDevice(seg, 0, 8, 1, rng)
	_, d2, _ := SelectDevice(seg, 0, 8, 2, rng)
	if d1 == d2 {
		t.Fatalf("expected round robin to rotate device across retries, got %d twice", d1)
	}
}
