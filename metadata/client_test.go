package metadata

import (
	"testing"
	"time"
)

func newTestClient(t *testing.T, port int) *Client {
	t.Helper()
	kv, err := NewMemKVStore()
	if err != nil {
		t.Fatalf("NewMemKVStore: %v", err)
	}
	return NewClient(kv, port)
}

func TestPutGetSegment(t *testing.T) {
	c := newTestClient(t, 0)
	desc := &Segment{
		Protocol: "rdma",
		Devices:  []Device{{Name: "mlx5_0", LID: 1, GID: "00:00"}},
		PriorityMatrix: map[string]PriorityEntry{
			"cpu:0": {Preferred: []string{"mlx5_0"}, Fallback: nil},
		},
		Buffers: []BufferDesc{{Name: "cpu:0", Addr: 0x1000, Length: 4096, RKey: []uint32{1}, LKey: []uint32{2}}},
	}
	if err := c.PutSegment("node-a", desc); err != nil {
		t.Fatalf("PutSegment: %v", err)
	}
	got, err := c.GetSegment("node-a", false)
	if err != nil {
		t.Fatalf("GetSegment: %v", err)
	}
	if got.Name != "node-a" || len(got.Devices) != 1 || got.Devices[0].Name != "mlx5_0" {
		t.Fatalf("unexpected round-trip: %+v", got)
	}
	if !got.FindBuffer(0x1000, 10).Contains(0x1000, 10) {
		t.Fatalf("FindBuffer failed to locate registered range")
	}
}

func TestGetSegmentIDStable(t *testing.T) {
	c := newTestClient(t, 0)
	_ = c.PutSegment("node-a", &Segment{Protocol: "rdma"})
	_ = c.PutSegment("node-b", &Segment{Protocol: "rdma"})

	id1, err := c.GetSegmentID("node-a")
	if err != nil {
		t.Fatal(err)
	}
	id2, err := c.GetSegmentID("node-b")
	if err != nil {
		t.Fatal(err)
	}
	if id1 == id2 {
		t.Fatalf("expected distinct ids, got %d == %d", id1, id2)
	}
	again, err := c.GetSegmentID("node-a")
	if err != nil || again != id1 {
		t.Fatalf("id for node-a changed across calls: %d != %d", again, id1)
	}

	// force-refresh preserves the id
	_ = c.PutSegment("node-a", &Segment{Protocol: "rdma", Devices: []Device{{Name: "x"}}})
	refreshed, err := c.GetSegment("node-a", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(refreshed.Devices) != 1 {
		t.Fatalf("force refresh did not pick up new descriptor")
	}
	idAfter, _ := c.GetSegmentID("node-a")
	if idAfter != id1 {
		t.Fatalf("id changed after refresh: %d != %d", idAfter, id1)
	}
}

func TestGetUnknownSegmentNotFound(t *testing.T) {
	c := newTestClient(t, 0)
	if _, err := c.GetSegment("ghost", false); err == nil {
		t.Fatalf("expected NotFound for unknown segment")
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	const port = 19201
	server := newTestClient(t, port)
	err := server.StartHandshakeDaemon(func(req *HandShakeDesc) *HandShakeDesc {
		return &HandShakeDesc{
			LocalNicPath: req.PeerNicPath,
			PeerNicPath:  req.LocalNicPath,
			QPNum:        []uint32{100, 101},
		}
	})
	if err != nil {
		t.Fatalf("StartHandshakeDaemon: %v", err)
	}
	defer server.StopHandshakeDaemon()
	time.Sleep(20 * time.Millisecond)

	client := newTestClient(t, port)
	resp, err := client.SendHandshake("127.0.0.1", &HandShakeDesc{
		LocalNicPath: "client@mlx5_0",
		PeerNicPath:  "server@mlx5_0",
		QPNum:        []uint32{1, 2},
	})
	if err != nil {
		t.Fatalf("SendHandshake: %v", err)
	}
	if len(resp.QPNum) != 2 || resp.QPNum[0] != 100 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHandshakeRejection(t *testing.T) {
	const port = 19202
	server := newTestClient(t, port)
	err := server.StartHandshakeDaemon(func(req *HandShakeDesc) *HandShakeDesc {
		return &HandShakeDesc{ReplyMsg: "busy"}
	})
	if err != nil {
		t.Fatalf("StartHandshakeDaemon: %v", err)
	}
	defer server.StopHandshakeDaemon()
	time.Sleep(20 * time.Millisecond)

	client := newTestClient(t, port)
	_, err = client.SendHandshake("127.0.0.1", &HandShakeDesc{LocalNicPath: "a", PeerNicPath: "b"})
	if err == nil {
		t.Fatalf("expected rejection error")
	}
}
