package tcpx

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mooncake-project/mooncake-go/cmn/errs"
	"github.com/mooncake-project/mooncake-go/cmn/nlog"
	"github.com/mooncake-project/mooncake-go/metadata"
	"github.com/mooncake-project/mooncake-go/metrics"
	"github.com/mooncake-project/mooncake-go/xport"
)

const (
	frameWrite byte = 1
	frameRead  byte = 2
	ackOK      byte = 1
	ackErr     byte = 0
)

// mrEntry is one locally registered memory region, mirroring
// xport/rdma's mrEntry: the real backing buffer is kept referenced for
// the registration's lifetime (see xport.AddrOf).
type mrEntry struct {
	addr   uint64
	length uint64
	buf    []byte
}

func (m *mrEntry) contains(addr, length uint64) bool {
	return addr >= m.addr && addr+length <= m.addr+m.length
}

func (m *mrEntry) bytes(addr, length uint64) []byte {
	off := addr - m.addr
	return m.buf[off : off+length]
}

// Transport is the TCP xport.Transport implementation: one listener
// accepting raw framed requests, a local memory-region table serving
// both directions of those requests, and a bounded-concurrency dialer
// for outbound slices.
type Transport struct {
	cfg Config

	mu              sync.RWMutex
	localServerName string
	md              *metadata.Client
	listener        net.Listener
	mrs             []mrEntry
	seg             *metadata.Segment

	stopCh chan struct{}
	doneCh chan struct{}

	sem *semaphore.Weighted

	nextBatchID int64 // atomic
	nextTaskID  int32 // atomic
}

func NewTransport(cfg Config) *Transport {
	return &Transport{cfg: cfg, sem: semaphore.NewWeighted(cfg.MaxConcurrent)}
}

func (t *Transport) Name() string { return "tcp" }

// Install starts the accept loop and publishes a one-device segment
// descriptor whose device name IS the listen address, since a TCP
// transport has no HCA identity to separately record.
func (t *Transport) Install(localServerName string, md *metadata.Client) error {
	ln, err := net.Listen("tcp", t.cfg.ListenAddr)
	if err != nil {
		return errs.NewSocketFail("tcpx listen %s: %v", t.cfg.ListenAddr, err)
	}

	t.mu.Lock()
	t.localServerName = localServerName
	t.md = md
	t.listener = ln
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	t.seg = &metadata.Segment{
		Name:           localServerName,
		Protocol:       "tcp",
		Devices:        []metadata.Device{{Name: ln.Addr().String()}},
		PriorityMatrix: make(map[string]metadata.PriorityEntry),
	}
	t.mu.Unlock()

	if err := md.PutSegment(localServerName, t.seg); err != nil {
		ln.Close()
		return err
	}
	go t.acceptLoop()
	nlog.Infoln("tcpx: transport installed for", localServerName, "listening on", ln.Addr())
	return nil
}

func (t *Transport) acceptLoop() {
	defer close(t.doneCh)
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
				nlog.Warningln("tcpx: accept:", err)
				return
			}
		}
		go t.serveConn(conn)
	}
}

// serveConn handles exactly one framed request per connection: a write
// copies the inbound payload into the addressed local buffer; a read
// copies the addressed local buffer out to the peer.
func (t *Transport) serveConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(t.cfg.DialTimeout))

	var hdr [17]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		nlog.Warningln("tcpx: read header:", err)
		return
	}
	opcode := hdr[0]
	addr := binary.BigEndian.Uint64(hdr[1:9])
	length := binary.BigEndian.Uint64(hdr[9:17])

	mr, err := t.mrFor(addr, length)
	if err != nil {
		nlog.Warningln("tcpx: unregistered range in request:", err)
		conn.Write([]byte{ackErr})
		return
	}

	switch opcode {
	case frameWrite:
		if _, err := io.ReadFull(conn, mr.bytes(addr, length)); err != nil {
			nlog.Warningln("tcpx: read payload:", err)
			conn.Write([]byte{ackErr})
			return
		}
		conn.Write([]byte{ackOK})
	case frameRead:
		if _, err := conn.Write(mr.bytes(addr, length)); err != nil {
			nlog.Warningln("tcpx: write payload:", err)
		}
	default:
		nlog.Warningln("tcpx: unknown opcode", opcode)
		conn.Write([]byte{ackErr})
	}
}

func (t *Transport) Uninstall() error {
	t.mu.RLock()
	ln, stopCh, doneCh := t.listener, t.stopCh, t.doneCh
	t.mu.RUnlock()
	if ln == nil {
		return nil
	}
	close(stopCh)
	ln.Close()
	<-doneCh
	return nil
}

func (t *Transport) mrFor(addr, length uint64) (*mrEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := range t.mrs {
		if t.mrs[i].contains(addr, length) {
			return &t.mrs[i], nil
		}
	}
	return nil, errs.NewAddressNotRegistered("tcpx: addr=%#x length=%d", addr, length)
}

func (t *Transport) RegisterLocalMemory(mr xport.MemoryRegion) error {
	return t.RegisterLocalMemoryBatch([]xport.MemoryRegion{mr})
}

func (t *Transport) RegisterLocalMemoryBatch(mrs []xport.MemoryRegion) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	update := false
	for _, mr := range mrs {
		t.mrs = append(t.mrs, mrEntry{addr: mr.Addr, length: mr.Length, buf: mr.Buf})
		t.seg.Buffers = append(t.seg.Buffers, metadata.BufferDesc{
			Name: mr.Location, Addr: mr.Addr, Length: mr.Length,
			RKey: []uint32{1}, LKey: []uint32{1},
		})
		if _, ok := t.seg.PriorityMatrix[mr.Location]; !ok {
			t.seg.PriorityMatrix[mr.Location] = metadata.PriorityEntry{Preferred: []string{t.seg.Devices[0].Name}}
		}
		if mr.UpdateMetadata {
			update = true
		}
	}
	if update {
		return t.md.PutSegment(t.localServerName, t.seg)
	}
	return nil
}

func (t *Transport) UnregisterLocalMemory(addr uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, m := range t.mrs {
		if m.addr == addr {
			t.mrs = append(t.mrs[:i], t.mrs[i+1:]...)
			break
		}
	}
	for i, b := range t.seg.Buffers {
		if b.Addr == addr {
			t.seg.Buffers = append(t.seg.Buffers[:i], t.seg.Buffers[i+1:]...)
			break
		}
	}
	return t.md.PutSegment(t.localServerName, t.seg)
}

func (t *Transport) OpenSegment(name string) (int64, error) { return t.md.GetSegmentID(name) }
func (t *Transport) CloseSegment(id int64) error             { return nil }

func (t *Transport) AllocateBatch(size int) (*xport.Batch, error) {
	id := atomic.AddInt64(&t.nextBatchID, 1)
	return xport.NewBatch(id, size), nil
}

// SubmitTransfer splits each request into slices and fans each slice
// out to its own dial+frame exchange, retrying immediately (no backoff)
// on any slice error up to cfg.MaxRetryCount (spec.md §4.5.6's retry
// policy, restated for a real socket instead of a posted WR).
func (t *Transport) SubmitTransfer(b *xport.Batch, reqs []xport.Request) error {
	if err := b.Reserve(len(reqs)); err != nil {
		return err
	}
	for _, req := range reqs {
		taskID := int(atomic.AddInt32(&t.nextTaskID, 1))
		task := xport.NewTask(taskID, req, req.Length)
		slices := t.splitIntoSlices(req, task)
		task.Slices = slices
		b.Append(task)

		peerAddr, err := t.resolvePeerAddr(req.TargetID)
		if err != nil {
			for _, s := range slices {
				s.SetStatus(xport.SliceFailed)
				task.IncFailed()
			}
			nlog.Warningln("tcpx: resolve peer failed:", err)
			continue
		}
		// The local leg of every slice (the write's source buffer, or the
		// read's destination buffer) is known and fixed at submit time, so
		// an unregistered local range is surfaced immediately rather than
		// burning cfg.MaxRetryCount retries against a buffer table that
		// cannot change mid-batch (spec.md §7 propagation policy).
		if _, err := t.mrFor(req.Source, req.Length); err != nil {
			for _, s := range slices {
				s.SetStatus(xport.SliceFailed)
				task.IncFailed()
			}
			nlog.Warningln("tcpx: local range not registered at submit:", err)
			continue
		}
		for _, s := range slices {
			go t.runSlice(s, peerAddr)
		}
	}
	return nil
}

func (t *Transport) splitIntoSlices(req xport.Request, task *xport.Task) []*xport.Slice {
	sliceSize := t.cfg.SliceSize
	if sliceSize == 0 {
		sliceSize = req.Length
	}
	var slices []*xport.Slice
	for off := uint64(0); off < req.Length; {
		n := sliceSize
		if req.Length-off < n {
			n = req.Length - off
		}
		slices = append(slices, &xport.Slice{
			SourceAddr: req.Source + off,
			Length:     n,
			Opcode:     req.Opcode,
			Task:       task,
			TargetID:   req.TargetID,
			Offset:     req.TargetOffset + off,
			RetryCap:   t.cfg.MaxRetryCount,
		})
		off += n
	}
	return slices
}

func (t *Transport) resolvePeerAddr(targetID int64) (string, error) {
	name, err := t.md.NameForID(targetID)
	if err != nil {
		return "", err
	}
	seg, err := t.md.GetSegment(name, false)
	if err != nil {
		return "", err
	}
	if len(seg.Devices) == 0 {
		return "", errs.NewDeviceNotFound("segment %s has no tcp listener recorded", name)
	}
	return seg.Devices[0].Name, nil
}

func (t *Transport) runSlice(s *xport.Slice, peerAddr string) {
	if err := t.sem.Acquire(context.Background(), 1); err != nil {
		t.fail(s, err)
		return
	}
	defer t.sem.Release(1)

	s.SetStatus(xport.SlicePosted)
	metrics.SlicesPosted.Inc()
	for {
		err := t.doSlice(s, peerAddr)
		if err == nil {
			s.SetStatus(xport.SliceSuccess)
			s.Task.AddTransferred(s.Length)
			s.Task.IncSuccess()
			metrics.SlicesCompleted.WithLabelValues("success").Inc()
			return
		}
		s.RetryCount++
		if s.RetryCount >= s.RetryCap {
			t.fail(s, err)
			return
		}
		metrics.SliceRetries.Inc()
		nlog.Warningln("tcpx: slice retry", s.RetryCount, "of", s.RetryCap, "cause:", err)
	}
}

func (t *Transport) fail(s *xport.Slice, cause error) {
	s.SetStatus(xport.SliceFailed)
	s.Task.IncFailed()
	metrics.SlicesCompleted.WithLabelValues("failed").Inc()
	nlog.Errorln("tcpx: slice failed terminally:", errs.WrapCross(cause, "tcpx slice"))
}

func (t *Transport) doSlice(s *xport.Slice, peerAddr string) error {
	conn, err := net.DialTimeout("tcp", peerAddr, t.cfg.DialTimeout)
	if err != nil {
		return errs.NewSocketFail("tcpx dial %s: %v", peerAddr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(t.cfg.DialTimeout))

	var hdr [17]byte
	if s.Opcode == xport.OpWrite {
		hdr[0] = frameWrite
	} else {
		hdr[0] = frameRead
	}
	binary.BigEndian.PutUint64(hdr[1:9], s.Offset)
	binary.BigEndian.PutUint64(hdr[9:17], s.Length)
	if _, err := conn.Write(hdr[:]); err != nil {
		return errs.NewSocketFail("tcpx write header: %v", err)
	}

	if s.Opcode == xport.OpWrite {
		srcMR, err := t.mrFor(s.SourceAddr, s.Length)
		if err != nil {
			return err
		}
		if _, err := conn.Write(srcMR.bytes(s.SourceAddr, s.Length)); err != nil {
			return errs.NewSocketFail("tcpx write payload: %v", err)
		}
		var ack [1]byte
		if _, err := io.ReadFull(conn, ack[:]); err != nil {
			return errs.NewSocketFail("tcpx read ack: %v", err)
		}
		if ack[0] != ackOK {
			return errs.NewWriteFail("tcpx peer rejected write at offset %d", s.Offset)
		}
		return nil
	}

	srcMR, err := t.mrFor(s.SourceAddr, s.Length)
	if err != nil {
		return err
	}
	if _, err := io.ReadFull(conn, srcMR.bytes(s.SourceAddr, s.Length)); err != nil {
		return errs.NewSocketFail("tcpx read payload: %v", err)
	}
	return nil
}

func (t *Transport) GetTransferStatus(b *xport.Batch, taskIdx int) (xport.TaskStatus, error) {
	task := b.Task(taskIdx)
	if task == nil {
		return xport.StatusFailed, errs.NewInvalidArgument("task index %d out of range", taskIdx)
	}
	return task.Status(), nil
}

func (t *Transport) FreeBatch(b *xport.Batch) error { return b.Free() }
