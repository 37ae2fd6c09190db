package rdma

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/mooncake-project/mooncake-go/cmn/errs"
	"github.com/mooncake-project/mooncake-go/cmn/nlog"
	"github.com/mooncake-project/mooncake-go/metadata"
	"github.com/mooncake-project/mooncake-go/xport"
)

// Transport is the RDMA xport.Transport implementation: one Context per
// configured local HCA, a growing local segment descriptor published to
// the metadata store, and local-side device selection at submit time
// that routes each slice to the Context (and hence worker pool) owning
// the chosen device.
type Transport struct {
	cfg Config

	mu              sync.RWMutex
	localServerName string
	md              *metadata.Client
	contexts        []*Context
	byDevice        map[string]*Context
	seg             *metadata.Segment

	rng   *rand.Rand
	rngMu sync.Mutex

	nextBatchID int64 // atomic
	nextTaskID  int32 // atomic
}

// NewTransport builds an uninstalled RDMA transport from cfg.
func NewTransport(cfg Config) *Transport {
	return &Transport{
		cfg:      cfg,
		byDevice: make(map[string]*Context),
		rng:      rand.New(rand.NewSource(1)),
	}
}

func (t *Transport) Name() string { return "rdma" }

// Install opens one Context per configured device, publishes an
// (initially buffer-less) local segment descriptor, and starts the
// handshake daemon that drives passive endpoint setup (spec.md §4.6.3).
func (t *Transport) Install(localServerName string, md *metadata.Client) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.localServerName = localServerName
	t.md = md
	t.seg = &metadata.Segment{
		Name:           localServerName,
		Protocol:       "rdma",
		PriorityMatrix: make(map[string]metadata.PriorityEntry),
	}

	for i, devName := range t.cfg.Devices {
		lid := uint16(i + 1)
		gid := fmt.Sprintf("00:00:00:00:00:00:00:%02x", i+1)
		ctx, err := NewContext(localServerName, devName, lid, gid, t.cfg)
		if err != nil {
			return err
		}
		ctx.pool.setMetadataClient(md)
		t.contexts = append(t.contexts, ctx)
		t.byDevice[devName] = ctx
		t.seg.Devices = append(t.seg.Devices, metadata.Device{Name: devName, LID: lid, GID: gid})
	}

	if err := md.PutSegment(localServerName, t.seg); err != nil {
		return err
	}
	if err := md.StartHandshakeDaemon(t.handleHandshake); err != nil {
		return err
	}
	nlog.Infoln("rdma: transport installed for", localServerName, "devices", t.cfg.Devices)
	return nil
}

// handleHandshake routes an inbound handshake request to the Context
// owning the device the peer addressed, per spec.md §4.6.3's passive path.
func (t *Transport) handleHandshake(req *metadata.HandShakeDesc) *metadata.HandShakeDesc {
	_, device := splitNicPath(req.PeerNicPath)
	t.mu.RLock()
	ctx, ok := t.byDevice[device]
	t.mu.RUnlock()
	if !ok {
		return &metadata.HandShakeDesc{ReplyMsg: "unknown device " + device}
	}
	ep := ctx.endpoints.getOrInsert(ctx, req.LocalNicPath)
	return ep.setupPassive(req)
}

func (t *Transport) Uninstall() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.md.StopHandshakeDaemon()
	for _, ctx := range t.contexts {
		ctx.Close()
	}
	return nil
}

func (t *Transport) RegisterLocalMemory(mr xport.MemoryRegion) error {
	return t.registerBatch([]xport.MemoryRegion{mr})
}

func (t *Transport) RegisterLocalMemoryBatch(mrs []xport.MemoryRegion) error {
	return t.registerBatch(mrs)
}

// registerBatch implements spec.md §4.5.2: register every buffer with
// every local device in parallel (golang.org/x/sync/errgroup), then
// publish a single metadata update covering the whole batch.
func (t *Transport) registerBatch(mrs []xport.MemoryRegion) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	bufs := make([]metadata.BufferDesc, len(mrs))
	var g errgroup.Group
	for i := range mrs {
		i := i
		mr := mrs[i]
		g.Go(func() error {
			lkeys := make([]uint32, len(t.contexts))
			rkeys := make([]uint32, len(t.contexts))
			for ci, ctx := range t.contexts {
				lk, rk := ctx.RegisterMemory(mr.Addr, mr.Length, mr.Buf, mr.Location)
				lkeys[ci] = lk
				rkeys[ci] = rk
			}
			bufs[i] = metadata.BufferDesc{Name: mr.Location, Addr: mr.Addr, Length: mr.Length, RKey: rkeys, LKey: lkeys}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	t.seg.Buffers = append(t.seg.Buffers, bufs...)
	for _, b := range bufs {
		if _, ok := t.seg.PriorityMatrix[b.Name]; !ok {
			names := make([]string, len(t.contexts))
			for i, c := range t.contexts {
				names[i] = c.DeviceName()
			}
			t.seg.PriorityMatrix[b.Name] = metadata.PriorityEntry{Preferred: names}
		}
	}

	for _, mr := range mrs {
		if mr.UpdateMetadata {
			return t.md.PutSegment(t.localServerName, t.seg)
		}
	}
	return nil
}

func (t *Transport) UnregisterLocalMemory(addr uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ctx := range t.contexts {
		ctx.UnregisterMemory(addr)
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

// CloseSegment is a bookkeeping no-op: the metadata cache keeps the id
// stable for the node's lifetime (spec.md §3 identity note).
func (t *Transport) CloseSegment(id int64) error { return nil }

func (t *Transport) AllocateBatch(size int) (*xport.Batch, error) {
	id := atomic.AddInt64(&t.nextBatchID, 1)
	return xport.NewBatch(id, size), nil
}

// SubmitTransfer decomposes each request into slices (spec.md §4.5.3),
// runs local-side device selection to pick the owning Context and
// source lkey, and hands each Context's group to its worker pool.
func (t *Transport) SubmitTransfer(b *xport.Batch, reqs []xport.Request) error {
	if err := b.Reserve(len(reqs)); err != nil {
		return err
	}
	for _, req := range reqs {
		taskID := int(atomic.AddInt32(&t.nextTaskID, 1))
		task := xport.NewTask(taskID, req, req.Length)
		task.Slices = t.splitIntoSlices(req, task)
		b.Append(task)

		byCtx := make(map[*Context][]*xport.Slice)
		for _, s := range task.Slices {
			ctx, lkey, err := t.selectLocal(s)
			if err != nil {
				s.SetStatus(xport.SliceFailed)
				task.IncFailed()
				nlog.Warningln("rdma: local device selection failed:", err)
				continue
			}
			s.Payload = &SlicePayload{SourceLKey: lkey}
			byCtx[ctx] = append(byCtx[ctx], s)
		}
		for ctx, group := range byCtx {
			ctx.pool.resolvePeerAndEnqueue(group)
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

func (t *Transport) selectLocal(s *xport.Slice) (*Context, uint32, error) {
	t.mu.RLock()
	seg := t.seg
	t.mu.RUnlock()

	t.rngMu.Lock()
	bufIdx, devIdx, err := xport.SelectDevice(seg, s.SourceAddr, s.Length, s.RetryCount, t.rng)
	t.rngMu.Unlock()
	if err != nil {
		return nil, 0, err
	}
	buf := seg.Buffers[bufIdx]
	if devIdx >= len(buf.LKey) {
		return nil, 0, errs.NewDeviceNotFound("buffer %s has no lkey for device %d", buf.Name, devIdx)
	}
	deviceName := seg.Devices[devIdx].Name
	t.mu.RLock()
	ctx, ok := t.byDevice[deviceName]
	t.mu.RUnlock()
	if !ok {
		return nil, 0, errs.NewDeviceNotFound("device %s has no local context", deviceName)
	}
	return ctx, buf.LKey[devIdx], nil
}

func (t *Transport) GetTransferStatus(b *xport.Batch, taskIdx int) (xport.TaskStatus, error) {
	task := b.Task(taskIdx)
	if task == nil {
		return xport.StatusFailed, errs.NewInvalidArgument("task index %d out of range", taskIdx)
	}
	return task.Status(), nil
}

func (t *Transport) FreeBatch(b *xport.Batch) error { return b.Free() }
