package rdma

import (
	"context"
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

// SlicePayload is the RDMA-specific per-slice state of spec.md §3: the
// destination virtual address/rkey resolved by peer-side device
// selection, the source lkey resolved by local-side device selection,
// and the peer-nic-path the slice is currently queued on.
type SlicePayload struct {
	SourceLKey  uint32
	DestAddr    uint64
	DestRKey    uint32
	PeerNicPath string
}

// sliceJob is one posted WR: the slice plus the QP it was reserved on
// and the CQ it will complete on, so perform_poll_cq can release the
// depth counter without a second lookup.
type sliceJob struct {
	slice *xport.Slice
	qp    *qp
	cqIdx int
}

// workerPool is the per-context worker pool of spec.md §4.5.4: a
// transfer worker alternating perform_post_send/perform_poll_cq, backed
// by a monitor worker (started in Context.monitorLoop). A
// golang.org/x/sync/semaphore bounds concurrent in-flight simulated
// copies so a pathological burst of slices can't spawn unbounded
// goroutines.
type workerPool struct {
	ctx *Context
	md  *metadata.Client

	mu     sync.Mutex
	queues map[string][]*xport.Slice

	submitted int64 // atomic
	processed int64 // atomic

	notify chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}

	inflight *semaphore.Weighted
}

func newWorkerPool(ctx *Context) *workerPool {
	cap := int64(ctx.cfg.MaxWR * ctx.cfg.NumQPPerEndpoint * 4)
	if cap <= 0 {
		cap = 1
	}
	return &workerPool{
		ctx:      ctx,
		queues:   make(map[string][]*xport.Slice),
		notify:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		inflight: semaphore.NewWeighted(cap),
	}
}

func (p *workerPool) setMetadataClient(md *metadata.Client) { p.md = md }

func (p *workerPool) start() { go p.transferLoop() }

func (p *workerPool) stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *workerPool) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// transferLoop implements the transfer-worker half of spec.md §4.5.4:
// perform_post_send then perform_poll_cq in a loop, idling on a bounded
// wait when there is no pending work.
func (p *workerPool) transferLoop() {
	defer close(p.doneCh)
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}
		p.performPostSend()
		p.performPollCQ()

		if atomic.LoadInt64(&p.submitted) == atomic.LoadInt64(&p.processed) {
			select {
			case <-p.notify:
			case <-time.After(time.Second):
			case <-p.stopCh:
				return
			}
		}
	}
}

// resolvePeerAndEnqueue is the context-level submit_post_send of
// spec.md §4.5.4: peer-side device selection per slice, then append to
// the per-peer-nic-path queue.
func (p *workerPool) resolvePeerAndEnqueue(slices []*xport.Slice) {
	grouped := make(map[string][]*xport.Slice)
	for _, s := range slices {
		peerPath, destAddr, destRKey, err := p.selectPeer(s)
		if err != nil {
			p.failTerminal(s, err)
			continue
		}
		lkey := uint32(0)
		if payload, ok := s.Payload.(*SlicePayload); ok {
			lkey = payload.SourceLKey
		}
		s.Payload = &SlicePayload{SourceLKey: lkey, DestAddr: destAddr, DestRKey: destRKey, PeerNicPath: peerPath}
		grouped[peerPath] = append(grouped[peerPath], s)
	}
	if len(grouped) == 0 {
		return
	}
	p.mu.Lock()
	for path, group := range grouped {
		p.queues[path] = append(p.queues[path], group...)
		atomic.AddInt64(&p.submitted, int64(len(group)))
	}
	p.mu.Unlock()
	p.wake()
}

// selectPeer resolves the target segment for s and runs peer-side
// device selection at s's current retry count (spec.md §4.5.5/§9).
func (p *workerPool) selectPeer(s *xport.Slice) (peerPath string, destAddr uint64, destRKey uint32, err error) {
	if p.md == nil {
		return "", 0, 0, errs.NewMetadata("worker pool has no metadata client")
	}
	targetName, err := p.md.NameForID(s.TargetID)
	if err != nil {
		return "", 0, 0, err
	}
	targetSeg, err := p.md.GetSegment(targetName, false)
	if err != nil {
		return "", 0, 0, err
	}
	p.ctx.rngMu.Lock()
	bufIdx, devIdx, err := xport.SelectDevice(targetSeg, s.Offset, s.Length, s.RetryCount, p.ctx.rng)
	p.ctx.rngMu.Unlock()
	if err != nil {
		return "", 0, 0, err
	}
	buf := targetSeg.Buffers[bufIdx]
	if devIdx >= len(buf.RKey) {
		return "", 0, 0, errs.NewDeviceNotFound("buffer %s has no rkey for device %d", buf.Name, devIdx)
	}
	peerPath = targetName + "@" + targetSeg.Devices[devIdx].Name
	return peerPath, s.Offset, buf.RKey[devIdx], nil
}

// performPostSend drains each non-empty peer-path queue through its
// endpoint (spec.md §4.5.4).
func (p *workerPool) performPostSend() {
	p.mu.Lock()
	paths := make([]string, 0, len(p.queues))
	for path, q := range p.queues {
		if len(q) > 0 {
			paths = append(paths, path)
		}
	}
	p.mu.Unlock()

	for _, path := range paths {
		ep := p.ctx.endpoints.getOrInsert(p.ctx, path)
		if ep.State() != StateConnected {
			if err := ep.setupActive(p.md); err != nil {
				p.drainQueueAsFailed(path, err)
				continue
			}
		}
		p.postToEndpoint(ep, path)
	}
}

// postToEndpoint implements endpoint-level submit_post_send (spec.md
// §4.6.4): lock the endpoint (implicit via qp's atomic depth counter),
// pick a QP at random, reserve as many slices as its remaining depth
// allows, and post them.
func (p *workerPool) postToEndpoint(ep *Endpoint, path string) {
	if len(ep.qps) == 0 {
		return
	}
	qpIdx := p.ctx.randIntn(len(ep.qps))
	q := ep.qps[qpIdx]

	p.mu.Lock()
	queue := p.queues[path]
	n := q.tryReserve(len(queue))
	if n == 0 {
		p.mu.Unlock()
		return
	}
	take := queue[:n]
	p.queues[path] = queue[n:]
	p.mu.Unlock()

	cqIdx := qpIdx % len(p.ctx.cqs)
	for _, s := range take {
		s.SetStatus(xport.SlicePosted)
		metrics.SlicesPosted.Inc()
		p.postOne(&sliceJob{slice: s, qp: q, cqIdx: cqIdx})
	}
}

// postOne performs the simulated one-sided memory access and delivers
// the completion asynchronously, standing in for ibv_post_send + a
// later completion event.
func (p *workerPool) postOne(job *sliceJob) {
	if err := p.inflight.Acquire(context.Background(), 1); err != nil {
		p.ctx.cqs[job.cqIdx] <- completion{slice: job, ok: false, err: err}
		return
	}
	go func() {
		defer p.inflight.Release(1)
		err := p.doTransfer(job.slice)
		p.ctx.cqs[job.cqIdx] <- completion{slice: job, ok: err == nil, err: err}
		p.ctx.signalCQWakeup(job.cqIdx)
	}()
}

func (p *workerPool) doTransfer(s *xport.Slice) error {
	payload, ok := s.Payload.(*SlicePayload)
	if !ok {
		return errs.NewInvalidArgument("slice missing rdma payload")
	}
	targetCtx, ok := globalFabric.lookup(payload.PeerNicPath)
	if !ok {
		return errs.NewAddressNotRegistered("peer nic path %s unreachable", payload.PeerNicPath)
	}
	srcMR, err := p.ctx.mrFor(s.SourceAddr, s.Length)
	if err != nil {
		return err
	}
	dstMR, err := targetCtx.mrFor(payload.DestAddr, s.Length)
	if err != nil {
		return err
	}
	if s.Opcode == xport.OpWrite {
		copy(dstMR.bytes(payload.DestAddr, s.Length), srcMR.bytes(s.SourceAddr, s.Length))
	} else {
		copy(srcMR.bytes(s.SourceAddr, s.Length), dstMR.bytes(payload.DestAddr, s.Length))
	}
	return nil
}

// performPollCQ drains up to 16 completions per CQ (spec.md §4.5.4).
func (p *workerPool) performPollCQ() {
	for _, cq := range p.ctx.cqs {
	drain:
		for i := 0; i < 16; i++ {
			select {
			case comp := <-cq:
				p.handleCompletion(comp)
			default:
				break drain
			}
		}
	}
}

func (p *workerPool) handleCompletion(comp completion) {
	comp.slice.qp.release(1)
	atomic.AddInt64(&p.processed, 1)
	s := comp.slice.slice
	if comp.ok {
		s.SetStatus(xport.SliceSuccess)
		s.Task.AddTransferred(s.Length)
		s.Task.IncSuccess()
		metrics.SlicesCompleted.WithLabelValues("success").Inc()
		return
	}
	p.handleFailedSlice(s, comp.err)
}

// handleFailedSlice implements spec.md §4.5.6: retry with a fresh peer
// device selection until max_retry_cnt, then terminal-fail.
func (p *workerPool) handleFailedSlice(s *xport.Slice, cause error) {
	s.RetryCount++
	if s.RetryCount >= s.RetryCap {
		p.failTerminal(s, cause)
		return
	}
	metrics.SliceRetries.Inc()
	nlog.Warningln("rdma: slice retry", s.RetryCount, "of", s.RetryCap, "cause:", cause)
	p.resolvePeerAndEnqueue([]*xport.Slice{s})
}

func (p *workerPool) failTerminal(s *xport.Slice, cause error) {
	s.SetStatus(xport.SliceFailed)
	s.Task.IncFailed()
	metrics.SlicesCompleted.WithLabelValues("failed").Inc()
	nlog.Errorln("rdma: slice failed terminally:", errs.WrapCross(cause, "rdma slice"))
}

// drainQueueAsFailed empties path's queue and passes every slice to
// handleFailedSlice, which re-queues it on a freshly selected peer
// device or fails it terminally at its retry cap — used when endpoint
// handshake setup itself fails (spec.md §4.5.4 step 2).
func (p *workerPool) drainQueueAsFailed(path string, cause error) {
	p.mu.Lock()
	queue := p.queues[path]
	delete(p.queues, path)
	p.mu.Unlock()
	for _, s := range queue {
		atomic.AddInt64(&p.processed, 1)
		p.handleFailedSlice(s, cause)
	}
}
