package rdma

import (
	"sync"
	"sync/atomic"

	"github.com/teris-io/shortid"

	"github.com/mooncake-project/mooncake-go/cmn/nlog"
	"github.com/mooncake-project/mooncake-go/metadata"
)

// EndpointState is the lifecycle of spec.md §4.6.3.
type EndpointState int32

const (
	StateInitializing EndpointState = iota
	StateUnconnected
	StateConnected
)

func (s EndpointState) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateUnconnected:
		return "Unconnected"
	case StateConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// qp is one queue pair: a post-send depth counter bounded by MaxQPDepth.
type qp struct {
	num      uint32
	depth    int32 // atomic
	maxDepth int32
}

func (q *qp) tryReserve(n int) int {
	for {
		cur := atomic.LoadInt32(&q.depth)
		room := q.maxDepth - cur
		if room <= 0 {
			return 0
		}
		take := n
		if int32(take) > room {
			take = int(room)
		}
		if atomic.CompareAndSwapInt32(&q.depth, cur, cur+int32(take)) {
			return take
		}
	}
}

func (q *qp) release(n int) { atomic.AddInt32(&q.depth, -int32(n)) }

// Endpoint is a local-NIC <-> peer-NIC QP group (spec.md §3, §4.6.3).
type Endpoint struct {
	ctx          *Context
	localNicPath string
	peerNicPath  string
	traceID      string // short opaque tag correlating this endpoint's log lines across handshake attempts

	mu    sync.Mutex
	state EndpointState
	qps   []*qp
}

func newEndpoint(ctx *Context, peerNicPath string) *Endpoint {
	qps := make([]*qp, ctx.cfg.NumQPPerEndpoint)
	for i := range qps {
		qps[i] = &qp{num: uint32(i + 1), maxDepth: int32(ctx.cfg.MaxWR)}
	}
	id, err := shortid.Generate()
	if err != nil {
		id = "ep-unknown"
	}
	return &Endpoint{
		ctx:          ctx,
		localNicPath: ctx.NicPath(),
		peerNicPath:  peerNicPath,
		traceID:      id,
		state:        StateInitializing,
		qps:          qps,
	}
}

func (e *Endpoint) State() EndpointState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// qpNums returns this endpoint's queue-pair numbers for the handshake doc.
func (e *Endpoint) qpNums() []uint32 {
	out := make([]uint32, len(e.qps))
	for i, q := range e.qps {
		out[i] = q.num
	}
	return out
}

// setupActive performs the active-side handshake of spec.md §4.6.3:
// it exchanges QP numbers with the peer through md and, on success,
// marks the endpoint Connected. In this simulation there are no
// RESET -> INIT -> RTR -> RTS QP transitions, and the peer's GID/LID
// are not looked up.
func (e *Endpoint) setupActive(md *metadata.Client) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateConnected {
		return nil
	}

	local := &metadata.HandShakeDesc{
		LocalNicPath: e.localNicPath,
		PeerNicPath:  e.peerNicPath,
		QPNum:        e.qpNums(),
	}
	peerServer, _ := splitNicPath(e.peerNicPath)
	resp, err := md.SendHandshake(peerServer, local)
	if err != nil {
		return err
	}
	_ = resp // peer QP numbers are only needed by a real verbs binding's QP transition
	e.state = StateConnected
	nlog.Infoln("rdma:", e.traceID, "endpoint", e.localNicPath, "->", e.peerNicPath, "connected (active)")
	return nil
}

// setupPassive is the symmetric, listener-triggered counterpart.
func (e *Endpoint) setupPassive(req *metadata.HandShakeDesc) *metadata.HandShakeDesc {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateConnected
	nlog.Infoln("rdma:", e.traceID, "endpoint", e.localNicPath, "<-", e.peerNicPath, "connected (passive)")
	return &metadata.HandShakeDesc{
		LocalNicPath: e.localNicPath,
		PeerNicPath:  e.peerNicPath,
		QPNum:        e.qpNums(),
	}
}

// reset drives every QP back to RESET and clears connection state.
func (e *Endpoint) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, q := range e.qps {
		atomic.StoreInt32(&q.depth, 0)
	}
	e.state = StateUnconnected
}

func splitNicPath(path string) (server, device string) {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '@' {
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}
