package rdma

import (
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/mooncake-project/mooncake-go/cmn/errs"
	"github.com/mooncake-project/mooncake-go/cmn/nlog"
)

// mrEntry is one locally registered memory region. buf is the real
// backing allocation, kept referenced here for the region's lifetime —
// see xport.AddrOf.
type mrEntry struct {
	Addr     uint64
	Length   uint64
	Location string
	LKey     uint32
	RKey     uint32
	buf      []byte
}

func (m *mrEntry) contains(addr, length uint64) bool {
	return addr >= m.Addr && addr+length <= m.Addr+m.Length
}

// bytes returns the sub-slice of the registration's backing buffer
// covering [addr, addr+length).
func (m *mrEntry) bytes(addr, length uint64) []byte {
	off := addr - m.Addr
	return m.buf[off : off+length]
}

// completion is one terminal slice outcome delivered to a CQ.
type completion struct {
	slice *sliceJob
	ok    bool
	err   error
}

// Context is the per-HCA resource bundle of spec.md §4.6.1: protection
// domain (a no-op marker in this simulation), completion queues, memory
// region table, and the epoll set monitoring the async-event fd and
// completion-channel fds.
type Context struct {
	serverName string
	deviceName string
	lid        uint16
	gid        string
	cfg        Config

	mu      sync.RWMutex
	mrs     []mrEntry
	nextKey uint32

	cqs []chan completion

	epfd        int
	asyncEventR *os.File
	asyncEventW *os.File
	compPipes   []*os.File // read-ends registered with epoll, write-ends signal wakeups

	endpoints *endpointCache
	pool      *workerPool

	rng   *rand.Rand
	rngMu sync.Mutex

	stopMonitor chan struct{}
	monitorDone chan struct{}
}

// NewContext opens (simulates opening) deviceName for serverName and
// starts its worker pool and monitor thread.
func NewContext(serverName, deviceName string, lid uint16, gid string, cfg Config) (*Context, error) {
	c := &Context{
		serverName:  serverName,
		deviceName:  deviceName,
		lid:         lid,
		gid:         gid,
		cfg:         cfg,
		rng:         rand.New(rand.NewSource(int64(lid)+1)),
		stopMonitor: make(chan struct{}),
		monitorDone: make(chan struct{}),
	}
	for i := 0; i < cfg.NumCQPerCtx; i++ {
		c.cqs = append(c.cqs, make(chan completion, cfg.MaxCQE))
	}

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, errs.NewContext("epoll_create1: %v", err)
	}
	c.epfd = epfd

	r, w, err := os.Pipe()
	if err != nil {
		return nil, errs.NewContext("async-event pipe: %v", err)
	}
	c.asyncEventR, c.asyncEventW = r, w
	if err := c.epollAddNonblock(r); err != nil {
		return nil, err
	}

	for i := 0; i < cfg.NumCompChannelsPerCtx; i++ {
		cr, cw, err := os.Pipe()
		if err != nil {
			return nil, errs.NewContext("comp-channel pipe: %v", err)
		}
		if err := c.epollAddNonblock(cr); err != nil {
			return nil, err
		}
		c.compPipes = append(c.compPipes, cw)
	}

	c.endpoints = newEndpointCache(cfg.MaxEndpointsPerCtx)
	c.pool = newWorkerPool(c)
	c.pool.start()
	go c.monitorLoop()

	globalFabric.register(c)
	nlog.Infoln("rdma: context opened", c.NicPath())
	return c, nil
}

func (c *Context) epollAddNonblock(f *os.File) error {
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return errs.NewContext("set nonblock: %v", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(fd)}
	if err := unix.EpollCtl(c.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return errs.NewContext("epoll_ctl add: %v", err)
	}
	return nil
}

// monitorLoop is the monitor worker of spec.md §4.5.4: epoll_wait the
// async-event fd (and, in this simulation, the completion-channel
// wakeup pipes) and ostrich-log whatever arrives.
func (c *Context) monitorLoop() {
	defer close(c.monitorDone)
	events := make([]unix.EpollEvent, 8)
	buf := make([]byte, 64)
	for {
		select {
		case <-c.stopMonitor:
			return
		default:
		}
		n, err := unix.EpollWait(c.epfd, events, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			nlog.Warningln("rdma: epoll_wait:", err)
			continue
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			for {
				m, err := unix.Read(fd, buf)
				if m <= 0 || err != nil {
					break
				}
			}
			nlog.Infoln("rdma: async event drained on fd", fd, "(ostrich policy)")
		}
	}
}

// NicPath is this context's peer-nic-path identity: server@device.
func (c *Context) NicPath() string { return fmt.Sprintf("%s@%s", c.serverName, c.deviceName) }
func (c *Context) LID() uint16     { return c.lid }
func (c *Context) GID() string     { return c.gid }
func (c *Context) DeviceName() string { return c.deviceName }
func (c *Context) ServerName() string { return c.serverName }

// RegisterMemory installs one MR and returns its (lkey, rkey).
func (c *Context) RegisterMemory(addr, length uint64, buf []byte, location string) (lkey, rkey uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextKey++
	lkey = c.nextKey
	c.nextKey++
	rkey = c.nextKey
	c.mrs = append(c.mrs, mrEntry{Addr: addr, Length: length, Location: location, LKey: lkey, RKey: rkey, buf: buf})
	return lkey, rkey
}

// UnregisterMemory drops the MR covering addr, if any.
func (c *Context) UnregisterMemory(addr uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, m := range c.mrs {
		if m.Addr == addr {
			c.mrs = append(c.mrs[:i], c.mrs[i+1:]...)
			return
		}
	}
}

// lkey linear-scans the (typically small) MR list, per spec.md §4.6.1.
func (c *Context) lkey(addr uint64) (uint32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.mrs {
		if m.contains(addr, 0) {
			return m.LKey, true
		}
	}
	return 0, false
}

// mrFor performs the one-sided memory-region lookup this simulation
// uses in place of a real RDMA READ/WRITE: it finds the MR covering
// [addr, addr+length) and returns it, so the caller can memcpy against
// it directly.
func (c *Context) mrFor(addr, length uint64) (*mrEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range c.mrs {
		if c.mrs[i].contains(addr, length) {
			return &c.mrs[i], nil
		}
	}
	return nil, errs.NewAddressNotRegistered("addr=%#x length=%d on %s", addr, length, c.NicPath())
}

func (c *Context) signalCQWakeup(cqIdx int) {
	if cqIdx >= 0 && cqIdx < len(c.compPipes) {
		c.compPipes[cqIdx].Write([]byte{1})
	}
}

// randIntn returns a random int in [0,n) using the context's shared rng.
func (c *Context) randIntn(n int) int {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.rng.Intn(n)
}

// randSource exposes the context's shared rng for use with
// xport.SelectDevice, which takes a *rand.Rand directly. It does not
// lock; callers hold rngMu while using it.
func (c *Context) randSource() *rand.Rand { return c.rng }

// Close tears the context down: stops the worker pool and monitor,
// closes the epoll fd and pipes, and removes the context from the fabric.
func (c *Context) Close() error {
	globalFabric.unregister(c)
	c.pool.stop()
	close(c.stopMonitor)
	<-c.monitorDone
	unix.Close(c.epfd)
	c.asyncEventR.Close()
	c.asyncEventW.Close()
	for _, p := range c.compPipes {
		p.Close()
	}
	return nil
}
