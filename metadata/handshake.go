package metadata

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/mooncake-project/mooncake-go/cmn/errs"
	"github.com/mooncake-project/mooncake-go/cmn/nlog"
)

// socketTimeout bounds every handshake socket operation per spec.md §4.1.
const socketTimeout = 60 * time.Second

// acceptTimeout bounds one accept() cycle of the handshake daemon so
// shutdown can be observed promptly (spec.md §4.1, §5).
const acceptTimeout = time.Second

// HandShakeDesc is the wire document exchanged over the handshake
// socket (spec.md §6).
type HandShakeDesc struct {
	LocalNicPath string   `json:"local_nic_path"`
	PeerNicPath  string   `json:"peer_nic_path"`
	QPNum        []uint32 `json:"qp_num"`
	ReplyMsg     string   `json:"reply_msg"`
}

// Rejected reports whether this descriptor is a rejection response
// (spec.md §6: non-empty reply_msg).
func (d *HandShakeDesc) Rejected() bool { return d.ReplyMsg != "" }

// SendHandshake connects to peerName's handshake listener on this
// client's configured handshake port, writes local, reads and returns
// the peer's response.
func (c *Client) SendHandshake(peerName string, local *HandShakeDesc) (*HandShakeDesc, error) {
	addr := fmt.Sprintf("%s:%d", peerName, c.handshakePort)
	conn, err := net.DialTimeout("tcp", addr, socketTimeout)
	if err != nil {
		return nil, errs.NewDNSFail("dial %s: %v", addr, err)
	}
	defer conn.Close()

	if err := writeDoc(conn, local); err != nil {
		return nil, err
	}
	var resp HandShakeDesc
	if err := readDoc(conn, &resp); err != nil {
		return nil, err
	}
	if resp.Rejected() {
		return &resp, errs.NewRejectHandshake("%s: %s", peerName, resp.ReplyMsg)
	}
	return &resp, nil
}

// HandshakeCallback handles one inbound handshake request and returns
// the response to send back (a ReplyMsg means rejection).
type HandshakeCallback func(req *HandShakeDesc) *HandShakeDesc

type handshakeDaemon struct {
	listener net.Listener
	stopCh   chan struct{}
	doneCh   chan struct{}
	once     sync.Once
}

// StartHandshakeDaemon spawns the handshake listener: accept -> read one
// request -> invoke cb -> write its response -> close. The accept loop
// uses a 1s deadline so Stop() returns promptly without killing an
// in-flight handshake.
func (c *Client) StartHandshakeDaemon(cb HandshakeCallback) error {
	addr := fmt.Sprintf(":%d", c.handshakePort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errs.NewSocketFail("listen %s: %v", addr, err)
	}
	d := &handshakeDaemon{listener: ln, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
	c.daemon = d

	go func() {
		defer close(d.doneCh)
		for {
			select {
			case <-d.stopCh:
				return
			default:
			}
			if tl, ok := ln.(*net.TCPListener); ok {
				tl.SetDeadline(time.Now().Add(acceptTimeout))
			}
			conn, err := ln.Accept()
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				select {
				case <-d.stopCh:
					return
				default:
					nlog.Warningln("handshake daemon accept:", err)
					continue
				}
			}
			go d.serveOne(conn, cb)
		}
	}()
	nlog.Infoln("metadata: handshake daemon listening on", addr)
	return nil
}

func (d *handshakeDaemon) serveOne(conn net.Conn, cb HandshakeCallback) {
	defer conn.Close()
	var req HandShakeDesc
	if err := readDoc(conn, &req); err != nil {
		nlog.Warningln("handshake daemon read:", err)
		return
	}
	resp := cb(&req)
	if err := writeDoc(conn, resp); err != nil {
		nlog.Warningln("handshake daemon write:", err)
	}
}

// StopHandshakeDaemon requests shutdown and waits for the accept loop to
// observe it (bounded by acceptTimeout).
func (c *Client) StopHandshakeDaemon() {
	if c.daemon == nil {
		return
	}
	c.daemon.once.Do(func() {
		close(c.daemon.stopCh)
		c.daemon.listener.Close()
	})
	<-c.daemon.doneCh
}

func writeDoc(conn net.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(socketTimeout))
	body, err := marshal(v)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return errs.NewSocketFail("write length: %v", err)
	}
	if _, err := conn.Write(body); err != nil {
		return errs.NewSocketFail("write body: %v", err)
	}
	return nil
}

func readDoc(conn net.Conn, v any) error {
	conn.SetReadDeadline(time.Now().Add(socketTimeout))
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return errs.NewSocketFail("read length: %v", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		return errs.NewSocketFail("read body: %v", err)
	}
	return unmarshal(body, v)
}
