// Package tcpx is the secondary transport of spec.md §1/§6: the same
// Batch/Task/Slice contract as xport/rdma, moved over plain TCP sockets
// instead of (simulated) one-sided RDMA. Unlike xport/rdma, there is no
// verbs binding to stand in for: every byte here crosses a real
// net.Conn, grounded on
// original_source/mooncake-transfer-engine/include/transport/tcp_transport/tcp_transport.h.
package tcpx

import (
	"time"

	"github.com/mooncake-project/mooncake-go/cmn/cfg"
)

// Config holds the environment-driven tunables for the TCP transport.
type Config struct {
	ListenAddr    string
	DialTimeout   time.Duration
	SliceSize     uint64
	MaxRetryCount int
	MaxConcurrent int64
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:    cfg.EnvString("MC_TCPX_LISTEN_ADDR", ":0"),
		DialTimeout:   time.Duration(cfg.EnvInt("MC_TCPX_DIAL_TIMEOUT_MS", 5000)) * time.Millisecond,
		SliceSize:     uint64(cfg.EnvInt64("slice_size", 65536)),
		MaxRetryCount: cfg.EnvInt("retry_cnt", 8),
		MaxConcurrent: int64(cfg.EnvInt("MC_TCPX_MAX_CONCURRENT", 64)),
	}
}
