// Package rdma implements the RDMA transport of spec.md §4.5-4.6.
//
// No ibverbs binding exists anywhere in the retrieval pack this module
// was built from, so the wire layer below the QP/CQ/WR abstraction is a
// same-process, registry-backed simulation: "posting a WR" performs the
// one-sided memcpy against the target segment's registered memory table
// directly instead of going over a real HCA, and completions are
// delivered asynchronously through a buffered channel that stands in
// for the completion queue. Every other part of the design — endpoint
// state machine, per-QP depth counters, worker pool split between
// post-send and poll-cq, retry/failure policy, device selection — is
// implemented exactly as spec.md §4.5-4.6 describes, so the simulation
// is swappable for a real verbs binding without touching call sites.
package rdma

import (
	"strings"

	"github.com/mooncake-project/mooncake-go/cmn/cfg"
)

// Config holds the environment-variable-driven tunables of spec.md §6.
type Config struct {
	NumCQPerCtx          int
	NumCompChannelsPerCtx int
	IBPort               int
	GIDIndex             int
	MaxCQE               int
	MaxEndpointsPerCtx   int
	NumQPPerEndpoint     int
	MaxSGE               int
	MaxWR                int
	MaxInline            int
	MTU                  int
	HandshakePort        int
	SliceSize            uint64
	MaxRetryCount        int

	// Devices is the local HCA name list this transport opens one
	// Context per, e.g. "mlx5_0,mlx5_1" (MC_NIC_PRIORITY_MATRIX names
	// devices the same way in spec.md §6's segment descriptor).
	Devices []string
}

// DefaultConfig returns the spec.md §6 defaults, overridable via env.
func DefaultConfig() Config {
	return Config{
		NumCQPerCtx:           cfg.EnvInt("MC_NUM_CQ_PER_CTX", 1),
		NumCompChannelsPerCtx: cfg.EnvInt("MC_NUM_COMP_CHANNELS_PER_CTX", 1),
		IBPort:                cfg.EnvInt("MC_IB_PORT", 1),
		GIDIndex:              cfg.EnvIntAlt("MC_GID_INDEX", "NCCL_IB_GID_INDEX", 3),
		MaxCQE:                cfg.EnvInt("MC_MAX_CQE_PER_CTX", 4096),
		MaxEndpointsPerCtx:    cfg.EnvInt("MC_MAX_EP_PER_CTX", 256),
		NumQPPerEndpoint:      cfg.EnvInt("MC_NUM_QP_PER_EP", 2),
		MaxSGE:                cfg.EnvInt("MC_MAX_SGE", 4),
		MaxWR:                 cfg.EnvInt("MC_MAX_WR", 256),
		MaxInline:             cfg.EnvInt("MC_MAX_INLINE", 64),
		MTU:                   cfg.EnvInt("MC_MTU", 4096),
		HandshakePort:         cfg.EnvInt("MC_HANDSHAKE_PORT", 12001),
		SliceSize:             uint64(cfg.EnvInt64("slice_size", 65536)),
		MaxRetryCount:         cfg.EnvInt("retry_cnt", 8),
		Devices:               strings.Split(cfg.EnvString("MC_NIC_LIST", "mlx5_0"), ","),
	}
}
