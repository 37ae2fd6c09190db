// Package cfg centralizes the environment-variable-driven configuration
// named in spec.md §6. Each owning package exposes its own typed config
// struct (RDMA context config lives in xport/rdma); this package only
// holds the env-parsing helpers shared by all of them, following the
// teacher's one-config-struct-per-concern convention.
package cfg

import (
	"os"
	"strconv"
)

func EnvInt(name string, def int) int {
	v, ok := lookup(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func EnvInt64(name string, def int64) int64 {
	v, ok := lookup(name)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func EnvString(name, def string) string {
	v, ok := lookup(name)
	if !ok {
		return def
	}
	return v
}

// lookup reads the single variable name; the two-name fallback used for
// MC_GID_INDEX/NCCL_IB_GID_INDEX lives in EnvIntAlt.
func lookup(name string) (string, bool) {
	return os.LookupEnv(name)
}

// EnvIntAlt checks name first, then alt, matching MC_GID_INDEX's fallback
// to NCCL_IB_GID_INDEX.
func EnvIntAlt(name, alt string, def int) int {
	if v, ok := lookup(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	if v, ok := lookup(alt); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
