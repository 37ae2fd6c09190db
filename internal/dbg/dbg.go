// Package dbg offers cheap runtime assertions that compile away unless
// built with -tags=debug, mirroring the teacher's cmn/debug package.
package dbg

import "fmt"

// Assert panics with args if cond is false. Call sites read like
// dbg.Assert(x > 0, "shard size", x) — the message is assembled lazily
// only on the failing path.
func Assert(cond bool, args ...any) {
	if !debugBuild {
		return
	}
	if !cond {
		panic(fmt.Sprintln(append([]any{"assertion failed:"}, args...)...))
	}
}

// Assertf is the formatted form of Assert.
func Assertf(cond bool, format string, args ...any) {
	if !debugBuild {
		return
	}
	if !cond {
		panic(fmt.Sprintf("assertion failed: "+format, args...))
	}
}
