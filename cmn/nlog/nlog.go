// Package nlog is the leveled logger used throughout the engine: one
// process-wide writer, a verbosity knob components read with V(), and
// Infoln/Warningln/Errorln call shapes so every package logs the same way.
package nlog

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
	"time"
)

var (
	std       = log.New(os.Stderr, "", 0)
	verbosity int32
)

// SetOutput redirects the logger, e.g. to a rotated log file.
func SetOutput(w io.Writer) { std.SetOutput(w) }

// SetVerbosity sets the global verbosity level used by V().
func SetVerbosity(v int) { atomic.StoreInt32(&verbosity, int32(v)) }

// V reports whether logging at the given verbosity level is enabled.
// Mirrors the teacher's cmn.Rom.FastV(level, module) call shape, minus
// the per-module override table — this engine has one verbosity knob.
func V(level int) bool { return int32(level) <= atomic.LoadInt32(&verbosity) }

func prefix(sev byte) string {
	return fmt.Sprintf("%c %s ", sev, time.Now().Format("15:04:05.000000"))
}

func Infoln(args ...any) {
	std.Output(2, prefix('I')+fmt.Sprintln(args...))
}

func Infof(format string, args ...any) {
	std.Output(2, prefix('I')+fmt.Sprintf(format, args...)+"\n")
}

func Warningln(args ...any) {
	std.Output(2, prefix('W')+fmt.Sprintln(args...))
}

func Warningf(format string, args ...any) {
	std.Output(2, prefix('W')+fmt.Sprintf(format, args...)+"\n")
}

func Errorln(args ...any) {
	std.Output(2, prefix('E')+fmt.Sprintln(args...))
}

func Errorf(format string, args ...any) {
	std.Output(2, prefix('E')+fmt.Sprintf(format, args...)+"\n")
}
