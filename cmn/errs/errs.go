// Package errs holds the error taxonomy every core component returns,
// one sentinel + one constructor per kind. Call sites wrap a sentinel
// with context via fmt.Errorf("%w: ...", ErrX, ...) or, at goroutine
// boundaries where a caller needs the original cross-thread cause,
// via github.com/pkg/errors.Wrap so Cause() survives the hop.
package errs

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Sentinels, one per kind in spec.md §7.
var (
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrTooManyRequests      = errors.New("too many requests for batch capacity")
	ErrAddressNotRegistered = errors.New("address not registered")
	ErrBatchBusy            = errors.New("batch busy")
	ErrDeviceNotFound       = errors.New("no device satisfies priority for selection")
	ErrAddressOverlapped    = errors.New("address range overlaps an existing registration")
	ErrDNSFail              = errors.New("dns resolution failed")
	ErrSocketFail            = errors.New("socket operation failed")
	ErrMalformedJSON        = errors.New("malformed json document")
	ErrRejectHandshake      = errors.New("peer rejected handshake")
	ErrMetadata             = errors.New("metadata operation failed")
	ErrEndpoint             = errors.New("endpoint setup failed")
	ErrContext              = errors.New("rdma context setup failed")
	ErrOutOfMemory          = errors.New("out of memory")
	ErrBufferOverflow       = errors.New("buffer allocator exhausted")
	ErrShardIndexOutOfRange = errors.New("shard index out of range")
	ErrNoAvailableHandle    = errors.New("no available handle")
	ErrAvailableSegmentEmpty = errors.New("no available segment satisfies placement")
	ErrInvalidVersion       = errors.New("invalid version")
	ErrInvalidKey           = errors.New("invalid key")
	ErrWriteFail            = errors.New("write failed after retries")
	ErrInvalidRead          = errors.New("invalid read")
	ErrInvalidReplica       = errors.New("invalid replica")
	ErrNotFound             = errors.New("not found")
)

// wrapped is a sentinel carrying a formatted, call-site-specific message.
type wrapped struct {
	kind error
	msg  string
}

func (w *wrapped) Error() string { return w.msg }
func (w *wrapped) Unwrap() error { return w.kind }

func build(kind error, format string, args ...any) error {
	return &wrapped{kind: kind, msg: fmt.Sprintf("%s: %s", kind.Error(), fmt.Sprintf(format, args...))}
}

func NewInvalidArgument(format string, args ...any) error      { return build(ErrInvalidArgument, format, args...) }
func NewTooManyRequests(format string, args ...any) error      { return build(ErrTooManyRequests, format, args...) }
func NewAddressNotRegistered(format string, args ...any) error { return build(ErrAddressNotRegistered, format, args...) }
func NewBatchBusy(format string, args ...any) error            { return build(ErrBatchBusy, format, args...) }
func NewDeviceNotFound(format string, args ...any) error       { return build(ErrDeviceNotFound, format, args...) }
func NewAddressOverlapped(format string, args ...any) error    { return build(ErrAddressOverlapped, format, args...) }
func NewDNSFail(format string, args ...any) error              { return build(ErrDNSFail, format, args...) }
func NewSocketFail(format string, args ...any) error           { return build(ErrSocketFail, format, args...) }
func NewMalformedJSON(format string, args ...any) error        { return build(ErrMalformedJSON, format, args...) }
func NewRejectHandshake(format string, args ...any) error      { return build(ErrRejectHandshake, format, args...) }
func NewMetadata(format string, args ...any) error             { return build(ErrMetadata, format, args...) }
func NewEndpoint(format string, args ...any) error             { return build(ErrEndpoint, format, args...) }
func NewContext(format string, args ...any) error              { return build(ErrContext, format, args...) }
func NewOutOfMemory(format string, args ...any) error          { return build(ErrOutOfMemory, format, args...) }
func NewBufferOverflow(format string, args ...any) error       { return build(ErrBufferOverflow, format, args...) }
func NewShardIndexOutOfRange(format string, args ...any) error { return build(ErrShardIndexOutOfRange, format, args...) }
func NewNoAvailableHandle(format string, args ...any) error    { return build(ErrNoAvailableHandle, format, args...) }
func NewAvailableSegmentEmpty(format string, args ...any) error {
	return build(ErrAvailableSegmentEmpty, format, args...)
}
func NewInvalidVersion(format string, args ...any) error { return build(ErrInvalidVersion, format, args...) }
func NewInvalidKey(format string, args ...any) error     { return build(ErrInvalidKey, format, args...) }
func NewWriteFail(format string, args ...any) error      { return build(ErrWriteFail, format, args...) }
func NewInvalidRead(format string, args ...any) error    { return build(ErrInvalidRead, format, args...) }
func NewInvalidReplica(format string, args ...any) error { return build(ErrInvalidReplica, format, args...) }
func NewNotFound(format string, args ...any) error       { return build(ErrNotFound, format, args...) }

// WrapCross wraps err crossing a goroutine boundary (worker -> submitter)
// so the receiver can still recover the original cause via pkgerrors.Cause.
func WrapCross(err error, context string) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrap(err, context)
}

// Cause unwraps a WrapCross'd error back to its root cause.
func Cause(err error) error { return pkgerrors.Cause(err) }
