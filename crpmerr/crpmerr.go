// Package crpmerr defines the error kinds a caller of the checkpoint engine
// can observe, mirroring the split biscuit uses between a returned
// defs.Err_t for expected conditions and a panic for invariant violations
// the kernel cannot recover from.
package crpmerr

import "fmt"

// Kind enumerates the recoverable error kinds from spec §7. Fatal
// conditions (OutOfShadow, MediaError) are not Kind values: they panic
// instead of returning, see Fatal below.
type Kind int

const (
	// MagicMismatch is returned by Open when the header magic does not
	// match; unrecoverable for that path, the caller should truncate and
	// re-create.
	MagicMismatch Kind = iota
	// CapacityInvalid is returned when the requested heap capacity is
	// zero or negative, when a region is too small for the image geometry,
	// and by pool.SetRoot for a root index outside the table. A capacity
	// that is not block or segment aligned is rounded up, not rejected.
	CapacityInvalid
	// AllocOptions names an Options combination the allocator cannot
	// honor. No engine returns it: a ShadowCapacityFactor <= 0 is replaced
	// by 1.
	AllocOptions
	// OutOfHeap is never itself returned to the library caller; it
	// surfaces instead as a nil pointer from Alloc, per spec §7.
	OutOfHeap
	// MPIEpochSkew is returned by mpi.Open when this rank's
	// committed_epoch is two or more ahead of the communicator minimum.
	MPIEpochSkew
)

func (k Kind) String() string {
	switch k {
	case MagicMismatch:
		return "magic mismatch"
	case CapacityInvalid:
		return "invalid capacity"
	case AllocOptions:
		return "invalid allocator options"
	case OutOfHeap:
		return "out of heap"
	case MPIEpochSkew:
		return "mpi epoch skew"
	default:
		return "unknown crpm error"
	}
}

// Error is the concrete error type returned for the Kind values above.
type Error struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("crpm: %s: %s: %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("crpm: %s: %s", e.Kind, e.Path)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for the given kind.
func New(kind Kind, path string, wrapped error) *Error {
	return &Error{Kind: kind, Path: path, Err: wrapped}
}

// Is reports whether err carries the given Kind, so callers can use
// errors.Is(err, crpmerr.MagicMismatch) style checks via a sentinel wrapper.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}

// FatalReason enumerates the two conditions spec §7 declares fatal: the
// protocol does not attempt recovery from these itself, it panics and lets
// recovery run on next open.
type FatalReason int

const (
	// OutOfShadowReason: the back arena was exhausted during checkpoint.
	OutOfShadowReason FatalReason = iota
	// MediaErrorReason: a failed flush or state commit on the mapping,
	// standing in for SIGBUS. A parity mismatch found by
	// image.VerifyParity is returned as a MagicMismatch error instead.
	MediaErrorReason
)

func (r FatalReason) String() string {
	if r == OutOfShadowReason {
		return "out of shadow segments"
	}
	return "media error"
}

// Fatal panics with a FatalReason-tagged error. The protocol has no
// partial-failure retries: the caller's process is expected to die and
// recovery runs on the next open, per spec §7 and §4.5.
func Fatal(reason FatalReason, detail string) {
	panic(fmt.Errorf("crpm: fatal: %s: %s", reason, detail))
}
