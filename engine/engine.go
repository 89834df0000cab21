// Package engine defines the Engine interface every dirty-tracking
// strategy implements, and the shared Options every variant accepts. The
// interface shape mirrors how HybridInstEngine, MprotectEngine, and
// DirtybitEngine in original_source/runtime/src/engines/*.cpp all expose
// the same Open/checkpoint/get_address/wait_for_background_task surface
// despite tracking dirty state through entirely different mechanisms.
package engine

import "unsafe"

// Options configures the working heap an Engine manages, mirroring
// MemoryPoolOption from original_source.
type Options struct {
	// Path is the backing file for the persistent image.
	Path string
	// Capacity is the usable heap size in bytes; rounded up to a whole
	// number of segments.
	Capacity int64
	// Create, if true, initializes a fresh image (spec §5's "create"
	// path); otherwise Open recovers an existing one.
	Create bool
	// Truncate forces re-creation even if Path already exists.
	Truncate bool
	// ShadowCapacityFactor sets nr_back_segments as a multiple of
	// nr_main_segments (spec §4.4's back-arena sizing knob).
	ShadowCapacityFactor float64
	// FixedBaseAddress, if non-zero, is the virtual address the working
	// heap is mapped at; pptr values only remain valid across restarts
	// when every Open uses the same value.
	FixedBaseAddress uintptr
	// EnableParity turns on the SipHash segment-state MAC (supplemented
	// feature, see SPEC_FULL.md).
	EnableParity bool
	// LazyWriteback toggles the USE_IDENTICAL_DATA background write-back
	// path (Open Question decision #2): when true, engine/instrumented
	// starts a background task after each commit that copies Back-state
	// segments the round did not touch onto main and marks them Identical.
	// Dirty blocks are written back one by one inside Checkpoint either
	// way. The other variants ignore it.
	LazyWriteback bool
	// PreRecoveryEpochSync, if set, is called with the image's on-media
	// committed epoch after Open/Create but strictly before Recover runs,
	// and only on the recovery path (never when Create is true). It
	// returns the epoch Recover should treat as current; Open resets the
	// image to that epoch first if it differs. mpi.Open uses this to
	// reduce committed_epoch to the communicator minimum and roll an
	// ahead rank back before recovery observes its own (possibly skewed)
	// epoch, per spec §6. A returned error aborts Open.
	PreRecoveryEpochSync func(epoch uint64) (uint64, error)
}

// Engine is the dirty-tracking + checkpoint surface a pool.Pool drives. Each
// variant (instrumented, mprotect, softdirty, undolog, noop) implements it
// over a different mechanism for discovering which bytes changed since the
// last checkpoint.
type Engine interface {
	// Address returns the working-memory pointer for heap-relative byte
	// offset off.
	Address(off int64) unsafe.Pointer
	// Capacity returns the usable heap size in bytes.
	Capacity() int64
	// HookStore records that the bytes [addr, addr+length) in working
	// memory were just written and must be considered for the next
	// checkpoint. Called by instrumented store sites, a SIGSEGV handler,
	// or a soft-dirty-bit scan depending on the variant.
	HookStore(addr unsafe.Pointer, length int)
	// Alloc hands out a fresh, zeroed fixed-size block from the working
	// heap and reports its heap-relative byte offset. ok is false if the
	// heap is exhausted (spec §7's OutOfHeap).
	Alloc() (off int64, ok bool)
	// Free releases the block at off, the offset a prior Alloc returned.
	Free(off int64)
	// NrBlocks and NrFree report total and currently-unused block counts,
	// for pool.Verify and stats.Report.
	NrBlocks() uint32
	NrFree() uint32
	// Checkpoint runs one barrier-synchronized round of the checkpoint
	// protocol. Every one of nrThreads callers must call Checkpoint with
	// a distinct threadID in [0,nrThreads) for the round to complete.
	Checkpoint(nrThreads, threadID int) error
	// WaitForBackgroundTask blocks until any write-back started by the
	// most recent Checkpoint has finished.
	WaitForBackgroundTask()
	// Attributes/SetAttributes expose the header's caller-opaque
	// attribute word.
	Attributes() uint32
	SetAttributes(v uint32) error
	// ExistSnapshot reports whether at least one checkpoint has ever
	// completed against this image.
	ExistSnapshot() bool
	// SetRoot and GetRoot store and resolve a named root pointer (spec
	// §3/§6's root table), the entry point a mutator uses at recovery to
	// find its data. target/the return value are working-heap addresses;
	// the on-media representation is always a self-relative pptr.Pptr.
	SetRoot(i int, target unsafe.Pointer) error
	GetRoot(i int) unsafe.Pointer
	// Close flushes outstanding state and releases the backing mapping.
	Close() error
}
