// Package mpi implements the MPI extension interface (C7, "Rank
// coordination"): a Pool that synchronizes checkpoint epochs and
// root-slot-backed region protection across a set of cooperating
// processes. Grounded on original_source/runtime/include/crpm_mpi.h and
// runtime/src/crpm_mpi.cpp (crpm_mpi_open/close/checkpoint/protect), with
// the actual MPI_Comm collaborator (out of scope per spec §1: no networked
// replication) replaced by Communicator, a small rendezvous abstraction
// with a TCP-based implementation standing in for it.
package mpi

import (
	"fmt"
	"sync"
	"unsafe"

	"crpm/crpmerr"
	"crpm/pool"
)

// Communicator abstracts the rank-coordination collaborator crpm_mpi.cpp
// gets from MPI: a barrier every rank reaches after its local checkpoint
// commits, and a min-reduction over every rank's on-media epoch, which
// mpi.Open uses to roll this rank back to the group minimum or to reject
// it when it is too far ahead.
type Communicator interface {
	// Rank returns this process's rank in [0, Size()).
	Rank() int
	// Size returns the number of ranks in the communicator.
	Size() int
	// Barrier blocks until every rank has called Barrier.
	Barrier() error
	// MinEpoch returns the minimum of every rank's local value, including
	// this rank's own.
	MinEpoch(local uint64) (uint64, error)
	// Close releases the communicator's resources.
	Close() error
}

// protectDesc mirrors crpm_protect_desc_t: a region the mutator wants
// mirrored into a persistent, root-reachable buffer, whose contents are
// copied back in only at checkpoint time.
type protectDesc struct {
	runtimePtr unsafe.Pointer
	persistBuf unsafe.Pointer
	length     int
}

// Pool wraps a *pool.Pool with rank coordination: every Checkpoint call
// copies registered Protect regions into their persistent buffers (in
// kBlockSize-ish chunks, skipping chunks that already match, mirroring
// crpm_mpi_safe_memcpy's memcmp-then-copy loop) before running the local
// engine checkpoint, then waits at comm's barrier so no rank returns from
// Checkpoint before every rank's local commit has landed.
type Pool struct {
	p    *pool.Pool
	comm Communicator

	mu    sync.Mutex
	descs []*protectDesc
}

const chunkSize = 4096

// Open opens the underlying pool, reducing this rank's on-media committed
// epoch against the communicator's minimum and rolling it back to that
// minimum before the engine's own recovery pass ever runs, via
// pool.Options.PreRecoveryEpochSync. A rank two or more epochs ahead of that
// minimum (some peer missed at least two checkpoints this rank committed)
// is reported as crpmerr.MPIEpochSkew (spec-level condition, not found in the original
// return-nullptr-and-fprintf convention) — the engine's Open aborts before
// recovering against that rank's own stale epoch. The sync only ever runs
// when opts.Create is false: a freshly created image has no peer epoch to
// reconcile against, mirroring crpm_mpi.cpp's "if not creating" guard around
// the same reduction.
func Open(opts pool.Options, comm Communicator) (*Pool, error) {
	opts.PreRecoveryEpochSync = func(local uint64) (uint64, error) {
		min, err := comm.MinEpoch(local)
		if err != nil {
			return local, fmt.Errorf("mpi: open: %w", err)
		}
		if local >= min+2 {
			return local, crpmerr.New(crpmerr.MPIEpochSkew, opts.Path,
				fmt.Errorf("rank %d epoch %d is two or more ahead of communicator minimum %d", comm.Rank(), local, min))
		}
		return min, nil
	}
	p, err := pool.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Pool{p: p, comm: comm}, nil
}

// Close releases the pool and the communicator.
func (mp *Pool) Close() error {
	perr := mp.p.Close()
	cerr := mp.comm.Close()
	if perr != nil {
		return perr
	}
	return cerr
}

// Protect registers ptr as mirroring a persistent, root-reachable buffer
// at root slot index: if that slot already holds data, ptr's contents are
// overwritten from it (recovering a prior run's state); otherwise a fresh
// buffer is allocated and stored at that slot. Grounded on crpm_protect,
// which this follows field-for-field (persist_buf resolved from
// crpm_get_root, falling back to crpm_malloc + crpm_set_root).
func (mp *Pool) Protect(index int, ptr unsafe.Pointer, length int) error {
	persist := mp.p.GetRoot(index)
	if persist == nil {
		persist = mp.p.Alloc()
		if persist == nil {
			return crpmerr.New(crpmerr.OutOfHeap, "", fmt.Errorf("protect: out of persistent memory"))
		}
		if err := mp.p.SetRoot(index, persist); err != nil {
			return err
		}
	} else {
		copyBytes(ptr, persist, length)
	}

	mp.mu.Lock()
	mp.descs = append(mp.descs, &protectDesc{runtimePtr: ptr, persistBuf: persist, length: length})
	mp.mu.Unlock()
	return nil
}

// Checkpoint copies every registered Protect region's changed chunks into
// its persistent buffer, annotating only the chunks that actually
// changed (crpm_mpi_safe_memcpy's memcmp-then-copy loop), then runs the
// local engine checkpoint and waits at the communicator barrier so every
// rank's checkpoint is known to have landed before any of them proceeds.
func (mp *Pool) Checkpoint(nrThreads int) error {
	mp.mu.Lock()
	descs := append([]*protectDesc(nil), mp.descs...)
	mp.mu.Unlock()

	for _, d := range descs {
		mp.safeCopy(d)
	}
	if err := mp.p.Checkpoint(nrThreads); err != nil {
		return err
	}
	return mp.comm.Barrier()
}

// safeCopy mirrors crpm_mpi_safe_memcpy: only chunks whose contents
// actually differ are annotated and copied, so an unmodified region never
// dirties blocks it didn't touch.
func (mp *Pool) safeCopy(d *protectDesc) {
	for off := 0; off < d.length; off += chunkSize {
		n := d.length - off
		if n > chunkSize {
			n = chunkSize
		}
		dst := unsafe.Add(d.persistBuf, off)
		src := unsafe.Add(d.runtimePtr, off)
		if bytesEqual(dst, src, n) {
			continue
		}
		mp.p.AnnotateCheckpointRegion(dst, n)
		copyBytes(dst, src, n)
	}
}

func copyBytes(dst, src unsafe.Pointer, n int) {
	copy(unsafe.Slice((*byte)(dst), n), unsafe.Slice((*byte)(src), n))
}

func bytesEqual(a, b unsafe.Pointer, n int) bool {
	sa := unsafe.Slice((*byte)(a), n)
	sb := unsafe.Slice((*byte)(b), n)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

// Underlying exposes the wrapped *pool.Pool for callers that need
// Alloc/Free/SetRoot/GetRoot directly rather than through Protect.
func (mp *Pool) Underlying() *pool.Pool { return mp.p }
