// Package pool is the library surface a mutator links against: it opens a
// checkpointed heap, hands out and reclaims blocks, exposes the root table
// as a typed pointer API, and drives the multi-threaded checkpoint
// protocol. Grounded on original_source/runtime/src/engine.cpp's
// Engine::Open name dispatch and original_source/runtime/include/crpm.h's
// MemoryPool surface (pmalloc/pfree/set_root/get_root/checkpoint).
package pool

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/google/pprof/profile"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"crpm/crpmerr"
	"crpm/diag"
	"crpm/engine"
	"crpm/engine/instrumented"
	"crpm/engine/mprotect"
	"crpm/engine/noop"
	"crpm/engine/softdirty"
	"crpm/engine/undolog"
	"crpm/image"
	"crpm/internal/layout"
	"crpm/stats"
)

// Options configures Open, mirroring MemoryPoolOption from original_source
// plus the engine name selector Engine::Open dispatches on.
type Options struct {
	// EngineName selects the dirty-tracking strategy: "default" (an alias
	// for "instrumented"), "instrumented", "mprotect", "dirty-bit" (an
	// alias for "softdirty"), "softdirty", "undolog", or "noop".
	EngineName string
	// Path is the backing file for the persistent image. Ignored by the
	// noop engine, which has none.
	Path string
	// Capacity is the usable heap size in bytes.
	Capacity int64
	// Create initializes a fresh image rather than recovering one.
	Create bool
	// ShadowCapacityFactor sets the back-arena size as a multiple of the
	// main arena's (spec §4.4).
	ShadowCapacityFactor float64
	// FixedBaseAddress pins the working heap's virtual address across
	// restarts so pptr values stored in it stay valid.
	FixedBaseAddress uintptr
	// EnableParity turns on the SipHash segment-state MAC.
	EnableParity bool
	// LazyWriteback toggles the USE_IDENTICAL_DATA background path.
	LazyWriteback bool
	// PreRecoveryEpochSync, forwarded verbatim to engine.Options, lets a
	// caller (mpi.Open) reconcile this rank's committed epoch against a
	// communicator before the engine's Open runs recovery; see
	// engine.Options.PreRecoveryEpochSync.
	PreRecoveryEpochSync func(epoch uint64) (uint64, error)
	// Logger receives one structured event per Open, Close, Checkpoint
	// round, and heap exhaustion (a failed Alloc). A nil Logger falls back
	// to one writing to os.Stderr at info level.
	Logger *zerolog.Logger
	// Counters receives this pool's ambient statistics. A nil Counters
	// falls back to stats.Global.
	Counters *stats.Counters
}

func (o Options) toEngineOptions() engine.Options {
	return engine.Options{
		Path:                 o.Path,
		Capacity:             o.Capacity,
		Create:               o.Create,
		ShadowCapacityFactor: o.ShadowCapacityFactor,
		FixedBaseAddress:     o.FixedBaseAddress,
		EnableParity:         o.EnableParity,
		LazyWriteback:        o.LazyWriteback,
		PreRecoveryEpochSync: o.PreRecoveryEpochSync,
	}
}

// Pool is an open checkpointed heap. The zero value is not usable; build
// one with Open.
type Pool struct {
	eng    engine.Engine
	name   string
	log    zerolog.Logger
	stats  *stats.Counters
	bgOnce singleflight.Group

	mu sync.Mutex // serializes Checkpoint rounds against one another
}

// Open dispatches to the named engine's Open, the Go analogue of
// Engine::Open's if-chain over option.engine_name, and wraps the result in
// a Pool.
func Open(opts Options) (*Pool, error) {
	name := opts.EngineName
	if name == "" || name == "default" {
		name = "instrumented"
	}
	if name == "dirty-bit" {
		name = "softdirty"
	}

	var log zerolog.Logger
	if opts.Logger != nil {
		log = *opts.Logger
	} else {
		log = zerolog.New(os.Stderr).With().Timestamp().Str("component", "crpm/pool").Logger()
	}

	eopts := opts.toEngineOptions()
	var (
		eng engine.Engine
		err error
	)
	switch name {
	case "instrumented":
		eng, err = instrumented.Open(eopts)
	case "mprotect":
		eng, err = mprotect.Open(eopts)
	case "softdirty":
		eng, err = softdirty.Open(eopts)
	case "undolog":
		eng, err = undolog.Open(eopts)
	case "noop":
		eng, err = noop.Open(eopts)
	default:
		return nil, fmt.Errorf("pool: unsupported engine %q", name)
	}
	if err != nil {
		return nil, err
	}

	counters := opts.Counters
	if counters == nil {
		counters = stats.Global
	}
	if !opts.Create && eng.ExistSnapshot() {
		counters.Recoveries.Inc()
	}

	p := &Pool{eng: eng, name: name, log: log, stats: counters}
	p.log.Info().
		Str("engine", name).
		Int64("capacity", eopts.Capacity).
		Bool("create", eopts.Create).
		Bool("existing_snapshot", eng.ExistSnapshot()).
		Msg("pool opened")
	return p, nil
}

// Close flushes and releases the pool's resources.
func (p *Pool) Close() error {
	err := p.eng.Close()
	p.log.Info().Err(err).Msg("pool closed")
	return err
}

// Alloc hands out a fresh zeroed block, returning its working-heap
// address. It returns nil if the heap is exhausted (spec §7's OutOfHeap).
func (p *Pool) Alloc() unsafe.Pointer {
	off, ok := p.eng.Alloc()
	if !ok {
		p.stats.AllocFailures.Inc()
		p.log.Warn().Str("engine", p.name).Msg("heap exhausted")
		return nil
	}
	return p.eng.Address(off)
}

// Free releases the block at addr, an address a prior Alloc returned.
func (p *Pool) Free(addr unsafe.Pointer) {
	off := int64(uintptr(addr) - uintptr(p.eng.Address(0)))
	p.eng.Free(off)
}

// NrBlocks and NrFree report the allocator's total and free block counts.
func (p *Pool) NrBlocks() uint32 { return p.eng.NrBlocks() }
func (p *Pool) NrFree() uint32   { return p.eng.NrFree() }

// SetRoot stores target under root slot i, the entry point a mutator looks
// up after recovery to find its data. i must be in [0, image.NrRoots).
func (p *Pool) SetRoot(i int, target unsafe.Pointer) error {
	if i < 0 || i >= image.NrRoots {
		return crpmerr.New(crpmerr.CapacityInvalid, fmt.Sprintf("root %d", i), nil)
	}
	return p.eng.SetRoot(i, target)
}

// GetRoot resolves root slot i back to a working-heap address, or nil if
// it was never set.
func (p *Pool) GetRoot(i int) unsafe.Pointer {
	if i < 0 || i >= image.NrRoots {
		return nil
	}
	return p.eng.GetRoot(i)
}

// AnnotateCheckpointRegion marks [addr, addr+length) as dirty since the
// last checkpoint, a thin wrapper over the Engine's HookStore for callers
// (e.g. a bulk memcpy into the heap) that bypass the instrumentation pass
// cmd/crpminstr rewrites ordinary stores into.
func (p *Pool) AnnotateCheckpointRegion(addr unsafe.Pointer, length int) {
	p.eng.HookStore(addr, length)
	p.stats.BlocksDirtied.Add(int64((length + layout.BlockSize - 1) / layout.BlockSize))
	p.stats.BytesWrittenBack.Add(int64(length))
}

// Checkpoint runs one checkpoint round across nrThreads goroutines, the Go
// analogue of the reference API's pthread_barrier-synchronized
// pool->checkpoint(nr_threads) called identically from every worker
// thread. Every goroutine here is a stand-in for one of those callers; the
// protocol's barrier/latch rendezvous (package checkpoint) still requires
// exactly nrThreads participants.
func (p *Pool) Checkpoint(nrThreads int) error {
	if nrThreads <= 0 {
		nrThreads = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var g errgroup.Group
	for tid := 0; tid < nrThreads; tid++ {
		tid := tid
		g.Go(func() error {
			return p.eng.Checkpoint(nrThreads, tid)
		})
	}
	err := g.Wait()
	if err != nil {
		p.stats.ChecksFailed.Inc()
	} else {
		p.stats.ChecksCommitted.Inc()
	}
	p.log.Info().
		Err(err).
		Int("threads", nrThreads).
		Bool("has_snapshot", p.eng.ExistSnapshot()).
		Msg("checkpoint")
	return err
}

// WaitForBackgroundTask blocks until any write-back the most recent
// Checkpoint started has finished. Concurrent callers are coalesced onto a
// single underlying wait via singleflight, mirroring the reference
// engine's write_back_thread_lock serializing waiters onto one condition.
func (p *Pool) WaitForBackgroundTask() {
	p.bgOnce.Do("wait", func() (any, error) {
		p.eng.WaitForBackgroundTask()
		return nil, nil
	})
}

// Attributes and SetAttributes expose the header's caller-opaque
// attribute word.
func (p *Pool) Attributes() uint32           { return p.eng.Attributes() }
func (p *Pool) SetAttributes(v uint32) error { return p.eng.SetAttributes(v) }
func (p *Pool) ExistSnapshot() bool          { return p.eng.ExistSnapshot() }

// Stats returns the counter set this pool updates (opts.Counters, or
// stats.Global if none was given), so a caller can format it with
// stats.Report or reset it between measurement windows.
func (p *Pool) Stats() *stats.Counters { return p.stats }

// Diagnose builds a pprof profile.proto snapshot of the underlying
// engine's dirty-ring and dirty-segment state, per diag.Snapshot. Engines
// that track neither (noop, softdirty) simply yield an empty snapshot.
func (p *Pool) Diagnose() *profile.Profile {
	return diag.Snapshot(p.name, p.eng)
}

type epochEngine interface{ Epoch() uint64 }

// Epoch returns the image's currently committed epoch. mpi.Open does not
// read it: it reconciles epochs through Options.PreRecoveryEpochSync before
// recovery runs. Engines with no backing image (noop) report 0.
func (p *Pool) Epoch() uint64 {
	if e, ok := p.eng.(epochEngine); ok {
		return e.Epoch()
	}
	return 0
}

// Verify reads len(want) bytes starting at root slot root's address and
// reports whether they match want, the library-level form of
// ConsistencyChecker::worker's post-recovery memcmp(target, snapshot, ...)
// check. A nil root (never set, or set to nil) matches only a nil/empty
// want.
func (p *Pool) Verify(root int, want []byte) bool {
	addr := p.GetRoot(root)
	if addr == nil {
		return len(want) == 0
	}
	if len(want) == 0 {
		return true
	}
	got := unsafe.Slice((*byte)(addr), len(want))
	return bytes.Equal(got, want)
}

var (
	defaultMu sync.Mutex
	defaultP  *Pool
)

// SetDefaultPool installs p as the process-wide default, letting package
// level Alloc/Free act as the original's global malloc/free-style
// convenience wrappers once one pool has been opened.
func SetDefaultPool(p *Pool) {
	defaultMu.Lock()
	defaultP = p
	defaultMu.Unlock()
}

// Alloc delegates to the default pool set by SetDefaultPool. It panics if
// none has been set.
func Alloc() unsafe.Pointer {
	defaultMu.Lock()
	p := defaultP
	defaultMu.Unlock()
	if p == nil {
		panic("pool: no default pool set, call SetDefaultPool first")
	}
	return p.Alloc()
}

// Free delegates to the default pool set by SetDefaultPool. It panics if
// none has been set.
func Free(addr unsafe.Pointer) {
	defaultMu.Lock()
	p := defaultP
	defaultMu.Unlock()
	if p == nil {
		panic("pool: no default pool set, call SetDefaultPool first")
	}
	p.Free(addr)
}
