// Package instrumented implements the primary Engine variant: dirty bytes
// are reported by compiler-inserted hooks at every store to the working
// heap (see cmd/crpminstr), fed through a bounded per-thread ring before
// falling back to a whole-bitmap scan once any ring fills. Grounded on
// original_source/runtime/src/engines/hybrid_inst_engine.cpp.
package instrumented

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"crpm/allocator"
	"crpm/checkpoint"
	"crpm/crpmerr"
	"crpm/dirty"
	"crpm/engine"
	"crpm/image"
	"crpm/internal/layout"
	"crpm/internal/shadow"
	"crpm/pmem"
	"crpm/pptr"
)

const (
	// maxRingBlocks bounds a single thread's ring before checkpoint falls
	// back to scanning the whole block bitmap, the Go analogue of
	// kMaxFlushBlocks triggering FMODE_WBINVD.
	maxRingBlocks = 4096
)

// Engine is the instrumented dirty-tracking variant. The zero value is not
// usable; construct with Open.
type Engine struct {
	region *pmem.Region
	img    *image.Image

	working []byte // anonymous DRAM working heap, mirrors main/back on demand
	alloc   *allocator.Allocator

	capacity int64
	nrMain   uint64
	nrBack   uint64

	rings      []*dirty.Ring
	ringMu     []sync.Mutex
	blockDirty *dirty.Bitmap

	barrier checkpoint.Barrier
	latch   checkpoint.Latch

	mu           sync.Mutex // guards back-segment allocation, hasSnapshot, and segment-state updates
	nextBack     uint64
	hasSnapshot  bool
	enableParity bool

	touched *touchedSet // segments written back since the last commit

	lazy bool
	bg   *checkpoint.Background
}

const attrHasSnapshot uint32 = 1

// Open creates or recovers an image at opts.Path and returns a ready
// Engine. It runs crash recovery (image.Recover) before handing the heap
// back, exactly the step spec §5 requires happen before any Alloc/Free.
func Open(opts engine.Options) (*Engine, error) {
	segSize := int64(layout.SegmentSize)
	nrMain := uint64((opts.Capacity + segSize - 1) / segSize)
	if nrMain == 0 {
		return nil, crpmerr.New(crpmerr.CapacityInvalid, opts.Path, nil)
	}
	factor := opts.ShadowCapacityFactor
	if factor <= 0 {
		factor = 1
	}
	nrBack := uint64(float64(nrMain) * factor)

	var region *pmem.Region
	var img *image.Image
	var err error

	if opts.Create {
		size := image.FileSize(nrMain, nrBack)
		region, err = pmem.Create(opts.Path, size, opts.FixedBaseAddress)
		if err != nil {
			return nil, err
		}
		img, err = image.Create(region, nrMain, nrBack)
	} else {
		region, err = pmem.Open(opts.Path, opts.FixedBaseAddress)
		if err != nil {
			return nil, err
		}
		img, err = image.Open(region)
	}
	if err != nil {
		return nil, err
	}

	nrMain = img.NrMainSegments()
	nrBack = img.NrBackSegments()
	capacity := int64(nrMain) * layout.SegmentSize
	working := make([]byte, capacity)

	e := &Engine{
		region:       region,
		img:          img,
		working:      working,
		alloc:        allocator.New(working),
		capacity:     capacity,
		nrMain:       nrMain,
		nrBack:       nrBack,
		blockDirty:   dirty.NewBitmap(nrMain * layout.BlocksPerSegment),
		enableParity: opts.EnableParity,
		touched:      newTouchedSet(),
		lazy:         opts.LazyWriteback,
		bg:           checkpoint.NewBackground(),
	}
	e.ringMu = make([]sync.Mutex, checkpoint.MaxThreads)
	for i := 0; i < checkpoint.MaxThreads; i++ {
		e.rings = append(e.rings, dirty.NewRing(maxRingBlocks))
	}

	if !opts.Create {
		if err := syncEpochBeforeRecovery(img, opts.PreRecoveryEpochSync); err != nil {
			return nil, err
		}
		if err := img.Recover(image.Identical); err != nil {
			return nil, err
		}
		e.prepareWorkingMemory()
		e.hasSnapshot = img.Attributes()&attrHasSnapshot != 0
	}
	return e, nil
}

// syncEpochBeforeRecovery runs sync against the image's on-media committed
// epoch and, if it disagrees with what img.Recover should see, resets the
// epoch before recovery runs. A nil sync is a no-op, the solo-pool path.
func syncEpochBeforeRecovery(img *image.Image, sync func(uint64) (uint64, error)) error {
	if sync == nil {
		return nil
	}
	local := img.CommittedEpoch()
	target, err := sync(local)
	if err != nil {
		return err
	}
	if target == local {
		return nil
	}
	return img.ResetCommittedEpoch(target)
}

// prepareWorkingMemory copies every non-Initial main segment into the
// anonymous working heap, the DRAM fill pass HybridInstEngine::Open runs
// before handing the heap back to the mutator after a recovery.
func (e *Engine) prepareWorkingMemory() {
	for id := uint64(0); id < e.nrMain; id++ {
		if e.img.GetSegmentState(id) != image.Initial {
			dst := e.working[id*layout.SegmentSize : (id+1)*layout.SegmentSize]
			pmem.NTCopyEliding(dst, e.img.MainSegment(id))
		}
	}
}

// Address implements engine.Engine.
func (e *Engine) Address(off int64) unsafe.Pointer {
	return unsafe.Pointer(&e.working[off])
}

// Capacity implements engine.Engine.
func (e *Engine) Capacity() int64 { return e.capacity }

// HookStore implements engine.Engine: it is called at every store the
// instrumentation pass rewrote, or directly by a caller that wants to mark
// a range dirty without per-byte instrumentation (e.g. a bulk memcpy into
// the heap).
func (e *Engine) HookStore(addr unsafe.Pointer, length int) {
	off := uintptr(addr) - uintptr(unsafe.Pointer(&e.working[0]))
	startBlock := uint64(off) / layout.BlockSize
	endBlock := (uint64(off) + uint64(length) + layout.BlockSize - 1) / layout.BlockSize
	tid := threadSlot()
	e.ringMu[tid].Lock()
	ring := e.rings[tid]
	for b := startBlock; b < endBlock; b++ {
		e.blockDirty.Set(b)
		ring.Push(b)
	}
	e.ringMu[tid].Unlock()
}

// Attributes implements engine.Engine.
func (e *Engine) Attributes() uint32 { return e.img.Attributes() }

// SetAttributes implements engine.Engine.
func (e *Engine) SetAttributes(v uint32) error { return e.img.SetAttributes(v) }

// ExistSnapshot implements engine.Engine.
func (e *Engine) ExistSnapshot() bool { return e.hasSnapshot }

// Epoch returns the image's currently committed epoch, reported through
// pool.Pool.Epoch. Not part of engine.Engine: only image-backed variants
// carry an epoch.
func (e *Engine) Epoch() uint64 { return e.img.CommittedEpoch() }

// RingFill reports each thread slot's current dirty-ring occupancy, used
// by diag.Snapshot to build a per-thread fill-level sample. Not part of
// engine.Engine: diag discovers it through a type assertion.
func (e *Engine) RingFill() []int {
	fill := make([]int, len(e.rings))
	for i, r := range e.rings {
		e.ringMu[i].Lock()
		fill[i] = r.Len()
		e.ringMu[i].Unlock()
	}
	return fill
}

// DirtySegmentCounts reports, for every segment with at least one dirty
// block, how many of its blocks are currently marked dirty. Used by
// diag.Snapshot for the per-segment sample; not part of engine.Engine.
func (e *Engine) DirtySegmentCounts() map[uint64]int {
	counts := make(map[uint64]int)
	n := e.blockDirty.NBits()
	for id := uint64(0); id < n; id++ {
		if e.blockDirty.Test(id) {
			counts[layout.SegmentOfBlock(id)]++
		}
	}
	return counts
}

// SetRoot implements engine.Engine. target is a working-heap (DRAM)
// address; the persisted pptr is encoded against the corresponding address
// in the main arena instead, since the working heap is a fresh allocation
// every Open while the header and main arena remap as one unit (see
// image.Image.MainBase).
func (e *Engine) SetRoot(i int, target unsafe.Pointer) error {
	off := uintptr(target) - uintptr(unsafe.Pointer(&e.working[0]))
	mainAddr := unsafe.Pointer(uintptr(e.img.MainBase()) + off)
	self := e.img.RootSlotAddress(i)
	return e.img.SetRoot(i, pptr.Offset(unsafe.Pointer(self), mainAddr))
}

// GetRoot implements engine.Engine, translating the persisted main-arena
// address back into this run's working-heap address.
func (e *Engine) GetRoot(i int) unsafe.Pointer {
	self := e.img.RootSlotAddress(i)
	mainAddr := e.img.GetRoot(i).To(unsafe.Pointer(self))
	if mainAddr == nil {
		return nil
	}
	off := uintptr(mainAddr) - uintptr(e.img.MainBase())
	return unsafe.Pointer(&e.working[off])
}

// Alloc implements engine.Engine.
func (e *Engine) Alloc() (int64, bool) {
	id, ok := e.alloc.Alloc()
	if !ok {
		return 0, false
	}
	return int64(id) * layout.BlockSize, true
}

// Free implements engine.Engine.
func (e *Engine) Free(off int64) { e.alloc.Refdown(uint32(off / layout.BlockSize)) }

// NrBlocks implements engine.Engine.
func (e *Engine) NrBlocks() uint32 { return e.alloc.NrBlocks() }

// NrFree implements engine.Engine.
func (e *Engine) NrFree() uint32 { return e.alloc.NrFree() }

// WaitForBackgroundTask implements engine.Engine. Dirty-block write-back
// itself is always synchronous within Checkpoint; what runs in the
// background, when opts.LazyWriteback is set, is the USE_IDENTICAL_DATA
// catch-up compactQuiescentSegments spawns after each commit. With
// LazyWriteback off this is a no-op, matching the other engines.
func (e *Engine) WaitForBackgroundTask() { e.bg.Wait() }

// Close implements engine.Engine.
func (e *Engine) Close() error { return e.region.Close() }

// Checkpoint runs one barrier-synchronized round of the checkpoint
// protocol. Every one of nrThreads callers must invoke Checkpoint with a
// distinct threadID in [0,nrThreads). Dirty blocks discovered via HookStore
// are copied from the working heap into whichever arena (main or the back
// segment bound to their main segment, allocating one on first write via
// shadow.Find, per Open Question decision #1) writebackTarget says is not
// currently authoritative, and the committed segment-state vector is
// flipped to that arena for every touched segment once every thread's
// writeback has landed.
//
// When the engine was opened with LazyWriteback, the leader also kicks off
// compactQuiescentSegments in the background once the commit lands: the
// USE_IDENTICAL_DATA path that catches the on-media Main copy up with an
// already-committed Back copy off the checkpoint critical path (Open
// Question decision #2). WaitForBackgroundTask joins that task.
func (e *Engine) Checkpoint(nrThreads, threadID int) error {
	e.barrier.Wait(nrThreads, threadID)

	touched := e.writebackDirtyBlocks(nrThreads, threadID)

	e.barrier.Wait(nrThreads, threadID)

	var commitErr error
	if threadID == 0 {
		touched.mu.Lock()
		ids := make([]uint64, 0, len(touched.ids))
		for id := range touched.ids {
			ids = append(ids, id)
		}
		touched.mu.Unlock()

		commitErr = e.commitTouchedSegments(touched)
		if commitErr == nil && e.lazy {
			e.bg.Start(func() { e.compactQuiescentSegments(ids) })
		}
		e.latch.Add(threadID)
	}
	e.latch.Wait(threadID)
	return commitErr
}

// compactQuiescentSegments is the USE_IDENTICAL_DATA background path. For
// every main segment this round's commit did not touch, if it is still
// sitting in state Back — meaning its persisted Main copy is stale and
// only its bound Back segment is authoritative — it copies Back onto Main
// and promotes the pair to Identical. Nothing ever reads a Back-state
// segment's on-media Main copy except a future crash recovery, so the
// catch-up is safe to defer: a crash mid-copy simply leaves the segment in
// Back, and recovery redoes the same copy it always would have.
func (e *Engine) compactQuiescentSegments(touchedThisRound []uint64) {
	skip := make(map[uint64]struct{}, len(touchedThisRound))
	for _, id := range touchedThisRound {
		skip[id] = struct{}{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var settled []uint64
	for id := uint64(0); id < e.nrMain; id++ {
		if _, ok := skip[id]; ok {
			continue
		}
		if e.img.GetSegmentState(id) != image.Back {
			continue
		}
		backID := e.img.MainToBack(id)
		if backID == image.NullSegment {
			continue
		}
		main := e.img.MainSegment(id)
		back := e.img.BackSegment(backID)
		pmem.NTCopyEliding(main, back)
		if err := e.region.Flush(unsafe.Pointer(&main[0]), len(main)); err != nil {
			crpmerr.Fatal(crpmerr.MediaErrorReason, err.Error())
		}
		settled = append(settled, id)
	}
	if len(settled) == 0 {
		return
	}

	e.img.BeginSegmentStateUpdate()
	for _, id := range settled {
		e.img.SetSegmentState(id, image.Identical)
	}
	if err := e.img.CommitSegmentStateUpdate(); err != nil {
		crpmerr.Fatal(crpmerr.MediaErrorReason, err.Error())
	}
}

// touchedSet collects the main segments written back in the current round.
// Every participating thread adds to the one shared set under its mutex;
// the leader reads it after the second barrier and commits those segments.
type touchedSet struct {
	mu  sync.Mutex
	ids map[uint64]struct{}
}

func newTouchedSet() *touchedSet { return &touchedSet{ids: make(map[uint64]struct{})} }

func (t *touchedSet) add(id uint64) {
	t.mu.Lock()
	t.ids[id] = struct{}{}
	t.mu.Unlock()
}

func (e *Engine) writebackDirtyBlocks(nrThreads, threadID int) *touchedSet {
	if threadID == 0 {
		e.touched.mu.Lock()
		e.touched.ids = make(map[uint64]struct{})
		e.touched.mu.Unlock()
	}
	full := false
	writeBlock := func(blockID uint64) {
		segID := layout.SegmentOfBlock(blockID)
		blockOff := blockID * layout.BlockSize
		segOff := segID * layout.BlocksPerSegment * layout.BlockSize
		within := blockOff - segOff
		work := e.working[blockOff : blockOff+layout.BlockSize]

		var dst []byte
		if e.writebackTarget(segID) == image.Main {
			dst = e.img.MainSegment(segID)[within : within+layout.BlockSize]
		} else {
			backID := e.ensureBackSegment(segID)
			dst = e.img.BackSegment(backID)[within : within+layout.BlockSize]
		}
		pmem.NTCopyEliding(dst, work)
		if err := e.region.Flush(unsafe.Pointer(&dst[0]), layout.BlockSize); err != nil {
			// A flush failure on a dirty write-back is a media error:
			// the protocol has no partial retry, the process is expected
			// to crash and recover on the next Open (spec §7).
			crpmerr.Fatal(crpmerr.MediaErrorReason, err.Error())
		}
		e.touched.add(segID)
	}
	for slot := threadID; slot < len(e.rings); slot += nrThreads {
		e.ringMu[slot].Lock()
		full = full || e.rings[slot].Full()
		e.rings[slot].Drain(writeBlock)
		e.ringMu[slot].Unlock()
	}
	for b := uint64(0); full && b < e.nrMain*layout.BlocksPerSegment; b++ {
		if e.blockDirty.Test(b) {
			writeBlock(b)
		}
	}
	return e.touched
}

// writebackTarget reports which arena this round's write-back for main
// segment id must land in: whichever one its last committed state does not
// already make authoritative. A segment still in Initial (never
// checkpointed) or Main defaults to Back, same as a fresh segment's first
// checkpoint always did before this round alternated; a segment currently
// Back flips to Main instead. This is the dual-epoch double buffering spec
// §3 C4 and §4.5 step 4 describe: writing into the side GetSegmentState
// already reports authoritative would tear the last checkpoint's only
// durable copy if the process crashed mid write-back, so the target always
// tracks the segment's own history rather than the global committed epoch's
// parity directly (see DESIGN.md) — the two agree whenever a segment is
// checkpointed every round, which is exactly what spec's S3 scenario
// exercises.
func (e *Engine) writebackTarget(id uint64) uint8 {
	if e.img.GetSegmentState(id) == image.Back {
		return image.Main
	}
	return image.Back
}

// dirtyThisRound reports whether any block of main segment mainID is marked
// dirty in the round currently being written back, the eligibility signal
// shadow.Find needs to tell a reclaimable back slot from one still backing
// this round's own work.
func (e *Engine) dirtyThisRound(mainID uint64) bool {
	base := mainID * layout.BlocksPerSegment
	for b := base; b < base+layout.BlocksPerSegment; b++ {
		if e.blockDirty.Test(b) {
			return true
		}
	}
	return false
}

// ensureBackSegment returns the back segment bound to mainID, allocating one
// via the shared shadow.Find sweep on first write. It fatally aborts
// (crpmerr.OutOfShadowReason) if no eligible slot survives a full sweep: spec
// §4.5's back-arena exhaustion path, testable property S6.
func (e *Engine) ensureBackSegment(mainID uint64) uint64 {
	if backID := e.img.MainToBack(mainID); backID != image.NullSegment {
		return backID
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if backID := e.img.MainToBack(mainID); backID != image.NullSegment {
		return backID
	}
	backID, ok := shadow.Find(e.img, e.nrBack, &e.nextBack, e.dirtyThisRound)
	if !ok {
		crpmerr.Fatal(crpmerr.OutOfShadowReason, "no eligible back segment after a full sweep")
	}
	if err := e.img.BindBackSegment(mainID, backID); err != nil {
		crpmerr.Fatal(crpmerr.OutOfShadowReason, err.Error())
	}
	return backID
}

func (e *Engine) commitTouchedSegments(touched *touchedSet) error {
	touched.mu.Lock()
	ids := make([]uint64, 0, len(touched.ids))
	for id := range touched.ids {
		ids = append(ids, id)
	}
	touched.mu.Unlock()
	if len(ids) == 0 {
		pmem.StoreFence()
		return nil
	}

	e.mu.Lock()
	e.img.BeginSegmentStateUpdate()
	for _, id := range ids {
		e.img.SetSegmentState(id, e.writebackTarget(id))
	}
	err := e.img.CommitSegmentStateUpdate()
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if e.enableParity {
		if err := e.img.StampParity(); err != nil {
			return err
		}
	}
	if !e.hasSnapshot {
		if err := e.img.SetAttributes(attrHasSnapshot); err != nil {
			return err
		}
		e.hasSnapshot = true
	}
	e.blockDirty.Clear()
	return nil
}

// threadCounter spreads HookStore calls made without an explicit
// checkpoint.Checkpoint thread id (e.g. from a goroutine the instrumentation
// pass hooked directly) across the ring pool; real checkpoint participants
// always address their own ring by threadID instead.
var threadCounter atomic.Int64

func threadSlot() int {
	return int(threadCounter.Add(1) % checkpoint.MaxThreads)
}
