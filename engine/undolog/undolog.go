// Package undolog implements an undo-logging Engine variant: instead of
// shadowing dirty blocks forward into a back segment and flipping that
// segment authoritative (the redo-log style engine/instrumented and its
// siblings use), it writes new data directly over the main segment in
// place, first saving each block's pre-image into the back segment so a
// crash mid-write can be rolled back to the last consistent checkpoint.
// Commit flips the segment state to Main once every touched block's new
// data is durable, the opposite direction of the other variants' commits.
// Grounded on
// original_source/runtime/src/engines/undolog_engine.cpp, adapted onto the
// shared main/back image format the other engines use rather than that
// engine's dedicated single-heap-plus-log layout (see DESIGN.md).
package undolog

import (
	"sync"
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
	maxRingBlocks   = 4096
	attrHasSnapshot = uint32(1)
)

// Engine is the undo-logging dirty-tracking variant.
type Engine struct {
	region *pmem.Region
	img    *image.Image

	working []byte
	alloc   *allocator.Allocator

	capacity int64
	nrMain   uint64
	nrBack   uint64

	rings      []*dirty.Ring
	ringMu     []sync.Mutex
	blockDirty *dirty.Bitmap

	barrier checkpoint.Barrier
	latch   checkpoint.Latch

	mu          sync.Mutex
	nextBack    uint64
	hasSnapshot bool
}

// Open creates or recovers an image and a working heap, the same sequence
// engine/instrumented follows.
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
		if err == nil {
			img, err = image.Create(region, nrMain, nrBack)
		}
	} else {
		region, err = pmem.Open(opts.Path, opts.FixedBaseAddress)
		if err == nil {
			img, err = image.Open(region)
		}
	}
	if err != nil {
		return nil, err
	}

	nrMain = img.NrMainSegments()
	nrBack = img.NrBackSegments()
	capacity := int64(nrMain) * layout.SegmentSize

	working := make([]byte, capacity)
	e := &Engine{
		region:     region,
		img:        img,
		working:    working,
		alloc:      allocator.New(working),
		capacity:   capacity,
		nrMain:     nrMain,
		nrBack:     nrBack,
		blockDirty: dirty.NewBitmap(nrMain * layout.BlocksPerSegment),
	}
	e.ringMu = make([]sync.Mutex, checkpoint.MaxThreads)
	for i := 0; i < checkpoint.MaxThreads; i++ {
		e.rings = append(e.rings, dirty.NewRing(maxRingBlocks))
	}

	if !opts.Create {
		// Recovery here must prefer whichever side the committed vector
		// names authoritative, same as every other variant: an Undo
		// recovery toState of Main means "trust main, the log finished
		// replaying before the crash"; Identical leaves already-matching
		// segments alone.
		if err := syncEpochBeforeRecovery(img, opts.PreRecoveryEpochSync); err != nil {
			return nil, err
		}
		if err := img.Recover(image.Identical); err != nil {
			return nil, err
		}
		for id := uint64(0); id < nrMain; id++ {
			if img.GetSegmentState(id) != image.Initial {
				dst := e.working[id*layout.SegmentSize : (id+1)*layout.SegmentSize]
				pmem.NTCopyEliding(dst, img.MainSegment(id))
			}
		}
		e.hasSnapshot = img.Attributes()&attrHasSnapshot != 0
	}
	return e, nil
}

// Address implements engine.Engine.
func (e *Engine) Address(off int64) unsafe.Pointer { return unsafe.Pointer(&e.working[off]) }

// Capacity implements engine.Engine.
func (e *Engine) Capacity() int64 { return e.capacity }

// HookStore implements engine.Engine: a compiler-inserted hook or a direct
// caller marks [addr, addr+length) as touched since the last checkpoint.
// Unlike engine/instrumented's, every caller's block ids go to ring 0.
func (e *Engine) HookStore(addr unsafe.Pointer, length int) {
	off := uintptr(addr) - uintptr(unsafe.Pointer(&e.working[0]))
	startBlock := uint64(off) / layout.BlockSize
	endBlock := (uint64(off) + uint64(length) + layout.BlockSize - 1) / layout.BlockSize
	tid := 0
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

// Epoch returns the image's currently committed epoch; see
// instrumented.Engine.Epoch.
func (e *Engine) Epoch() uint64 { return e.img.CommittedEpoch() }

// RingFill reports each thread slot's current dirty-ring occupancy; see
// instrumented.Engine.RingFill.
func (e *Engine) RingFill() []int {
	fill := make([]int, len(e.rings))
	for i, r := range e.rings {
		e.ringMu[i].Lock()
		fill[i] = r.Len()
		e.ringMu[i].Unlock()
	}
	return fill
}

// DirtySegmentCounts reports per-segment dirty-block counts; see
// instrumented.Engine.DirtySegmentCounts.
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
// in the main arena instead, since the working heap is a fresh mapping
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

// Alloc implements engine.Engine. The zeroed block is hooked the same way
// an instrumented store would be, since nothing else observes the write.
func (e *Engine) Alloc() (int64, bool) {
	id, ok := e.alloc.Alloc()
	if !ok {
		return 0, false
	}
	off := int64(id) * layout.BlockSize
	e.HookStore(e.Address(off), layout.BlockSize)
	return off, true
}

// Free implements engine.Engine.
func (e *Engine) Free(off int64) { e.alloc.Refdown(uint32(off / layout.BlockSize)) }

// NrBlocks implements engine.Engine.
func (e *Engine) NrBlocks() uint32 { return e.alloc.NrBlocks() }

// NrFree implements engine.Engine.
func (e *Engine) NrFree() uint32 { return e.alloc.NrFree() }

// WaitForBackgroundTask implements engine.Engine; write-back is synchronous.
func (e *Engine) WaitForBackgroundTask() {}

// Close implements engine.Engine.
func (e *Engine) Close() error { return e.region.Close() }

// Checkpoint logs each dirty block's current main-segment contents into its
// back segment (the undo record), copies the new value from the working
// heap over main in place, and — once every thread's writeback has
// landed — commits the touched segments' state to Main. A crash between
// the in-place writes and the commit still recovers safely: the segment
// state vector still names the previous epoch's side authoritative, and
// that side's back segment still holds the untouched pre-image.
func (e *Engine) Checkpoint(nrThreads, threadID int) error {
	e.barrier.Wait(nrThreads, threadID)

	touched := e.logAndWriteBack(nrThreads, threadID)

	e.barrier.Wait(nrThreads, threadID)

	var commitErr error
	if threadID == 0 {
		commitErr = e.commitTouchedSegments(touched)
		e.latch.Add(threadID)
	}
	e.latch.Wait(threadID)
	return commitErr
}

func (e *Engine) logAndWriteBack(nrThreads, threadID int) map[uint64]struct{} {
	touched := make(map[uint64]struct{})
	slot := threadID % len(e.rings)
	e.ringMu[slot].Lock()
	defer e.ringMu[slot].Unlock()
	ring := e.rings[slot]
	ring.Drain(func(blockID uint64) {
		segID := layout.SegmentOfBlock(blockID)
		backID := e.ensureBackSegment(segID)

		blockOff := blockID * layout.BlockSize
		segOff := segID * layout.BlocksPerSegment * layout.BlockSize
		within := blockOff - segOff

		main := e.img.MainSegment(segID)[within : within+layout.BlockSize]
		back := e.img.BackSegment(backID)[within : within+layout.BlockSize]
		work := e.working[blockOff : blockOff+layout.BlockSize]

		// Undo record: the pre-image goes to the back segment first.
		pmem.NTCopy(back, main)
		if err := e.region.Flush(unsafe.Pointer(&back[0]), layout.BlockSize); err != nil {
			crpmerr.Fatal(crpmerr.MediaErrorReason, err.Error())
		}
		// New data overwrites main in place.
		pmem.NTCopyEliding(main, work)
		if err := e.region.Flush(unsafe.Pointer(&main[0]), layout.BlockSize); err != nil {
			crpmerr.Fatal(crpmerr.MediaErrorReason, err.Error())
		}
		touched[segID] = struct{}{}
	})
	return touched
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

// dirtyThisRound reports whether any block of main segment mainID is marked
// dirty in the round currently being written back, the eligibility signal
// shadow.Find needs.
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
// via the shared shadow.Find sweep on first write. Since a commit here
// flips a touched segment's state to Main rather than Back, shadow.Find's
// eligibility check (state != image.Back) holds for any bound slot not part
// of the current round as soon as it has ever been committed: the back
// segment only ever holds a superseded undo pre-image once that happens, so
// reclaiming it loses nothing. It fatally aborts (crpmerr.OutOfShadowReason)
// if no eligible slot survives a full sweep: spec §4.5's back-arena
// exhaustion path, testable property S6.
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

func (e *Engine) commitTouchedSegments(touched map[uint64]struct{}) error {
	if len(touched) == 0 {
		return nil
	}
	e.img.BeginSegmentStateUpdate()
	for id := range touched {
		// Main (not Back) is authoritative: the new data was written
		// in place, the opposite commit direction of the shadowing
		// engines.
		e.img.SetSegmentState(id, image.Main)
	}
	if err := e.img.CommitSegmentStateUpdate(); err != nil {
		return err
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
