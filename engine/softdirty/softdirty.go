// Package softdirty implements the soft-dirty-bit Engine variant: rather
// than instrumenting stores or trapping faults, it asks the kernel which
// pages changed since the last checkpoint via /proc/self/pagemap, after
// resetting the bit through /proc/self/clear_refs. Grounded on
// original_source/runtime/src/engines/dirtybit_engine.cpp.
package softdirty

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"crpm/allocator"
	"crpm/checkpoint"
	"crpm/crpmerr"
	"crpm/engine"
	"crpm/image"
	"crpm/internal/layout"
	"crpm/internal/shadow"
	"crpm/pmem"
	"crpm/pptr"
)

const (
	pageShift       = 12
	pageSize        = 1 << pageShift
	softDirtyBit    = uint64(1) << 55
	presentBit      = uint64(1) << 63
	clearRefsPath   = "/proc/self/clear_refs"
	pagemapPath     = "/proc/self/pagemap"
	clearSoftDirty  = "4"
	attrHasSnapshot = uint32(1)
)

// Engine is the soft-dirty-bit dirty-tracking variant.
type Engine struct {
	region *pmem.Region
	img    *image.Image

	working  []byte
	alloc    *allocator.Allocator
	capacity int64
	nrMain   uint64
	nrBack   uint64
	nrPages  uint64

	clearRefs *os.File
	pagemap   *os.File
	pteBuffer []uint64

	barrier checkpoint.Barrier
	latch   checkpoint.Latch

	mu          sync.Mutex
	nextBack    uint64
	hasSnapshot bool
}

// Open creates or recovers an image, then starts tracing soft-dirty bits
// over the anonymous working heap (the pagemap scan only reports pages
// belonging to the calling process's own mappings, so the heap is always
// anonymous in this variant, mirroring USE_HYBRID_MEMORY in the reference
// engine).
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
	nrPages := (uint64(capacity) + pageSize - 1) / pageSize

	clearRefs, err := os.OpenFile(clearRefsPath, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("softdirty: %w", err)
	}
	pagemap, err := os.Open(pagemapPath)
	if err != nil {
		clearRefs.Close()
		return nil, fmt.Errorf("softdirty: %w", err)
	}

	working := make([]byte, capacity)
	e := &Engine{
		region:    region,
		img:       img,
		working:   working,
		alloc:     allocator.New(working),
		capacity:  capacity,
		nrMain:    nrMain,
		nrBack:    nrBack,
		nrPages:   nrPages,
		clearRefs: clearRefs,
		pagemap:   pagemap,
		pteBuffer: make([]uint64, nrPages),
	}

	if !opts.Create {
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

	if err := e.resetPageMap(); err != nil {
		return nil, err
	}
	return e, nil
}

// Address implements engine.Engine.
func (e *Engine) Address(off int64) unsafe.Pointer { return unsafe.Pointer(&e.working[off]) }

// Capacity implements engine.Engine.
func (e *Engine) Capacity() int64 { return e.capacity }

// HookStore is a no-op for this variant: the kernel's soft-dirty bit is the
// sole dirty signal, discovered by readPageMap during Checkpoint rather
// than at the store site. Present to satisfy engine.Engine.
func (e *Engine) HookStore(addr unsafe.Pointer, length int) {}

// Attributes implements engine.Engine.
func (e *Engine) Attributes() uint32 { return e.img.Attributes() }

// SetAttributes implements engine.Engine.
func (e *Engine) SetAttributes(v uint32) error { return e.img.SetAttributes(v) }

// ExistSnapshot implements engine.Engine.
func (e *Engine) ExistSnapshot() bool { return e.hasSnapshot }

// Epoch returns the image's currently committed epoch; see
// instrumented.Engine.Epoch.
func (e *Engine) Epoch() uint64 { return e.img.CommittedEpoch() }

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

// Alloc implements engine.Engine. The zeroing write is a real store into
// the anonymous working heap, so the kernel sets its page's soft-dirty bit
// on its own; no separate dirty bookkeeping is needed here.
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

// WaitForBackgroundTask implements engine.Engine; write-back is synchronous.
func (e *Engine) WaitForBackgroundTask() {}

// Close implements engine.Engine.
func (e *Engine) Close() error {
	e.clearRefs.Close()
	e.pagemap.Close()
	return e.region.Close()
}

// Checkpoint reads the page map once (leader only), then every caller
// write-backs its share of the dirty pages by thread-striding across the
// page range, and the leader commits the touched segments' state and
// resets the soft-dirty trace for the next epoch.
func (e *Engine) Checkpoint(nrThreads, threadID int) error {
	e.barrier.Wait(nrThreads, threadID)

	if threadID == 0 {
		if err := e.readPageMap(); err != nil {
			return err
		}
		e.latch.Add(threadID)
	}
	e.latch.Wait(threadID)

	touched := e.writebackStriped(nrThreads, threadID)

	e.barrier.Wait(nrThreads, threadID)

	var commitErr error
	if threadID == 0 {
		commitErr = e.commitTouchedSegments(touched)
		if commitErr == nil {
			commitErr = e.resetPageMap()
		}
	}
	return commitErr
}

func (e *Engine) writebackStriped(nrThreads, threadID int) map[uint64]struct{} {
	touched := make(map[uint64]struct{})
	for page := uint64(threadID); page < e.nrPages; page += uint64(nrThreads) {
		if e.pteBuffer[page]&softDirtyBit == 0 {
			continue
		}
		pageOff := page * pageSize
		segID := layout.SegmentOf(pageOff)
		backID := e.ensureBackSegment(segID)

		segOff := segID * layout.SegmentSize
		within := pageOff - segOff
		n := uint64(pageSize)
		if within+n > layout.SegmentSize {
			n = layout.SegmentSize - within
		}

		work := e.working[pageOff : pageOff+n]
		back := e.img.BackSegment(backID)[within : within+n]
		pmem.NTCopyEliding(back, work)
		if err := e.region.Flush(unsafe.Pointer(&back[0]), int(n)); err != nil {
			crpmerr.Fatal(crpmerr.MediaErrorReason, err.Error())
		}
		touched[segID] = struct{}{}
	}
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

// dirtyThisRound reports whether any page of main segment mainID carries the
// soft-dirty bit in the trace readPageMap captured for the round currently
// being written back, the eligibility signal shadow.Find needs. The trace is
// fully populated by the leader before any thread starts writebackStriped,
// so every concurrent reader sees the same snapshot.
func (e *Engine) dirtyThisRound(mainID uint64) bool {
	segOff := mainID * layout.SegmentSize
	startPage := segOff / pageSize
	endPage := (segOff + layout.SegmentSize) / pageSize
	for p := startPage; p < endPage && p < e.nrPages; p++ {
		if e.pteBuffer[p]&softDirtyBit != 0 {
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

func (e *Engine) commitTouchedSegments(touched map[uint64]struct{}) error {
	if len(touched) == 0 {
		return nil
	}
	e.img.BeginSegmentStateUpdate()
	for id := range touched {
		e.img.SetSegmentState(id, image.Back)
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
	return nil
}

// readPageMap fills pteBuffer with one pagemap entry per working-heap page.
func (e *Engine) readPageMap() error {
	base := uintptr(unsafe.Pointer(&e.working[0]))
	off := int64((base >> pageShift) * 8)
	buf := make([]byte, len(e.pteBuffer)*8)
	n, err := e.pagemap.ReadAt(buf, off)
	if err != nil {
		return fmt.Errorf("softdirty: reading pagemap: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("softdirty: short pagemap read: got %d want %d", n, len(buf))
	}
	for i := range e.pteBuffer {
		e.pteBuffer[i] = layout.Readn(buf, 8, i*8)
	}
	return nil
}

// resetPageMap clears every soft-dirty bit the process holds, mirroring
// DirtyBitEngine::reset_page_map's `echo 4 > /proc/self/clear_refs`.
func (e *Engine) resetPageMap() error {
	_, err := e.clearRefs.WriteString(clearSoftDirty)
	if err != nil {
		return fmt.Errorf("softdirty: clearing refs: %w", err)
	}
	return nil
}
