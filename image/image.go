// Package image implements C3, the on-media checkpoint image: the header,
// the double-buffered segment-state vectors that the epoch flip selects
// between, and the back/main segment binding tables. It is grounded on the
// reference engine's CheckpointImage (original_source
// runtime/src/checkpoint.cpp, runtime/include/internal/checkpoint.h),
// translated into the struct-over-a-byte-slice style biscuit's fs.Superblock_t
// and mem.Physmem_t use for on-media/on-array layout.
package image

import (
	"fmt"
	"unsafe"

	"github.com/google/uuid"

	"crpm/crpmerr"
	"crpm/internal/layout"
	"crpm/pmem"
	"crpm/pptr"
)

// Segment states, spec §4.2. A segment transitions Initial -> {Main, Back}
// -> Identical as checkpoint and writeback run; Identical means both arenas
// hold the same bytes and no writeback work is outstanding for it.
const (
	Initial   uint8 = 0x0
	Main      uint8 = 0x1
	Back      uint8 = 0x2
	Identical uint8 = 0x3
)

const (
	magic         uint32 = 0x6f6f0202
	nullSegmentID uint64 = ^uint64(0)
	paritySize           = 16 << 10
)

// NrRoots is the number of named root-pointer slots the header carries,
// spec §3's "up to 1024 named slots inside the allocator's persistent
// header; each slot is a position-independent pointer into the heap".
const NrRoots = 1024

// NullSegment is the sentinel stored in the back-to-main table for an
// unbound back segment.
const NullSegment = nullSegmentID

// headerFieldsSize covers magic, attrs, nrMain, nrBack, epoch, mediaErr,
// sessionID (a stamped uuid.UUID, supplemented feature: lets pool.Open tell
// two opens of distinct freshly-created images apart), and ProtectionKeys
// (four reserved int32 slots carrying the original header's MPK pkey[4]
// layout forward for on-media compatibility; unused by any enforcement
// logic here, see SPEC_FULL.md).
const headerFieldsSize = 4 + 4 + 8 + 8 + 8 + 8 + 16 + 16

// field offsets within the header's fixed prefix.
const (
	offMagic          = 0
	offAttributes     = 4
	offNrMain         = 8
	offNrBack         = 16
	offEpoch          = 24
	offMediaError     = 32
	offSessionID      = 40
	offProtectionKeys = 56
)

// Image is an open checkpoint image: a header region plus the two
// arenas (main, back) it describes. The header itself is double-buffered at
// the file level (header + header shadow) by Create/Open below, mirroring
// the reference engine's header_shadow field, so a torn header write can
// never leave both copies invalid.
type Image struct {
	region *pmem.Region

	headerBytes []byte // primary header (first copy)
	shadowBytes []byte // shadow header (second copy)

	segmentState [2][]byte // double-buffered segment-state vectors
	backToMain   []uint64  // on-media: back segment id -> main segment id
	mainToBack   []uint64  // volatile inverse, rebuilt on Open

	rootTable []uint64 // on-media: NrRoots position-independent root pointers

	mainMemory   []byte
	backMemory   []byte
	parityMemory []byte

	nrMain, nrBack uint64

	dirtyCacheLine []bool // per-cache-line dirty flag for the pending state update
	updating       bool   // guards Set against calls outside Begin/Commit
}

// HeaderSize returns the total size, in bytes, of the doubled header region
// (primary + shadow), rounded to the huge page granularity as the reference
// engine does so the arenas that follow stay huge-page aligned.
func HeaderSize(nrMain, nrBack uint64) int64 {
	sz := layout.Roundup(int64(headerFieldsSize), layout.CacheLineSize)
	sz += layout.Roundup(int64(nrMain), layout.CacheLineSize) * 2
	sz += layout.Roundup(int64(nrBack)*8, layout.CacheLineSize)
	sz += layout.Roundup(int64(NrRoots)*8, layout.CacheLineSize)
	sz = layout.Roundup(sz, layout.HugePageSize)
	return sz * 2
}

// FileSize returns the total backing-file size required to hold the doubled
// header, the main and back arenas, and their per-segment parity regions.
func FileSize(nrMain, nrBack uint64) int64 {
	return HeaderSize(nrMain, nrBack) +
		int64(nrMain+nrBack)*layout.SegmentSize +
		int64(nrMain+nrBack)*paritySize
}

// Create lays out a fresh image of the given geometry over region and
// returns it opened.
func Create(region *pmem.Region, nrMain, nrBack uint64) (*Image, error) {
	want := FileSize(nrMain, nrBack)
	if int64(len(region.Bytes)) < want {
		return nil, crpmerr.New(crpmerr.CapacityInvalid, "",
			fmt.Errorf("region has %d bytes, image needs %d", len(region.Bytes), want))
	}
	img := &Image{region: region, nrMain: nrMain, nrBack: nrBack}
	img.layout()

	layout.Writen(img.headerBytes, 4, offMagic, uint64(magic))
	layout.Writen(img.headerBytes, 8, offNrMain, nrMain)
	layout.Writen(img.headerBytes, 8, offNrBack, nrBack)
	layout.Writen(img.headerBytes, 8, offEpoch, 0)
	sessionID := uuid.New()
	copy(img.headerBytes[offSessionID:offSessionID+16], sessionID[:])

	for i := range img.segmentState[0] {
		img.segmentState[0][i] = Initial
		img.segmentState[1][i] = Initial
	}
	for i := range img.backToMain {
		img.backToMain[i] = uint64(i)
	}
	if err := region.Flush(unsafe.Pointer(&region.Bytes[0]), int(HeaderSize(nrMain, nrBack))); err != nil {
		return nil, err
	}
	pmem.StoreFence()
	if err := img.syncShadow(); err != nil {
		return nil, err
	}

	img.finishOpen()
	return img, nil
}

// syncShadow replicates the primary header fields onto the shadow copy
// (and durably flushes it) so a crash between a header field write and its
// shadow replication always leaves at least one valid copy to recover from,
// the same role header_shadow plays in the reference engine's Open.
func (img *Image) syncShadow() error {
	copy(img.shadowBytes, img.headerBytes)
	if err := img.region.Flush(unsafe.Pointer(&img.shadowBytes[0]), len(img.shadowBytes)); err != nil {
		return err
	}
	pmem.StoreFence()
	return nil
}

// Open reopens an existing image previously laid out by Create.
func Open(region *pmem.Region) (*Image, error) {
	if len(region.Bytes) < headerFieldsSize {
		return nil, crpmerr.New(crpmerr.MagicMismatch, "", fmt.Errorf("region too small"))
	}
	got := uint32(layout.Readn(region.Bytes, 4, offMagic))
	if got != magic {
		return nil, crpmerr.New(crpmerr.MagicMismatch, "", fmt.Errorf("got %#x", got))
	}
	nrMain := layout.Readn(region.Bytes, 8, offNrMain)
	nrBack := layout.Readn(region.Bytes, 8, offNrBack)
	img := &Image{region: region, nrMain: nrMain, nrBack: nrBack}
	img.layout()
	img.finishOpen()
	return img, nil
}

func (img *Image) layout() {
	b := img.region.Bytes
	off := layout.Roundup(int64(headerFieldsSize), layout.CacheLineSize)
	img.headerBytes = b[:headerFieldsSize]

	img.segmentState[0] = b[off : off+int64(img.nrMain)]
	off += layout.Roundup(int64(img.nrMain), layout.CacheLineSize)
	img.segmentState[1] = b[off : off+int64(img.nrMain)]
	off += layout.Roundup(int64(img.nrMain), layout.CacheLineSize)

	backToMainBytes := b[off : off+int64(img.nrBack)*8]
	off += layout.Roundup(int64(img.nrBack)*8, layout.CacheLineSize)
	img.backToMain = bytesToUint64Slice(backToMainBytes)

	rootTableBytes := b[off : off+int64(NrRoots)*8]
	off += layout.Roundup(int64(NrRoots)*8, layout.CacheLineSize)
	img.rootTable = bytesToUint64Slice(rootTableBytes)

	off = layout.Roundup(off, layout.HugePageSize)
	headerSize := off
	img.shadowBytes = b[headerSize : headerSize+headerFieldsSize]
	off = headerSize * 2

	img.mainMemory = b[off : off+int64(img.nrMain)*layout.SegmentSize]
	off += int64(img.nrMain) * layout.SegmentSize
	img.backMemory = b[off : off+int64(img.nrBack)*layout.SegmentSize]
	off += int64(img.nrBack) * layout.SegmentSize
	img.parityMemory = b[off : off+int64(img.nrMain+img.nrBack)*paritySize]
}

func (img *Image) finishOpen() {
	img.mainToBack = make([]uint64, img.nrMain)
	img.dirtyCacheLine = make([]bool, (img.nrMain+layout.CacheLineSize-1)/layout.CacheLineSize)
	for i := range img.mainToBack {
		img.mainToBack[i] = nullSegmentID
	}
	for backID, mainID := range img.backToMain {
		if mainID != nullSegmentID {
			img.mainToBack[mainID] = uint64(backID)
		}
	}
}

func bytesToUint64Slice(b []byte) []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), len(b)/8)
}

// NrMainSegments returns the number of segments in the main arena.
func (img *Image) NrMainSegments() uint64 { return img.nrMain }

// NrBackSegments returns the number of segments in the back (shadow) arena.
func (img *Image) NrBackSegments() uint64 { return img.nrBack }

// CommittedEpoch returns the currently committed epoch. Its parity
// (epoch & 1) selects which of the two segment-state vectors is
// authoritative.
func (img *Image) CommittedEpoch() uint64 {
	return layout.Readn(img.headerBytes, 8, offEpoch)
}

// MainSegment returns the bytes of main arena segment id.
func (img *Image) MainSegment(id uint64) []byte {
	return img.mainMemory[id*layout.SegmentSize : (id+1)*layout.SegmentSize]
}

// BackSegment returns the bytes of back arena segment id.
func (img *Image) BackSegment(id uint64) []byte {
	return img.backMemory[id*layout.SegmentSize : (id+1)*layout.SegmentSize]
}

// Attributes returns the caller-opaque attribute word stored in the header.
func (img *Image) Attributes() uint32 {
	return uint32(layout.Readn(img.headerBytes, 4, offAttributes))
}

// SetAttributes durably updates the attribute word.
func (img *Image) SetAttributes(v uint32) error {
	layout.Writen(img.headerBytes, 4, offAttributes, uint64(v))
	if err := img.region.Flush(unsafe.Pointer(&img.headerBytes[offAttributes]), 4); err != nil {
		return err
	}
	pmem.StoreFence()
	return img.syncShadow()
}

// SessionID returns the uuid stamped into the header when this image was
// created. It is stable across every subsequent Open of the same file and
// lets a caller (pool.Open in its test suite) distinguish two images that
// happen to share a path across a recreate.
func (img *Image) SessionID() uuid.UUID {
	var id uuid.UUID
	copy(id[:], img.headerBytes[offSessionID:offSessionID+16])
	return id
}

// ProtectionKeys returns the four reserved protection-key slots carried
// forward from the original on-media header layout. CRPM performs no MPK
// enforcement; the field exists purely so the header's byte layout has a
// slot for a future caller that wants one (see SPEC_FULL.md's supplemented
// features).
func (img *Image) ProtectionKeys() [4]int32 {
	var keys [4]int32
	for i := 0; i < 4; i++ {
		keys[i] = int32(layout.Readn(img.headerBytes, 4, offProtectionKeys+i*4))
	}
	return keys
}

// BackToMain returns the main segment id bound to back segment backID, or
// NullSegment if unbound.
func (img *Image) BackToMain(backID uint64) uint64 { return img.backToMain[backID] }

// MainToBack returns the back segment id bound to main segment mainID, or
// NullSegment if unbound. This table is rebuilt in memory on every Open: it
// is the volatile inverse of BackToMain (spec §4.2).
func (img *Image) MainToBack(mainID uint64) uint64 { return img.mainToBack[mainID] }

// BindBackSegment binds backID to mainID, unbinding backID's previous main
// segment (if any) first. The on-media back-to-main entry is the durable
// source of truth; main-to-back is kept in step in memory only.
func (img *Image) BindBackSegment(mainID, backID uint64) error {
	old := img.backToMain[backID]
	if old != nullSegmentID {
		img.mainToBack[old] = nullSegmentID
	}
	img.backToMain[backID] = mainID
	img.mainToBack[mainID] = backID
	if err := img.region.Flush(unsafe.Pointer(&img.backToMain[backID]), 8); err != nil {
		return err
	}
	pmem.StoreFence()
	return nil
}

// SetRoot durably stores ptr (a position-independent pointer already
// encoded relative to its own slot, see pptr.Of) into root slot i, the sole
// entry point spec §3 says recovery uses to find the mutator's data. The
// write is a single NT-store plus fence, the same durability pattern
// BindBackSegment uses for a single on-media word; it is not gated behind
// an in-progress checkpoint, so a root set between two checkpoints is
// durable as soon as SetRoot returns, independent of commit_state_update.
func (img *Image) SetRoot(i int, ptr pptr.Pptr) error {
	img.rootTable[i] = uint64(ptr)
	if err := img.region.Flush(unsafe.Pointer(&img.rootTable[i]), 8); err != nil {
		return err
	}
	pmem.StoreFence()
	return nil
}

// GetRoot returns the position-independent pointer stored in root slot i.
func (img *Image) GetRoot(i int) pptr.Pptr { return pptr.Pptr(img.rootTable[i]) }

// RootSlotAddress returns the address backing root slot i, typed as *Pptr so
// callers can pass it directly as the "self" argument to pptr.Of when
// encoding a pointer relative to that slot.
func (img *Image) RootSlotAddress(i int) *pptr.Pptr {
	return (*pptr.Pptr)(unsafe.Pointer(&img.rootTable[i]))
}

// MainBase returns the address of the first byte of the main arena. Root
// pointers are encoded relative to this mapping (not an engine's separate
// DRAM working copy) because the header and main arena remap as one unit
// on every Open: their relative byte offset is fixed by the on-media
// layout, so a pptr computed against it resolves correctly regardless of
// where the file ends up mapped on a later run.
func (img *Image) MainBase() unsafe.Pointer { return unsafe.Pointer(&img.mainMemory[0]) }

// GetSegmentState returns the currently committed state of main segment id,
// reading through the epoch-selected vector.
func (img *Image) GetSegmentState(id uint64) uint8 {
	bi := img.CommittedEpoch() & 1
	return img.segmentState[bi][id]
}

// SetSegmentStateAtomic immediately (outside of a Begin/Commit bracket)
// writes state into both vectors. Recover and the engines do not call it;
// they stage states through SetSegmentState.
func (img *Image) SetSegmentStateAtomic(id uint64, state uint8) error {
	bi := img.CommittedEpoch() & 1
	img.segmentState[bi][id] = state
	if err := img.region.Flush(unsafe.Pointer(&img.segmentState[bi][id]), 1); err != nil {
		return err
	}
	pmem.StoreFence()
	img.segmentState[1-bi][id] = state
	return img.region.Flush(unsafe.Pointer(&img.segmentState[1-bi][id]), 1)
}

// BeginSegmentStateUpdate opens a batched state-update bracket: Set may only
// be called between Begin and Commit, mirroring the reference engine's
// thread-local segment_state_update guard.
func (img *Image) BeginSegmentStateUpdate() { img.updating = true }

// SetSegmentState stages a new state for main segment id into the
// not-yet-authoritative vector. It panics if called outside a Begin/Commit
// bracket, the same invariant violation the reference engine treats as a
// fatal illegal-instruction condition.
func (img *Image) SetSegmentState(id uint64, state uint8) {
	if !img.updating {
		panic("image: SetSegmentState outside BeginSegmentStateUpdate/CommitSegmentStateUpdate")
	}
	bi := img.CommittedEpoch() & 1
	slot := &img.segmentState[1-bi][id]
	if *slot != state {
		*slot = state
		img.dirtyCacheLine[id/layout.CacheLineSize] = true
	}
}

// CommitSegmentStateUpdate flushes every dirty cache line of the staged
// vector, advances the committed epoch (the atomic flip that makes the
// staged vector authoritative), and then replicates the now-authoritative
// vector back over the previous one so both copies converge before the next
// update cycle begins.
func (img *Image) CommitSegmentStateUpdate() error {
	next := img.CommittedEpoch() + 1
	bi := next & 1
	for i := uint64(0); i < img.nrMain; i += layout.CacheLineSize {
		if img.dirtyCacheLine[i/layout.CacheLineSize] {
			if err := img.region.Flush(unsafe.Pointer(&img.segmentState[bi][i]), layout.CacheLineSize); err != nil {
				return err
			}
		}
	}
	pmem.StoreFence()
	layout.Writen(img.headerBytes, 8, offEpoch, next)
	if err := img.region.Flush(unsafe.Pointer(&img.headerBytes[offEpoch]), 8); err != nil {
		return err
	}
	pmem.StoreFence()
	if err := img.syncShadow(); err != nil {
		return err
	}
	for i := uint64(0); i < img.nrMain; i += layout.CacheLineSize {
		if img.dirtyCacheLine[i/layout.CacheLineSize] {
			end := i + layout.CacheLineSize
			if end > img.nrMain {
				end = img.nrMain
			}
			pmem.NTCopy(img.segmentState[1-bi][i:end], img.segmentState[bi][i:end])
			img.dirtyCacheLine[i/layout.CacheLineSize] = false
		}
	}
	img.updating = false
	return nil
}

// ResetCommittedEpoch forcibly sets the committed epoch. The engines' Open
// calls it before Recover when a PreRecoveryEpochSync callback returns an
// epoch other than the on-media one; the segment-state vectors are left as
// they are.
func (img *Image) ResetCommittedEpoch(epoch uint64) error {
	layout.Writen(img.headerBytes, 8, offEpoch, epoch)
	if err := img.region.Flush(unsafe.Pointer(&img.headerBytes[offEpoch]), 8); err != nil {
		return err
	}
	pmem.StoreFence()
	return img.syncShadow()
}

// Recover walks every bound back segment, copies whichever side (main or
// back) the committed state vector designates as authoritative onto the
// other, and leaves every visited main segment in toState. It is the
// crash-recovery entry point run once at Open time before the heap is
// handed to the allocator (spec §5).
func (img *Image) Recover(toState uint8) error {
	img.BeginSegmentStateUpdate()
	bi := img.CommittedEpoch() & 1
	state := img.segmentState[bi]
	for backID := uint64(0); backID < img.nrBack; backID++ {
		mainID := img.backToMain[backID]
		if mainID == nullSegmentID || state[mainID] == Initial {
			continue
		}
		main := img.MainSegment(mainID)
		back := img.BackSegment(backID)
		switch state[mainID] {
		case Main:
			pmem.NTCopyEliding(back, main)
		case Back:
			pmem.NTCopyEliding(main, back)
		}
		if toState != state[mainID] {
			img.SetSegmentState(mainID, toState)
		}
	}
	return img.CommitSegmentStateUpdate()
}
