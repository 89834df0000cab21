// Package allocator implements the external allocator collaborator spec §6
// treats as out of scope, so the rest of the repo is runnable end to end.
// It is grounded on biscuit's mem.Physmem_t: an intrusive, mutex-protected
// free list threaded through the free blocks themselves (Physmem_t.freei /
// Pg_t.nexti), generalized from page granularity to the block granularity
// dirty tracking and checkpointing use.
package allocator

import (
	"sync"

	"crpm/internal/layout"
)

// nilNext terminates the intrusive free list, stored in a free block's own
// first four bytes the same way Physmem_t.nexti chains free pages without a
// separate free-list node allocation.
const nilNext = ^uint32(0)

// Allocator hands out single block ids from a working heap of nrBlocks fixed
// size layout.BlockSize blocks. It never returns memory to the OS: freed
// blocks go back on the intrusive free list for the next Alloc, mirroring
// Physmem_t's refcounted free-page pool.
type Allocator struct {
	mu sync.Mutex

	heap  []byte // the working (DRAM) heap this allocator parcels out
	free  uint32 // head of the free list, nilNext if empty
	next  uint32 // watermark: blocks [0,next) have been bump-allocated at least once
	total uint32

	refcnt []int32
}

// New creates an allocator over heap, which must be a multiple of
// layout.BlockSize bytes. The whole heap starts free.
func New(heap []byte) *Allocator {
	total := uint32(len(heap) / layout.BlockSize)
	return &Allocator{
		heap:   heap,
		free:   nilNext,
		next:   0,
		total:  total,
		refcnt: make([]int32, total),
	}
}

func (a *Allocator) blockBytes(id uint32) []byte {
	return a.heap[uint64(id)*layout.BlockSize : uint64(id+1)*layout.BlockSize]
}

// Alloc returns the id of a fresh zeroed block and bumps its refcount to 1.
// The second return is false if the heap is exhausted (spec §7's OutOfHeap,
// surfaced to the library caller as a nil pointer rather than an error
// value, matching Physmem_t's (ok bool) convention).
func (a *Allocator) Alloc() (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var id uint32
	if a.free != nilNext {
		id = a.free
		a.free = blockNext(a.blockBytes(id))
	} else if a.next < a.total {
		id = a.next
		a.next++
	} else {
		return 0, false
	}
	if a.refcnt[id] < 0 {
		panic("allocator: negative refcount on free block")
	}
	a.refcnt[id] = 1
	b := a.blockBytes(id)
	for i := range b {
		b[i] = 0
	}
	return id, true
}

// Refup increments the reference count of block id.
func (a *Allocator) Refup(id uint32) {
	a.mu.Lock()
	a.refcnt[id]++
	a.mu.Unlock()
}

// Refdown decrements the reference count of block id, returning the block
// to the free list once it reaches zero. It reports whether the block was
// freed.
func (a *Allocator) Refdown(id uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refcnt[id]--
	if a.refcnt[id] < 0 {
		panic("allocator: refcount underflow")
	}
	if a.refcnt[id] != 0 {
		return false
	}
	setBlockNext(a.blockBytes(id), a.free)
	a.free = id
	return true
}

// Refcnt returns the current reference count of block id.
func (a *Allocator) Refcnt(id uint32) int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refcnt[id]
}

// NrBlocks returns the total number of blocks this allocator was created
// over.
func (a *Allocator) NrBlocks() uint32 { return a.total }

// NrFree reports how many blocks are currently unused, for diag/stats
// reporting.
func (a *Allocator) NrFree() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	free := a.total - a.next
	for id := a.free; id != nilNext; id = blockNext(a.blockBytes(id)) {
		free++
	}
	return free
}

func blockNext(b []byte) uint32 {
	return uint32(layout.Readn(b, 4, 0))
}

func setBlockNext(b []byte, next uint32) {
	layout.Writen(b, 4, 0, uint64(next))
}
