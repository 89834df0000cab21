// Package noop implements a baseline Engine with no durability at all: an
// anonymous working heap and checkpoints that do nothing. It exists for
// measuring the overhead the other variants add over raw DRAM access, and
// for tests that want an Engine without a backing file. Grounded on
// original_source/runtime/include/internal/engines/noop_engine.h.
package noop

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"crpm/allocator"
	"crpm/crpmerr"
	"crpm/engine"
	"crpm/image"
	"crpm/internal/layout"
)

// Engine is the no-op baseline variant.
type Engine struct {
	working  []byte
	capacity int64
	alloc    *allocator.Allocator
	roots    [image.NrRoots]unsafe.Pointer
}

// Open allocates an anonymous working heap of opts.Capacity bytes (rounded
// up to a whole page by the kernel) and nothing else: there is no backing
// file, so opts.Path, opts.Create, and opts.Truncate are ignored.
func Open(opts engine.Options) (*Engine, error) {
	if opts.Capacity <= 0 {
		return nil, crpmerr.New(crpmerr.CapacityInvalid, opts.Path, nil)
	}
	capacity := layout.Roundup(opts.Capacity, layout.BlockSize)
	working, err := unix.Mmap(-1, 0, int(capacity), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return &Engine{working: working, capacity: capacity, alloc: allocator.New(working)}, nil
}

// Address implements engine.Engine.
func (e *Engine) Address(off int64) unsafe.Pointer { return unsafe.Pointer(&e.working[off]) }

// Capacity implements engine.Engine.
func (e *Engine) Capacity() int64 { return e.capacity }

// HookStore implements engine.Engine; nothing is ever persisted, so there
// is nothing to record.
func (e *Engine) HookStore(addr unsafe.Pointer, length int) {}

// Checkpoint implements engine.Engine and is a deliberate no-op: this
// variant exists to isolate the mutator's own cost from any checkpoint
// protocol overhead.
func (e *Engine) Checkpoint(nrThreads, threadID int) error { return nil }

// WaitForBackgroundTask implements engine.Engine.
func (e *Engine) WaitForBackgroundTask() {}

// Attributes implements engine.Engine; always zero, nothing is stored.
func (e *Engine) Attributes() uint32 { return 0 }

// SetAttributes implements engine.Engine and is accepted but discarded.
func (e *Engine) SetAttributes(v uint32) error { return nil }

// ExistSnapshot implements engine.Engine; always false.
func (e *Engine) ExistSnapshot() bool { return false }

// SetRoot implements engine.Engine. There is no backing image to persist
// into, so this variant just remembers the pointer in process memory.
func (e *Engine) SetRoot(i int, target unsafe.Pointer) error {
	e.roots[i] = target
	return nil
}

// GetRoot implements engine.Engine.
func (e *Engine) GetRoot(i int) unsafe.Pointer { return e.roots[i] }

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

// Close implements engine.Engine.
func (e *Engine) Close() error { return unix.Munmap(e.working) }
