package pptr

import (
	"sync/atomic"
	"unsafe"
)

// AtomicPptr is the atomic counterpart of Pptr, mirroring atomic_pptr<T>:
// load/store/compare-and-swap over the raw offset, with no stamp field.
type AtomicPptr struct {
	off atomic.Uint64
}

// Load returns the pointer currently encoded, given the AtomicPptr's own
// address as self.
func (a *AtomicPptr) Load(self unsafe.Pointer) unsafe.Pointer {
	return Pptr(a.off.Load()).To(self)
}

// Store encodes target relative to self and stores it.
func (a *AtomicPptr) Store(self, target unsafe.Pointer) {
	a.off.Store(uint64(Offset(self, target)))
}

// CompareAndSwap atomically replaces the encoded pointer if it currently
// resolves to old, relative to self.
func (a *AtomicPptr) CompareAndSwap(self, old, new_ unsafe.Pointer) bool {
	oldOff := uint64(Offset(self, old))
	newOff := uint64(Offset(self, new_))
	return a.off.CompareAndSwap(oldOff, newOff)
}

// Raw returns the underlying encoded offset.
func (a *AtomicPptr) Raw() Pptr { return Pptr(a.off.Load()) }

// AtomicStampedPptr adds an 8-bit ABA stamp to every load/CAS, mirroring
// atomic_stamped_pptr<T>. The stamp lives in the low byte that would
// otherwise go unused by the offset encoding.
type AtomicStampedPptr struct {
	off atomic.Uint64
}

// Load returns the pointer and its current stamp.
func (a *AtomicStampedPptr) Load(self unsafe.Pointer) (unsafe.Pointer, uint8) {
	p := Pptr(a.off.Load())
	return p.To(self), p.Stamp()
}

// Store encodes target relative to self with the given stamp.
func (a *AtomicStampedPptr) Store(self, target unsafe.Pointer, stamp uint8) {
	p := Offset(self, target).WithStamp(stamp)
	a.off.Store(uint64(p))
}

// CompareAndSwapStrong performs a strong CAS on both the encoded pointer and
// its stamp.
func (a *AtomicStampedPptr) CompareAndSwapStrong(self unsafe.Pointer, old unsafe.Pointer, oldStamp uint8, new_ unsafe.Pointer, newStamp uint8) bool {
	oldOff := uint64(Offset(self, old).WithStamp(oldStamp))
	newOff := uint64(Offset(self, new_).WithStamp(newStamp))
	return a.off.CompareAndSwap(oldOff, newOff)
}

// CompareAndSwapWeak is spec-identical to CompareAndSwapStrong: Go's
// sync/atomic exposes no spurious-failure CAS, so there is nothing weaker to
// fall back to. Kept as a distinct method so call sites that care about the
// distinction (retry-loop callers use Weak, single-shot callers use Strong,
// as in the reference engine) read the same either way.
func (a *AtomicStampedPptr) CompareAndSwapWeak(self unsafe.Pointer, old unsafe.Pointer, oldStamp uint8, new_ unsafe.Pointer, newStamp uint8) bool {
	return a.CompareAndSwapStrong(self, old, oldStamp, new_, newStamp)
}
