// Package pptr implements C2, the position-independent pointer used
// throughout a checkpointed heap. A Pptr stores the byte offset from its own
// address to the object it references rather than an absolute address, so
// the encoded value is unaffected by the heap remapping at a different base
// on a subsequent run.
//
// The layout is taken bit-for-bit from the reference engine's pptr<T>: bits
// 16-63 hold the magnitude, bit 8 the sign, bits 9-15 a fixed validity
// pattern, and bits 0-7 an ABA stamp free for callers of AtomicStampedPptr to
// use. A zero-valued Pptr is not a valid null — Null() must be used, because
// the validity pattern occupies the high bits of what would otherwise look
// like a zero offset.
package pptr

import "unsafe"

const (
	patternPositive uint64 = 0xb000
	patternNegative uint64 = 0xb100
	reservedShift          = 16
	reservedMask    uint64 = 0xfe00
	signBit         uint64 = 0x0100
	stampMask       uint64 = 0xff
)

// Pptr is a raw position-independent offset. It must only be interpreted
// relative to its own storage address, via To and From below.
type Pptr uint64

// Null is the canonical null Pptr value.
func Null() Pptr { return Pptr(patternPositive) }

// IsNull reports whether p encodes a nil target.
func (p Pptr) IsNull() bool {
	return uint64(p)&^stampMask == patternPositive
}

// IsValid reports whether p carries the fixed validity pattern in its
// reserved bits. A Pptr read from corrupted or uninitialized memory fails
// this check.
func (p Pptr) IsValid() bool {
	return uint64(p)&reservedMask == patternPositive
}

// Stamp returns the 8-bit ABA counter packed into p's low byte.
func (p Pptr) Stamp() uint8 { return uint8(uint64(p) & stampMask) }

// WithStamp returns p with its low byte replaced by stamp, leaving the
// encoded offset untouched.
func (p Pptr) WithStamp(stamp uint8) Pptr {
	return Pptr(uint64(p)&^stampMask | uint64(stamp))
}

// Offset computes the Pptr that self (the address of the Pptr field itself)
// must store to reference target. A nil target encodes to Null().
func Offset(self, target unsafe.Pointer) Pptr {
	if target == nil {
		return Null()
	}
	s, t := uintptr(self), uintptr(target)
	if t > s {
		return Pptr((uint64(t-s) << reservedShift) | patternPositive)
	}
	return Pptr((uint64(s-t) << reservedShift) | patternNegative)
}

// To resolves p back to an unsafe.Pointer given the address self at which p
// is stored. It returns nil if p is invalid or null.
func (p Pptr) To(self unsafe.Pointer) unsafe.Pointer {
	off := uint64(p)
	if !p.IsValid() || p.IsNull() {
		return nil
	}
	mag := uintptr(off >> reservedShift)
	s := uintptr(self)
	if off&signBit != 0 {
		return unsafe.Pointer(s - mag)
	}
	return unsafe.Pointer(s + mag)
}

// Of is a typed convenience wrapper around Offset for a field whose own
// address is self and whose logical target is target.
func Of[T any](self *Pptr, target *T) Pptr {
	return Offset(unsafe.Pointer(self), unsafe.Pointer(target))
}

// To resolves p into a *T given the address self the Pptr is stored at.
func To[T any](p Pptr, self *Pptr) *T {
	return (*T)(p.To(unsafe.Pointer(self)))
}
