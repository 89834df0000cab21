// Package layout holds the block/segment geometry shared by every other
// package: sizes, rounding helpers, and the byte-level field accessors used
// by on-media structures.
//
// The generic rounding helpers are adapted from biscuit's util package
// (util.Rounddown/Roundup/Min); the field accessor pair is adapted from
// biscuit's util.Readn/Writen, generalized from a fixed struct offset to an
// arbitrary little-endian integer width.
package layout

import "unsafe"

// Int is satisfied by the built-in integer types of 32 bits or wider, every
// one of which can hold BlockSize, SegmentSize and BlocksPerSegment.
type Int interface {
	~int | ~int32 | ~int64 | ~uint | ~uint32 | ~uint64
}

// Min returns the smaller of a and b.
func Min[T Int](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Rounddown aligns v down to the nearest multiple of b.
func Rounddown[T Int](v, b T) T {
	return v - (v % b)
}

// Roundup aligns v up to the nearest multiple of b.
func Roundup[T Int](v, b T) T {
	return Rounddown(v+b-1, b)
}

const (
	// BlockSize is the default dirty-tracking and per-block copy unit.
	BlockSize = 256
	// SegmentSize is the default back-arena allocation and whole-segment
	// copy unit.
	SegmentSize = 2 << 20
	// CacheLineSize is used to pad state vectors and align per-thread
	// buffers, matching the teacher's 64B alignment discipline for
	// per-thread structures.
	CacheLineSize = 64
	// HugePageSize is the alignment granularity for the header region.
	HugePageSize = 2 << 20
	// BlocksPerSegment is the number of blocks in one segment at the
	// default sizes.
	BlocksPerSegment = SegmentSize / BlockSize
)

// Readn reads n little-endian bytes from a starting at off and returns the
// value as a uint64. It panics if the requested region is out of bounds or
// the size is unsupported.
func Readn(a []byte, n int, off int) uint64 {
	if off < 0 || off+n > len(a) {
		panic("layout: Readn out of bounds")
	}
	p := unsafe.Pointer(&a[off])
	switch n {
	case 8:
		return *(*uint64)(p)
	case 4:
		return uint64(*(*uint32)(p))
	case 2:
		return uint64(*(*uint16)(p))
	case 1:
		return uint64(*(*uint8)(p))
	default:
		panic("layout: unsupported field size")
	}
}

// Writen writes val using sz little-endian bytes into a starting at off. It
// panics if the destination is out of bounds or the size is unsupported.
func Writen(a []byte, sz int, off int, val uint64) {
	if off < 0 || off+sz > len(a) {
		panic("layout: Writen out of bounds")
	}
	p := unsafe.Pointer(&a[off])
	switch sz {
	case 8:
		*(*uint64)(p) = val
	case 4:
		*(*uint32)(p) = uint32(val)
	case 2:
		*(*uint16)(p) = uint16(val)
	case 1:
		*(*uint8)(p) = uint8(val)
	default:
		panic("layout: unsupported field size")
	}
}

// BlockOf returns the block id containing the given heap-relative offset.
func BlockOf[T Int](off T) T { return off / BlockSize }

// SegmentOf returns the segment id containing the given heap-relative
// offset.
func SegmentOf[T Int](off T) T { return off / SegmentSize }

// SegmentOfBlock returns the segment id that owns blockID.
func SegmentOfBlock[T Int](blockID T) T { return blockID / BlocksPerSegment }
