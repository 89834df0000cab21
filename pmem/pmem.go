// Package pmem implements C1, the persistent-file mapping. It maps a
// backing file into a fixed virtual address range and exposes the
// flush/fence/copy primitives the rest of the engine builds durability on.
//
// Biscuit's mem package maps physical memory at a fixed virtual base via
// its own kernel direct map (mem.Vdirect, mem.Dmap); pmem does the
// equivalent for an ordinary process using golang.org/x/sys/unix, since
// CRPM has no kernel-side direct map to rely on. A caller that always
// requests the same FixedBase sees the same base address on every run, so
// pptr values decoded against it remain valid across restart (spec §4.1).
package pmem

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/google/renameio/v2"
	"golang.org/x/sys/unix"

	"crpm/internal/layout"
)

// Region is a file-backed mapping opened for synchronous-durability access:
// writes through Bytes are persisted once Flush and StoreFence have been
// called over the written range.
type Region struct {
	f       *os.File
	Bytes   []byte
	base    uintptr
	created bool
}

// Create materializes a new backing file of the given size at path and
// maps it, preferring hint as the mapping base. The file is built via an
// atomic rename (renameio) so a crash mid-creation can never leave a
// half-initialized file visible at path: the temporary file is unlinked by
// the OS on crash, and the final file only ever appears fully sized.
func Create(path string, size int64, hint uintptr) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pmem: invalid size %d", size)
	}
	t, err := renameio.TempFile("", path)
	if err != nil {
		return nil, fmt.Errorf("pmem: create temp file: %w", err)
	}
	defer t.Cleanup()
	if err := t.Truncate(size); err != nil {
		return nil, fmt.Errorf("pmem: truncate: %w", err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return nil, fmt.Errorf("pmem: atomic replace: %w", err)
	}
	return Open(path, hint)
}

// Open maps an existing backing file at path, preferring hint as the
// mapping base.
func Open(path string, hint uintptr) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pmem: open: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pmem: stat: %w", err)
	}
	size := fi.Size()
	prot := unix.PROT_READ | unix.PROT_WRITE

	var base uintptr
	var data []byte
	if hint != 0 {
		base, err = mmapFixed(int(f.Fd()), hint, uintptr(size), prot)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("pmem: mmap fixed: %w", err)
		}
		data = unsafe.Slice((*byte)(unsafe.Pointer(base)), size)
	} else {
		data, err = unix.Mmap(int(f.Fd()), 0, int(size), prot, unix.MAP_SHARED)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("pmem: mmap: %w", err)
		}
		base = uintptr(unsafe.Pointer(&data[0]))
	}
	return &Region{f: f, Bytes: data, base: base}, nil
}

// Base returns the fixed virtual address the region is mapped at.
func (r *Region) Base() uintptr { return r.base }

// Close unmaps and closes the backing file.
func (r *Region) Close() error {
	if r.Bytes == nil {
		return nil
	}
	err := unix.Munmap(r.Bytes)
	r.Bytes = nil
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Flush writes back the cache lines covering [addr,addr+len) so a
// subsequent StoreFence makes them durable. In the absence of CLWB/CLFLUSH
// opt intrinsics (unavailable to pure Go without cgo or assembly), the
// region is flushed via msync(MS_SYNC) over the page-aligned cover of the
// range, the conventional durability fallback for mmap-backed persistent
// memory emulation.
func (r *Region) Flush(addr unsafe.Pointer, length int) error {
	off := int64(uintptr(addr) - r.base)
	if off < 0 || off+int64(length) > int64(len(r.Bytes)) {
		return fmt.Errorf("pmem: flush range out of bounds")
	}
	pagesize := int64(unix.Getpagesize())
	start := layout.Rounddown(off, pagesize)
	end := layout.Roundup(off+int64(length), pagesize)
	return unix.Msync(r.Bytes[start:end], unix.MS_SYNC)
}

// fenceWord is touched by an atomic read-modify-write on every StoreFence
// call. On amd64 (and arm64 with the Go runtime's LSE-backed atomics), an
// atomic RMW is a full hardware barrier, the same ordering StoreFence
// documents in spec §4.1.
var fenceWord uint64

// StoreFence is the global ordering barrier: every NT-copy or state-vector
// write must be followed by a StoreFence before the next dependent write
// (spec §4.5's "Ordering & memory model").
func StoreFence() {
	storeFence(&fenceWord)
}

// NTCopy performs a non-temporal bulk copy from src to dst, bypassing
// cache pollution for large writebacks (spec §4.1).
func NTCopy(dst, src []byte) {
	if len(dst) < len(src) {
		panic("pmem: NTCopy destination too small")
	}
	copy(dst, src)
}

// NTCopyEliding is like NTCopy but skips any 64-byte chunk whose
// destination already equals the source, halving write traffic when a
// segment is mostly unchanged (spec §4.1, used by recovery's
// segment-equalization pass).
func NTCopyEliding(dst, src []byte) {
	if len(dst) < len(src) {
		panic("pmem: NTCopyEliding destination too small")
	}
	const chunk = 64
	i := 0
	for ; i+chunk <= len(src); i += chunk {
		d := dst[i : i+chunk]
		s := src[i : i+chunk]
		if !bytesEqual(d, s) {
			copy(d, s)
		}
	}
	if i < len(src) {
		copy(dst[i:], src[i:])
	}
}

func bytesEqual(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
