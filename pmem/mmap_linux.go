//go:build linux

package pmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mmapFixed maps fd at exactly addr using MAP_FIXED, the only way to
// guarantee the working heap (and therefore every pptr decoded against it)
// lands at the same virtual address on every run. unix.Mmap does not expose
// a hint parameter, so the fixed-address case goes through the raw
// syscall, mirroring how other fixed-base mmap consumers in the ecosystem
// reach past the high-level wrapper for this one case.
func mmapFixed(fd int, addr, length uintptr, prot int) (uintptr, error) {
	got, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		length,
		uintptr(prot),
		uintptr(unix.MAP_SHARED|unix.MAP_FIXED),
		uintptr(fd),
		0,
	)
	if errno != 0 {
		return 0, fmt.Errorf("mmap(MAP_FIXED): %w", errno)
	}
	if got != addr {
		return 0, fmt.Errorf("mmap(MAP_FIXED) returned %#x, wanted %#x", got, addr)
	}
	return got, nil
}
