package pmem

import "sync/atomic"

// storeFence issues an atomic read-modify-write on word. On every
// architecture Go supports as a checkpoint-engine target (amd64, arm64),
// the instruction backing atomic.AddUint64 is a full hardware memory
// barrier, giving the same ordering spec §4.1's store_fence requires
// without needing a cgo or assembly MFENCE/DMB intrinsic.
func storeFence(word *uint64) {
	atomic.AddUint64(word, 0)
}
