package pmem

import (
	"fmt"
	"os"
)

// WBInvdDevicePath is the character device the global-flush kernel module
// exposes (spec §6): a zero-length write() invokes wbinvd_on_all_cpus on
// the host. It is an external collaborator — CRPM only opens and writes to
// it, the same contract the reference engine's GlobalFlush wraps.
const WBInvdDevicePath = "/dev/global_flush"

// WBInvd represents the open global-flush device handle.
type WBInvd struct {
	f *os.File
}

// OpenWBInvd opens the global-flush device. Its absence is fatal for any
// engine configuration that relies on WBINVD mode (spec §6): the caller
// should only call this lazily, on first use, as the teacher's
// write-back path does.
func OpenWBInvd() (*WBInvd, error) {
	f, err := os.OpenFile(WBInvdDevicePath, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("pmem: wbinvd device unavailable: %w", err)
	}
	return &WBInvd{f: f}, nil
}

// WBInvdAll triggers a global cache writeback-and-invalidate across every
// CPU, used in WBINVD mode when per-block flushing would cost more than
// one global flush (spec §4.1, §4.5 mode selection).
func (w *WBInvd) WBInvdAll() error {
	_, err := w.f.Write(nil)
	return err
}

// Close releases the device handle.
func (w *WBInvd) Close() error { return w.f.Close() }
