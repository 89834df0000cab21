package image

import (
	"encoding/binary"
	"errors"
	"unsafe"

	"github.com/dchest/siphash"

	"crpm/crpmerr"
)

// parityKey0/parityKey1 key the SipHash-2-4 MAC protecting the committed
// segment-state vector. A fixed key is sufficient here: the MAC is a
// corruption detector for a single local image, not a cross-party integrity
// proof, so there is no adversary to key against.
const (
	parityKey0 uint64 = 0x636b2f72706d7263 // "crmpr/kc" in little-endian byte order
	parityKey1 uint64 = 0x6d2f6b3170617269 // "irap1k/m" in little-endian byte order
)

// StampParity computes a SipHash-2-4 MAC over the currently authoritative
// segment-state vector and writes it into the first parity slot.
// engine/instrumented opened with Options.EnableParity calls this right
// after each checkpoint's CommitSegmentStateUpdate (the other variants do
// not), so corruption of the state vector between
// commits is detectable even without a SIGBUS (the supplemented
// media-checksum feature from SPEC_FULL.md).
func (img *Image) StampParity() error {
	bi := img.CommittedEpoch() & 1
	mac := siphash.Hash(parityKey0, parityKey1, img.segmentState[bi])
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], mac)
	copy(img.parityMemory[:8], buf[:])
	return img.region.Flush(unsafe.Pointer(&img.parityMemory[0]), 8)
}

// VerifyParity recomputes the MAC over the authoritative segment-state
// vector and compares it against the stamped value. A mismatch is returned
// as a crpmerr.MagicMismatch error rather than a panic; an unstamped (zero)
// slot is not checked. No Open path in this module calls it.
func (img *Image) VerifyParity() error {
	if len(img.parityMemory) < 8 {
		return nil
	}
	bi := img.CommittedEpoch() & 1
	want := binary.LittleEndian.Uint64(img.parityMemory[:8])
	got := siphash.Hash(parityKey0, parityKey1, img.segmentState[bi])
	if want != 0 && want != got {
		return crpmerr.New(crpmerr.MagicMismatch, "", errMediaChecksum)
	}
	return nil
}

var errMediaChecksum = errors.New("segment-state parity mismatch")
