// Package shadow implements the back-slot allocation sweep spec §4.5
// describes and every Engine variant's ensureBackSegment needs: find an
// eligible back segment to bind to a newly-dirtied main segment, reusing one
// already bound to a segment whose data the round in progress does not need
// any more, or reporting that none exists so the caller can abort. Grounded
// on original_source/runtime/src/engines/hybrid_inst_engine.cpp's
// find_back_segment/allocate_back_segment, which scan the back-to-main table
// starting from a persistent cursor rather than handing out slots in a fixed
// round-robin regardless of what they still hold.
package shadow

import "crpm/image"

// Find scans up to nrBack back segments, starting at *cursor, for one
// eligible to be bound to a freshly-dirtied main segment. A slot is eligible
// if it is unbound, or if it is bound to a main segment that (a) dirtyNow
// reports is not part of the round currently being written back, and (b) is
// not itself sitting in image.Back — the committed state that means this
// back segment is the sole surviving copy of that main segment's last
// checkpoint. Reusing a Back-state slot would silently destroy the only
// durable copy of whatever it is bound to, exactly the corruption spec §4.5's
// "never silently discard an update" property forbids; a slot bound to
// Initial, Main, or Identical holds nothing that cannot be reconstructed or
// is not already safely duplicated in the main arena, so reclaiming it only
// discards a stale pre-image or forward shadow nobody needs any more.
//
// *cursor always advances past every slot visited (found or not), so the
// next call resumes the sweep rather than re-checking the same prefix.
// Find reports ok=false only after a full sweep of all nrBack slots turns up
// nothing eligible — the caller must treat that as OutOfShadow and abort,
// spec §4.5's fatal path (testable property S6).
func Find(img *image.Image, nrBack uint64, cursor *uint64, dirtyNow func(mainID uint64) bool) (backID uint64, ok bool) {
	for i := uint64(0); i < nrBack; i++ {
		candidate := *cursor % nrBack
		*cursor = *cursor + 1

		mainID := img.BackToMain(candidate)
		if mainID == image.NullSegment {
			return candidate, true
		}
		if dirtyNow(mainID) {
			continue
		}
		if img.GetSegmentState(mainID) == image.Back {
			continue
		}
		return candidate, true
	}
	return 0, false
}
