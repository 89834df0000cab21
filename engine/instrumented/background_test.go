package instrumented

import (
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"crpm/engine"
	"crpm/image"
	"crpm/internal/layout"
)

// openLazy returns a two-segment engine with LazyWriteback enabled, used to
// exercise compactQuiescentSegments without reaching into unexported state
// from outside the package.
func openLazy(t *testing.T) *Engine {
	t.Helper()
	opts := engine.Options{
		Path:                 filepath.Join(t.TempDir(), "heap.img"),
		Capacity:             2 * layout.SegmentSize,
		Create:               true,
		ShadowCapacityFactor: 1,
		LazyWriteback:        true,
	}
	e, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestLazyWritebackPromotesQuiescentSegmentToIdentical(t *testing.T) {
	e := openLazy(t)

	// Round 1 touches segment 0 only; it stays Back since it was this
	// round's own commit, not a quiescent leftover.
	msg := []byte("lazy-writeback-target")
	addr0 := e.Address(0)
	copy(unsafe.Slice((*byte)(addr0), len(msg)), msg)
	e.HookStore(addr0, len(msg))
	require.NoError(t, e.Checkpoint(1, 0))
	e.WaitForBackgroundTask()
	require.Equal(t, image.Back, e.img.GetSegmentState(0))

	// Round 2 touches segment 1 instead; segment 0 is now quiescent and
	// should be promoted to Identical in the background.
	addr1 := e.Address(int64(layout.SegmentSize))
	copy(unsafe.Slice((*byte)(addr1), len(msg)), msg)
	e.HookStore(addr1, len(msg))
	require.NoError(t, e.Checkpoint(1, 0))
	e.WaitForBackgroundTask()

	require.Equal(t, image.Identical, e.img.GetSegmentState(0))

	main := e.img.MainSegment(0)
	backID := e.img.MainToBack(0)
	require.NotEqual(t, image.NullSegment, backID)
	require.Equal(t, e.img.BackSegment(backID)[:len(msg)], main[:len(msg)])
}

func TestWithoutLazyWritebackSegmentStaysBack(t *testing.T) {
	opts := engine.Options{
		Path:                 filepath.Join(t.TempDir(), "heap.img"),
		Capacity:             2 * layout.SegmentSize,
		Create:               true,
		ShadowCapacityFactor: 1,
	}
	e, err := Open(opts)
	require.NoError(t, err)
	defer e.Close()

	msg := []byte("eager-only")
	addr := e.Address(0)
	copy(unsafe.Slice((*byte)(addr), len(msg)), msg)
	e.HookStore(addr, len(msg))

	require.NoError(t, e.Checkpoint(1, 0))
	e.WaitForBackgroundTask() // no-op: background was never started

	require.Equal(t, image.Back, e.img.GetSegmentState(0))
}

func TestWaitForBackgroundTaskWithoutAnyCheckpointReturnsImmediately(t *testing.T) {
	e := openLazy(t)
	e.WaitForBackgroundTask()
}

// TestConsecutiveCheckpointsOfSameSegmentAlternateCommitDirection exercises
// two checkpoints in a row of the very same segment: the first commit has
// nowhere authoritative yet, so it lands in Back; since that makes Back the
// sole durable copy, the second commit of the same segment must flip to
// Main rather than reusing Back again, which would otherwise leave a window
// where neither side holds a complete, committed image during the copy.
func TestConsecutiveCheckpointsOfSameSegmentAlternateCommitDirection(t *testing.T) {
	opts := engine.Options{
		Path:                 filepath.Join(t.TempDir(), "heap.img"),
		Capacity:             2 * layout.SegmentSize,
		Create:               true,
		ShadowCapacityFactor: 1,
	}
	e, err := Open(opts)
	require.NoError(t, err)
	defer e.Close()

	addr := e.Address(0)

	first := []byte("round-one-payload")
	copy(unsafe.Slice((*byte)(addr), len(first)), first)
	e.HookStore(addr, len(first))
	require.NoError(t, e.Checkpoint(1, 0))
	require.Equal(t, image.Back, e.img.GetSegmentState(0),
		"first checkpoint of a never-committed segment has no authoritative copy yet and must land in Back")

	second := []byte("round-two-payload")
	copy(unsafe.Slice((*byte)(addr), len(second)), second)
	e.HookStore(addr, len(second))
	require.NoError(t, e.Checkpoint(1, 0))
	require.Equal(t, image.Main, e.img.GetSegmentState(0),
		"second checkpoint of the same segment must alternate to Main, since Back already holds the only durable copy")

	main := e.img.MainSegment(0)
	require.Equal(t, second, main[:len(second)])
}
