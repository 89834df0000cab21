package instrumented_test

import (
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"crpm/engine"
	"crpm/engine/instrumented"
	"crpm/internal/layout"
)

func TestCheckpointPersistsDirtyBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap.img")
	opts := engine.Options{
		Path:                 path,
		Capacity:             4 * layout.SegmentSize,
		Create:               true,
		ShadowCapacityFactor: 1,
	}
	e, err := instrumented.Open(opts)
	require.NoError(t, err)
	defer e.Close()

	msg := []byte("checkpoint-me")
	addr := e.Address(0)
	dst := unsafe.Slice((*byte)(addr), len(msg))
	copy(dst, msg)
	e.HookStore(addr, len(msg))

	require.NoError(t, e.Checkpoint(1, 0))
	require.True(t, e.ExistSnapshot())
}

func TestReopenRecoversLastCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap.img")
	opts := engine.Options{
		Path:                 path,
		Capacity:             4 * layout.SegmentSize,
		Create:               true,
		ShadowCapacityFactor: 1,
	}
	e1, err := instrumented.Open(opts)
	require.NoError(t, err)

	msg := []byte("durable-bytes")
	addr := e1.Address(0)
	copy(unsafe.Slice((*byte)(addr), len(msg)), msg)
	e1.HookStore(addr, len(msg))
	require.NoError(t, e1.Checkpoint(1, 0))
	require.NoError(t, e1.Close())

	opts.Create = false
	e2, err := instrumented.Open(opts)
	require.NoError(t, err)
	defer e2.Close()

	got := unsafe.Slice((*byte)(e2.Address(0)), len(msg))
	require.Equal(t, msg, got)
}

func TestAttributesRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap.img")
	opts := engine.Options{Path: path, Capacity: 2 * layout.SegmentSize, Create: true, ShadowCapacityFactor: 1}
	e, err := instrumented.Open(opts)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.SetAttributes(0xabcd))
	require.Equal(t, uint32(0xabcd), e.Attributes())
}
