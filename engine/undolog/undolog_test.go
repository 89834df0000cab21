package undolog_test

import (
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"crpm/engine"
	"crpm/engine/undolog"
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
	e, err := undolog.Open(opts)
	require.NoError(t, err)
	defer e.Close()

	msg := []byte("undo-log-me")
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
	e1, err := undolog.Open(opts)
	require.NoError(t, err)

	msg := []byte("durable-undo-bytes")
	addr := e1.Address(0)
	copy(unsafe.Slice((*byte)(addr), len(msg)), msg)
	e1.HookStore(addr, len(msg))
	require.NoError(t, e1.Checkpoint(1, 0))
	require.NoError(t, e1.Close())

	opts.Create = false
	e2, err := undolog.Open(opts)
	require.NoError(t, err)
	defer e2.Close()

	got := unsafe.Slice((*byte)(e2.Address(0)), len(msg))
	require.Equal(t, msg, got)
}

func TestSecondCheckpointOverwritesFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap.img")
	opts := engine.Options{
		Path:                 path,
		Capacity:             4 * layout.SegmentSize,
		Create:               true,
		ShadowCapacityFactor: 1,
	}
	e, err := undolog.Open(opts)
	require.NoError(t, err)
	defer e.Close()

	first := []byte("first-checkpoint-data")
	addr := e.Address(0)
	copy(unsafe.Slice((*byte)(addr), len(first)), first)
	e.HookStore(addr, len(first))
	require.NoError(t, e.Checkpoint(1, 0))

	second := []byte("second-checkpoint-data!!")
	copy(unsafe.Slice((*byte)(addr), len(second)), second)
	e.HookStore(addr, len(second))
	require.NoError(t, e.Checkpoint(1, 0))

	got := unsafe.Slice((*byte)(e.Address(0)), len(second))
	require.Equal(t, second, got)
}
