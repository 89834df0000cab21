package mprotect_test

import (
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"crpm/engine"
	"crpm/engine/mprotect"
	"crpm/internal/layout"
)

func TestProtectedWriteThenCheckpointPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap.img")
	opts := engine.Options{
		Path:                 path,
		Capacity:             4 * layout.SegmentSize,
		Create:               true,
		ShadowCapacityFactor: 1,
	}
	e, err := mprotect.Open(opts)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.ProtectedWrite(0, []byte("mprotect-me")))
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
	e1, err := mprotect.Open(opts)
	require.NoError(t, err)

	msg := []byte("durable-bytes")
	require.NoError(t, e1.ProtectedWrite(0, msg))
	require.NoError(t, e1.Checkpoint(1, 0))
	require.NoError(t, e1.Close())

	opts.Create = false
	e2, err := mprotect.Open(opts)
	require.NoError(t, err)
	defer e2.Close()

	got := unsafe.Slice((*byte)(e2.Address(0)), len(msg))
	require.Equal(t, msg, got)
	require.True(t, e2.ExistSnapshot())
}
