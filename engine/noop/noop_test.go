package noop_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"crpm/engine"
	"crpm/engine/noop"
)

func TestReadWriteWorkingHeap(t *testing.T) {
	e, err := noop.Open(engine.Options{Capacity: 4096})
	require.NoError(t, err)
	defer e.Close()

	msg := []byte("scratch")
	dst := unsafe.Slice((*byte)(e.Address(0)), len(msg))
	copy(dst, msg)
	require.Equal(t, msg, dst)
}

func TestCheckpointIsNoopAndNeverSnapshots(t *testing.T) {
	e, err := noop.Open(engine.Options{Capacity: 4096})
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Checkpoint(1, 0))
	require.False(t, e.ExistSnapshot())
}

func TestRejectsNonPositiveCapacity(t *testing.T) {
	_, err := noop.Open(engine.Options{Capacity: 0})
	require.Error(t, err)
}
