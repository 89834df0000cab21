package softdirty_test

import (
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"crpm/engine"
	"crpm/engine/softdirty"
	"crpm/internal/layout"
)

func requirePagemap(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/proc/self/pagemap"); err != nil {
		t.Skipf("soft-dirty tracing unavailable in this environment: %v", err)
	}
}

func TestCheckpointPersistsSoftDirtyPage(t *testing.T) {
	requirePagemap(t)
	path := filepath.Join(t.TempDir(), "heap.img")
	opts := engine.Options{
		Path:                 path,
		Capacity:             4 * layout.SegmentSize,
		Create:               true,
		ShadowCapacityFactor: 1,
	}
	e, err := softdirty.Open(opts)
	require.NoError(t, err)
	defer e.Close()

	msg := []byte("soft-dirty-bytes")
	dst := unsafe.Slice((*byte)(e.Address(0)), len(msg))
	copy(dst, msg)

	require.NoError(t, e.Checkpoint(1, 0))
	require.True(t, e.ExistSnapshot())
}

func TestAttributesRoundTrip(t *testing.T) {
	requirePagemap(t)
	path := filepath.Join(t.TempDir(), "heap.img")
	opts := engine.Options{Path: path, Capacity: 2 * layout.SegmentSize, Create: true, ShadowCapacityFactor: 1}
	e, err := softdirty.Open(opts)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.SetAttributes(0x1234))
	require.Equal(t, uint32(0x1234), e.Attributes())
}
