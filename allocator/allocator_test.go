package allocator_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crpm/allocator"
	"crpm/internal/layout"
)

func TestAllocBumpsWatermark(t *testing.T) {
	heap := make([]byte, 4*layout.BlockSize)
	a := allocator.New(heap)
	id0, ok := a.Alloc()
	require.True(t, ok)
	id1, ok := a.Alloc()
	require.True(t, ok)
	assert.NotEqual(t, id0, id1)
}

func TestFreeThenAllocReuses(t *testing.T) {
	heap := make([]byte, 1*layout.BlockSize)
	a := allocator.New(heap)
	id, ok := a.Alloc()
	require.True(t, ok)
	require.True(t, a.Refdown(id))

	_, ok = a.Alloc()
	require.True(t, ok, "the single block should be reusable once freed")

	_, ok = a.Alloc()
	require.False(t, ok, "heap of one block must be exhausted after the reuse")
}

func TestRefcountKeepsBlockAlive(t *testing.T) {
	heap := make([]byte, 1*layout.BlockSize)
	a := allocator.New(heap)
	id, ok := a.Alloc()
	require.True(t, ok)
	a.Refup(id)
	assert.False(t, a.Refdown(id), "first Refdown must not free a block with refcount 2")
	assert.True(t, a.Refdown(id), "second Refdown must free it")
}
