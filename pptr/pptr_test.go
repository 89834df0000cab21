package pptr_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crpm/pptr"
)

func TestNullRoundTrip(t *testing.T) {
	var slot pptr.Pptr
	slot = pptr.Of(&slot, (*int)(nil))
	assert.True(t, slot.IsNull())
	assert.Nil(t, slot.To(unsafe.Pointer(&slot)))
}

func TestOffsetRoundTripForward(t *testing.T) {
	var arr [8]int64
	var slot pptr.Pptr
	target := &arr[5]
	slot = pptr.Offset(unsafe.Pointer(&slot), unsafe.Pointer(target))
	require.True(t, slot.IsValid())
	require.False(t, slot.IsNull())
	got := (*int64)(slot.To(unsafe.Pointer(&slot)))
	assert.Same(t, target, got)
}

func TestOffsetRoundTripBackward(t *testing.T) {
	type holder struct {
		before int64
		slot   pptr.Pptr
	}
	h := &holder{}
	h.slot = pptr.Offset(unsafe.Pointer(&h.slot), unsafe.Pointer(&h.before))
	require.True(t, h.slot.IsValid())
	got := (*int64)(h.slot.To(unsafe.Pointer(&h.slot)))
	assert.Same(t, &h.before, got)
}

func TestStampRoundTrip(t *testing.T) {
	var x int
	var slot pptr.Pptr
	slot = pptr.Offset(unsafe.Pointer(&slot), unsafe.Pointer(&x)).WithStamp(0x7a)
	assert.Equal(t, uint8(0x7a), slot.Stamp())
	assert.True(t, slot.IsValid())
	assert.Same(t, &x, (*int)(slot.To(unsafe.Pointer(&slot))))
}

func TestAtomicPptrCompareAndSwap(t *testing.T) {
	var a, b int
	var ap pptr.AtomicPptr
	self := unsafe.Pointer(&ap)
	ap.Store(self, unsafe.Pointer(&a))

	ok := ap.CompareAndSwap(self, unsafe.Pointer(&a), unsafe.Pointer(&b))
	assert.True(t, ok)
	assert.Same(t, &b, (*int)(ap.Load(self)))

	ok = ap.CompareAndSwap(self, unsafe.Pointer(&a), unsafe.Pointer(&b))
	assert.False(t, ok, "stale expected value must fail the CAS")
}

func TestAtomicStampedPptrABA(t *testing.T) {
	var a, b int
	var sp pptr.AtomicStampedPptr
	self := unsafe.Pointer(&sp)
	sp.Store(self, unsafe.Pointer(&a), 0)

	ok := sp.CompareAndSwapStrong(self, unsafe.Pointer(&a), 0, unsafe.Pointer(&b), 1)
	require.True(t, ok)

	got, stamp := sp.Load(self)
	assert.Same(t, &b, (*int)(got))
	assert.Equal(t, uint8(1), stamp)

	// Same pointer, stale stamp must be rejected.
	ok = sp.CompareAndSwapStrong(self, unsafe.Pointer(&b), 0, unsafe.Pointer(&a), 2)
	assert.False(t, ok)
}
