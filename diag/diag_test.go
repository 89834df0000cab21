package diag_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"crpm/diag"
)

type fakeRingSource struct{ fill []int }

func (f fakeRingSource) RingFill() []int { return f.fill }

type fakeSegmentSource struct{ counts map[uint64]int }

func (f fakeSegmentSource) DirtySegmentCounts() map[uint64]int { return f.counts }

type fakeBoth struct {
	fakeRingSource
	fakeSegmentSource
}

func TestSnapshotWithNeitherInterfaceIsEmpty(t *testing.T) {
	p := diag.Snapshot("noop", struct{}{})
	require.Empty(t, p.Sample)
	require.Len(t, p.SampleType, 2)
	require.Equal(t, "engine=noop", p.Comments[0])
}

func TestSnapshotRingFillSkipsZeroEntries(t *testing.T) {
	p := diag.Snapshot("instrumented", fakeRingSource{fill: []int{0, 3, 0, 5}})
	require.Len(t, p.Sample, 2)
	require.Equal(t, int64(3), p.Sample[0].Value[0])
	require.Equal(t, int64(5), p.Sample[1].Value[0])
}

func TestSnapshotSegmentCountsAreSortedBySegmentID(t *testing.T) {
	p := diag.Snapshot("mprotect", fakeSegmentSource{counts: map[uint64]int{5: 2, 1: 9}})
	require.Len(t, p.Sample, 2)
	require.Equal(t, []string{"1"}, p.Sample[0].Label["segment"])
	require.Equal(t, int64(9), p.Sample[0].Value[1])
	require.Equal(t, []string{"5"}, p.Sample[1].Label["segment"])
	require.Equal(t, int64(2), p.Sample[1].Value[1])
}

func TestSnapshotCombinesBothSources(t *testing.T) {
	eng := fakeBoth{
		fakeRingSource:    fakeRingSource{fill: []int{4}},
		fakeSegmentSource: fakeSegmentSource{counts: map[uint64]int{0: 1}},
	}
	p := diag.Snapshot("undolog", eng)
	require.Len(t, p.Sample, 2)
}
