package image_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"crpm/image"
	"crpm/pmem"
)

func openFixture(t *testing.T, nrMain, nrBack uint64) *image.Image {
	t.Helper()
	path := filepath.Join(t.TempDir(), "heap.img")
	size := image.FileSize(nrMain, nrBack)
	region, err := pmem.Create(path, size, 0)
	require.NoError(t, err)
	t.Cleanup(func() { region.Close() })
	img, err := image.Create(region, nrMain, nrBack)
	require.NoError(t, err)
	return img
}

func TestCreateInitialStateIsAllInitial(t *testing.T) {
	img := openFixture(t, 4, 2)
	for i := uint64(0); i < 4; i++ {
		require.Equal(t, image.Initial, img.GetSegmentState(i))
	}
	require.Equal(t, uint64(0), img.MainToBack(0))
}

func TestBindBackSegmentIsBidirectional(t *testing.T) {
	img := openFixture(t, 4, 2)
	require.NoError(t, img.BindBackSegment(2, 0))
	require.Equal(t, uint64(2), img.BackToMain(0))
	require.Equal(t, uint64(0), img.MainToBack(2))
}

func TestRebindUnbindsPreviousMain(t *testing.T) {
	img := openFixture(t, 4, 2)
	require.NoError(t, img.BindBackSegment(1, 0))
	require.NoError(t, img.BindBackSegment(3, 0))
	require.Equal(t, image.NullSegment, img.MainToBack(1))
	require.Equal(t, uint64(0), img.MainToBack(3))
}

func TestSegmentStateCommitFlipsEpoch(t *testing.T) {
	img := openFixture(t, 4, 2)
	before := img.CommittedEpoch()
	img.BeginSegmentStateUpdate()
	img.SetSegmentState(0, image.Main)
	require.NoError(t, img.CommitSegmentStateUpdate())
	require.Equal(t, before+1, img.CommittedEpoch())
	require.Equal(t, image.Main, img.GetSegmentState(0))
}

func TestSetSegmentStateOutsideBracketPanics(t *testing.T) {
	img := openFixture(t, 4, 2)
	require.Panics(t, func() {
		img.SetSegmentState(0, image.Main)
	})
}

func TestOpenRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o644))
	region, err := pmem.Open(path, 0)
	require.NoError(t, err)
	defer region.Close()
	_, err = image.Open(region)
	require.Error(t, err)
}

func TestRecoverPropagatesAuthoritativeSide(t *testing.T) {
	img := openFixture(t, 4, 2)
	require.NoError(t, img.BindBackSegment(0, 0))
	copy(img.MainSegment(0), []byte("hello-main-segment-data"))
	img.BeginSegmentStateUpdate()
	img.SetSegmentState(0, image.Main)
	require.NoError(t, img.CommitSegmentStateUpdate())

	require.NoError(t, img.Recover(image.Identical))

	require.Equal(t, img.MainSegment(0)[:len("hello-main-segment-data")], img.BackSegment(0)[:len("hello-main-segment-data")])
	require.Equal(t, image.Identical, img.GetSegmentState(0))
}
