package pool_test

import (
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"crpm/internal/layout"
	"crpm/pool"
	"crpm/stats"
)

// requirePagemap skips soft-dirty-bit tests in sandboxes that don't expose
// /proc/self/pagemap (e.g. unprivileged containers).
func requirePagemap(t *testing.T) {
	t.Helper()
	if _, err := os.Open("/proc/self/pagemap"); err != nil {
		t.Skipf("pagemap unavailable: %v", err)
	}
}

func openTestPool(t *testing.T, engineName string) *pool.Pool {
	t.Helper()
	opts := pool.Options{
		EngineName: engineName,
		Capacity:   4 * layout.SegmentSize,
		Create:     true,
	}
	if engineName != "noop" {
		opts.Path = filepath.Join(t.TempDir(), "pool.img")
	}
	p, err := pool.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestAllocSetRootVerifyRoundTrip(t *testing.T) {
	for _, engineName := range []string{"instrumented", "mprotect", "softdirty", "undolog", "noop"} {
		t.Run(engineName, func(t *testing.T) {
			if engineName == "softdirty" {
				requirePagemap(t)
			}
			p := openTestPool(t, engineName)

			addr := p.Alloc()
			require.NotNil(t, addr)
			require.NoError(t, p.SetRoot(0, addr))

			msg := []byte("consistency check payload")
			buf := unsafe.Slice((*byte)(addr), len(msg))
			copy(buf, msg)
			p.AnnotateCheckpointRegion(addr, len(msg))

			require.NoError(t, p.Checkpoint(1))
			if engineName != "noop" {
				require.True(t, p.ExistSnapshot())
			}

			got := p.GetRoot(0)
			require.Equal(t, addr, got)
			require.True(t, p.Verify(0, msg))
			require.False(t, p.Verify(0, []byte("wrong payload data")))
		})
	}
}

func TestAllocFreeReportsBlockCounts(t *testing.T) {
	p := openTestPool(t, "noop")
	total := p.NrBlocks()
	require.Equal(t, total, p.NrFree())

	addr := p.Alloc()
	require.NotNil(t, addr)
	require.Equal(t, total-1, p.NrFree())

	p.Free(addr)
	require.Equal(t, total, p.NrFree())
}

func TestUnknownEngineNameRejected(t *testing.T) {
	_, err := pool.Open(pool.Options{EngineName: "bogus", Capacity: layout.SegmentSize, Create: true})
	require.Error(t, err)
}

func TestDefaultPoolShims(t *testing.T) {
	p := openTestPool(t, "noop")
	pool.SetDefaultPool(p)

	addr := pool.Alloc()
	require.NotNil(t, addr)
	pool.Free(addr)
}

func TestGetRootOnUnsetSlotIsNil(t *testing.T) {
	p := openTestPool(t, "noop")
	require.Nil(t, p.GetRoot(1))
}

func TestReopenRecoversRootAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.img")
	opts := pool.Options{EngineName: "instrumented", Capacity: 4 * layout.SegmentSize, Path: path}

	opts.Create = true
	p1, err := pool.Open(opts)
	require.NoError(t, err)

	addr := p1.Alloc()
	require.NotNil(t, addr)
	require.NoError(t, p1.SetRoot(0, addr))
	msg := []byte("durable across restart")
	copy(unsafe.Slice((*byte)(addr), len(msg)), msg)
	p1.AnnotateCheckpointRegion(addr, len(msg))
	require.NoError(t, p1.Checkpoint(1))
	require.NoError(t, p1.Close())

	opts.Create = false
	p2, err := pool.Open(opts)
	require.NoError(t, err)
	defer p2.Close()

	require.True(t, p2.ExistSnapshot())
	require.True(t, p2.Verify(0, msg))
}

func TestStatsTracksAllocFailureAndCheckpoints(t *testing.T) {
	counters := &stats.Counters{}
	p, err := pool.Open(pool.Options{
		EngineName: "noop",
		Capacity:   layout.BlockSize,
		Create:     true,
		Counters:   counters,
	})
	require.NoError(t, err)
	defer p.Close()

	require.NotNil(t, p.Alloc())
	require.Nil(t, p.Alloc(), "heap of one block should be exhausted")
	require.NoError(t, p.Checkpoint(1))

	require.Same(t, counters, p.Stats())
	require.Equal(t, int64(1), counters.AllocFailures.Load())
	require.Equal(t, int64(1), counters.ChecksCommitted.Load())
	require.Contains(t, stats.Report(counters), "AllocFailures: 1")
}

func TestDiagnoseReportsDirtySegmentsForInstrumentedEngine(t *testing.T) {
	p := openTestPool(t, "instrumented")

	addr := p.Alloc()
	require.NotNil(t, addr)
	copy(unsafe.Slice((*byte)(addr), 4), []byte("boom"))
	p.AnnotateCheckpointRegion(addr, 4)

	prof := p.Diagnose()
	require.NotEmpty(t, prof.Sample)
}

func TestDiagnoseOnNoopEngineIsEmpty(t *testing.T) {
	p := openTestPool(t, "noop")
	prof := p.Diagnose()
	require.Empty(t, prof.Sample)
}

func TestLazyWritebackCheckpointSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.img")
	opts := pool.Options{
		EngineName:    "instrumented",
		Capacity:      4 * layout.SegmentSize,
		Path:          path,
		Create:        true,
		LazyWriteback: true,
	}
	p1, err := pool.Open(opts)
	require.NoError(t, err)

	addr := p1.Alloc()
	require.NotNil(t, addr)
	require.NoError(t, p1.SetRoot(0, addr))
	msg := []byte("lazy writeback survives a restart")
	copy(unsafe.Slice((*byte)(addr), len(msg)), msg)
	p1.AnnotateCheckpointRegion(addr, len(msg))
	require.NoError(t, p1.Checkpoint(1))
	p1.WaitForBackgroundTask()
	require.NoError(t, p1.Close())

	opts.Create = false
	p2, err := pool.Open(opts)
	require.NoError(t, err)
	defer p2.Close()

	require.True(t, p2.ExistSnapshot())
	require.True(t, p2.Verify(0, msg))
}
