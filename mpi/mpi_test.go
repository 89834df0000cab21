package mpi_test

import (
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"

	"crpm/crpmerr"
	"crpm/internal/layout"
	"crpm/mpi"
	"crpm/pool"
)

// fakeComm is a single-rank Communicator stub whose MinEpoch answer is
// fixed ahead of time, used to exercise mpi.Open's epoch-reconciliation
// ordering without standing up a second real rank.
type fakeComm struct {
	min    uint64
	minErr error
}

func (f *fakeComm) Rank() int                       { return 1 }
func (f *fakeComm) Size() int                       { return 2 }
func (f *fakeComm) Barrier() error                  { return nil }
func (f *fakeComm) MinEpoch(uint64) (uint64, error) { return f.min, f.minErr }
func (f *fakeComm) Close() error                    { return nil }

// freeTCPAddr opens a listener just to reserve a free port, then closes it
// immediately so ListenTCP can rebind the same address.
func freeTCPAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func twoRankComms(t *testing.T) (mpi.Communicator, mpi.Communicator) {
	t.Helper()
	addr := freeTCPAddr(t)

	var coordinator mpi.Communicator
	var coordErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		coordinator, coordErr = mpi.ListenTCP(addr, 2)
	}()

	time.Sleep(20 * time.Millisecond) // give ListenTCP time to bind before dialing
	peer, err := mpi.DialTCP(1, 2, addr, time.Second)
	require.NoError(t, err)

	wg.Wait()
	require.NoError(t, coordErr)
	return coordinator, peer
}

func TestBarrierReleasesBothRanks(t *testing.T) {
	coordinator, peer := twoRankComms(t)
	defer coordinator.Close()
	defer peer.Close()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); errs[0] = coordinator.Barrier() }()
	go func() { defer wg.Done(); errs[1] = peer.Barrier() }()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
}

func TestMinEpochReducesAcrossRanks(t *testing.T) {
	coordinator, peer := twoRankComms(t)
	defer coordinator.Close()
	defer peer.Close()

	var wg sync.WaitGroup
	var minA, minB uint64
	var errA, errB error
	wg.Add(2)
	go func() { defer wg.Done(); minA, errA = coordinator.MinEpoch(7) }()
	go func() { defer wg.Done(); minB, errB = peer.MinEpoch(3) }()
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)
	require.Equal(t, uint64(3), minA)
	require.Equal(t, uint64(3), minB)
}

func TestProtectAndCheckpointRoundTripSoloRank(t *testing.T) {
	addr := freeTCPAddr(t)
	comm, err := mpi.ListenTCP(addr, 1) // solo rank: no peers to accept
	require.NoError(t, err)

	p, err := mpi.Open(pool.Options{
		EngineName: "instrumented",
		Path:       filepath.Join(t.TempDir(), "mpi.img"),
		Capacity:   4 * layout.SegmentSize,
		Create:     true,
	}, comm)
	require.NoError(t, err)
	defer p.Close()

	runtimeBuf := make([]byte, 64)
	copy(runtimeBuf, []byte("hello from the mutator"))

	require.NoError(t, p.Protect(0, unsafe.Pointer(&runtimeBuf[0]), len(runtimeBuf)))
	require.NoError(t, p.Checkpoint(1))

	persist := p.Underlying().GetRoot(0)
	require.NotNil(t, persist)
	require.True(t, p.Underlying().Verify(0, runtimeBuf))
}

func TestOpenRollsCommittedEpochBackBeforeRecovery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mpi.img")
	opts := pool.Options{
		EngineName: "instrumented",
		Path:       path,
		Capacity:   4 * layout.SegmentSize,
	}

	opts.Create = true
	p1, err := pool.Open(opts)
	require.NoError(t, err)

	addr := p1.Alloc()
	require.NotNil(t, addr)
	require.NoError(t, p1.SetRoot(0, addr))
	msg := []byte("ahead rank data")
	copy(unsafe.Slice((*byte)(addr), len(msg)), msg)
	p1.AnnotateCheckpointRegion(addr, len(msg))
	require.NoError(t, p1.Checkpoint(1))
	require.NoError(t, p1.Checkpoint(1)) // second round has nothing dirty: no commit, local epoch stays 1
	require.Equal(t, uint64(1), p1.Epoch())
	require.NoError(t, p1.Close())

	opts.Create = false
	comm := &fakeComm{min: 0} // a peer that never checkpointed
	mp, err := mpi.Open(opts, comm)
	require.NoError(t, err)
	defer mp.Close()

	require.Equal(t, uint64(1), mp.Underlying().Epoch(),
		"committed epoch must be rolled back to the communicator minimum (0) before recovery's own commit advanced it")
	require.True(t, mp.Underlying().Verify(0, msg),
		"recovery must still reconstruct the last checkpoint after the epoch rollback")
}

func TestOpenRejectsRankTooFarAheadOfCommunicatorMinimum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mpi.img")
	opts := pool.Options{
		EngineName: "instrumented",
		Path:       path,
		Capacity:   4 * layout.SegmentSize,
	}

	opts.Create = true
	p1, err := pool.Open(opts)
	require.NoError(t, err)
	addr := p1.Alloc()
	require.NotNil(t, addr)
	p1.AnnotateCheckpointRegion(addr, layout.BlockSize)
	require.NoError(t, p1.Checkpoint(1))
	p1.AnnotateCheckpointRegion(addr, layout.BlockSize)
	require.NoError(t, p1.Checkpoint(1))
	require.NoError(t, p1.Close())

	opts.Create = false
	comm := &fakeComm{min: 0}
	_, err = mpi.Open(opts, comm)
	require.Error(t, err)
	require.True(t, crpmerr.Is(err, crpmerr.MPIEpochSkew))
}

func TestRankAndSize(t *testing.T) {
	coordinator, peer := twoRankComms(t)
	defer coordinator.Close()
	defer peer.Close()

	require.Equal(t, 0, coordinator.Rank())
	require.Equal(t, 2, coordinator.Size())
	require.Equal(t, 1, peer.Rank())
	require.Equal(t, 2, peer.Size())
}
