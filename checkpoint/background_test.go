package checkpoint_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"crpm/checkpoint"
)

func TestNewBackgroundStateIsIdle(t *testing.T) {
	b := checkpoint.NewBackground()
	require.Equal(t, checkpoint.Idle, b.State())
}

func TestBackgroundStartRunsFnAndReturnsToIdle(t *testing.T) {
	b := checkpoint.NewBackground()
	var ran atomic.Bool

	b.Start(func() { ran.Store(true) })
	b.Wait()

	require.True(t, ran.Load())
	require.Equal(t, checkpoint.Idle, b.State())
}

func TestBackgroundStartWhileOutstandingIsNoOp(t *testing.T) {
	b := checkpoint.NewBackground()
	release := make(chan struct{})
	var firstRuns, secondRuns atomic.Int32

	b.Start(func() {
		firstRuns.Add(1)
		<-release
	})

	// Give the first task a moment to actually start before the second
	// Start call observes its state.
	require.Eventually(t, func() bool { return b.State() == checkpoint.Running }, time.Second, time.Millisecond)

	b.Start(func() { secondRuns.Add(1) })
	close(release)
	b.Wait()

	require.Equal(t, int32(1), firstRuns.Load())
	require.Equal(t, int32(0), secondRuns.Load())
}

func TestBackgroundWaitWithoutStartReturnsImmediately(t *testing.T) {
	b := checkpoint.NewBackground()
	b.Wait()
}
