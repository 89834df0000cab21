// Package checkpoint implements C5, the multi-threaded checkpoint
// rendezvous protocol: a sense-reversing barrier and a one-shot latch used
// together so every participating thread can agree on phase boundaries
// without a leader re-entering the kernel for a mutex. Grounded bit-for-bit
// on the reference engine's Barrier struct (original_source
// runtime/include/internal/common.h).
package checkpoint

import (
	"runtime"
	"sync/atomic"
)

// MaxThreads bounds how many threads may ever call Barrier/Latch
// concurrently against one instance, matching the reference engine's fixed
// kMaxThreads-sized local_sense array.
const MaxThreads = 256

// Barrier is a sense-reversing barrier for up to MaxThreads participants.
// The zero value is ready to use.
type Barrier struct {
	counter    atomic.Int32
	flag       atomic.Int32
	localSense [MaxThreads]int32
}

// Wait blocks the calling thread (identified by threadID, in [0,n)) until
// all n participants have called Wait.
func (b *Barrier) Wait(n, threadID int) {
	b.localSense[threadID] = 1 - b.localSense[threadID]
	mySense := b.localSense[threadID]
	if b.counter.Add(1) == int32(n) {
		b.counter.Store(0)
		b.flag.Store(mySense)
		return
	}
	for b.flag.Load() != mySense {
		runtime.Gosched()
	}
}

// Latch is a one-shot rendezvous: one designated thread (usually the
// leader) calls Add once it has finished the phase's work, and every
// participant, that thread included, calls Wait to block until that Add
// has happened — used in the checkpoint protocol to let the leader publish
// "phase complete" without every follower re-entering Barrier.Wait. Any
// Add releases the round's waiters, so only the designated thread calls it.
type Latch struct {
	flag       atomic.Int32
	localSense [MaxThreads]int32
}

// Add flips the latch's flag to the caller's next sense, releasing any
// thread currently parked in Wait with the same threadID's previous sense.
func (l *Latch) Add(threadID int) {
	mySense := l.localSense[threadID]
	l.flag.Store(1 - mySense)
}

// Wait blocks until the latch's flag matches threadID's next sense, then
// advances that thread's sense for the following round.
func (l *Latch) Wait(threadID int) {
	l.localSense[threadID] = 1 - l.localSense[threadID]
	mySense := l.localSense[threadID]
	for l.flag.Load() != mySense {
		runtime.Gosched()
	}
}
