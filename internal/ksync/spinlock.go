package ksync

import (
	"runtime"
	"sync/atomic"
)

// SpinLock is a busy-wait mutual exclusion lock. It guards short,
// non-suspending critical sections (list splices, counter updates) and must
// never be held across blocking calls.
type SpinLock struct {
	state atomic.Uint32
}

// Lock spins until the lock is acquired, yielding the processor between
// attempts so contending goroutines make progress on a loaded scheduler.
func (l *SpinLock) Lock() {
	for !l.state.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

// Unlock releases the lock. Unlocking a lock that is not held is a caller
// bug and panics.
func (l *SpinLock) Unlock() {
	if !l.state.CompareAndSwap(1, 0) {
		panic("ksync: unlock of unlocked SpinLock")
	}
}
