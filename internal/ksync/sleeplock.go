package ksync

import "sync/atomic"

// SleepLock is a blocking mutual exclusion lock for long-held sections that
// span slow operations (device I/O). A contending goroutine suspends on the
// channel instead of spinning.
//
// Goroutines carry no identity, so Held reports "locked by someone", not
// "locked by me". The contract checks built on it catch release-without-
// acquire deterministically, which is the fatal path that matters.
type SleepLock struct {
	ch   chan struct{}
	held atomic.Bool
}

// NewSleepLock returns an unlocked SleepLock.
func NewSleepLock() *SleepLock {
	return &SleepLock{ch: make(chan struct{}, 1)}
}

// Acquire blocks until the lock is held. There is no timeout and no
// cancellation; acquisition relies on every holder eventually releasing.
func (l *SleepLock) Acquire() {
	l.ch <- struct{}{}
	l.held.Store(true)
}

// Release unlocks. Releasing a lock that is not held panics.
func (l *SleepLock) Release() {
	if !l.held.Load() {
		panic("ksync: release of unheld SleepLock")
	}
	l.held.Store(false)
	<-l.ch
}

// Held reports whether the lock is currently held.
func (l *SleepLock) Held() bool {
	return l.held.Load()
}
