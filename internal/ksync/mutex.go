package ksync

import (
	"sync/atomic"
)

// Mutex is a mutual-exclusion lock with adaptive spinning. Contended
// lockers spin per the SpinConfig, then register on the waiter event and
// block the task. Fairness is not guaranteed; starvation is bounded by the
// yields the scheduler tick inserts.
type Mutex struct {
	state   atomic.Uint32
	waiters Event

	cfg *SpinConfig

	stats MutexStats
}

// MutexStats counts lock operations for diagnostics.
type MutexStats struct {
	// Locks is the number of successful acquisitions (Lock,
	// LockInterruptible and TryLock).
	Locks uint64
	// SpinIters is the number of busy spin iterations spent.
	SpinIters uint64
	// Blocks is the number of times a locker blocked.
	Blocks uint64
}

// NewMutex returns a mutex with the default spin configuration.
func NewMutex() *Mutex { return &Mutex{} }

// NewMutexWithConfig returns a mutex with a fixed spin configuration.
func NewMutexWithConfig(cfg SpinConfig) *Mutex { return &Mutex{cfg: &cfg} }

func (m *Mutex) spinConfig() SpinConfig {
	if m.cfg != nil {
		return *m.cfg
	}
	return DefaultSpinConfig()
}

// TryLock acquires the mutex without blocking.
func (m *Mutex) TryLock() bool {
	if m.state.CompareAndSwap(0, 1) {
		atomic.AddUint64(&m.stats.Locks, 1)
		return true
	}
	return false
}

// Lock acquires the mutex, blocking the current task on contention.
func (m *Mutex) Lock() {
	if err := m.lock(false); err != nil {
		panic("ksync: uninterruptible lock interrupted")
	}
}

// LockInterruptible acquires the mutex, aborting with ErrInterrupted when
// the current task's interrupt flag fires while waiting.
func (m *Mutex) LockInterruptible() error {
	return m.lock(true)
}

func (m *Mutex) lock(interruptible bool) error {
	for {
		if m.state.CompareAndSwap(0, 1) {
			atomic.AddUint64(&m.stats.Locks, 1)
			return nil
		}

		s := newSpin(m.spinConfig())
		acquired := false
		for s.next() {
			if m.state.CompareAndSwap(0, 1) {
				acquired = true
				break
			}
		}
		atomic.AddUint64(&m.stats.SpinIters, s.iters)
		if acquired {
			atomic.AddUint64(&m.stats.Locks, 1)
			return nil
		}

		l := m.waiters.Listen()
		if m.state.Load() == 0 {
			// Freed while registering; retry immediately.
			l.Cancel()
			continue
		}
		atomic.AddUint64(&m.stats.Blocks, 1)
		if interruptible {
			if err := l.WaitInterruptible(); err != nil {
				return err
			}
		} else {
			l.Wait()
		}
	}
}

// Unlock releases the mutex and wakes one waiter.
func (m *Mutex) Unlock() {
	m.state.Store(0)
	m.waiters.Notify(1)
}

// Stats returns a snapshot of the counters.
func (m *Mutex) Stats() MutexStats {
	return MutexStats{
		Locks:     atomic.LoadUint64(&m.stats.Locks),
		SpinIters: atomic.LoadUint64(&m.stats.SpinIters),
		Blocks:    atomic.LoadUint64(&m.stats.Blocks),
	}
}
