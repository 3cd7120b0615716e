package ksync

import (
	"sync/atomic"
)

// Semaphore is a counting semaphore.
//
// Release may hand out more permits than the semaphore started with;
// callers are responsible for balancing acquire and release.
type Semaphore struct {
	count atomic.Int64
	event Event
}

// NewSemaphore returns a semaphore holding the given number of permits.
func NewSemaphore(permits int) *Semaphore {
	s := &Semaphore{}
	s.count.Store(int64(permits))
	return s
}

// Acquire takes a permit, blocking until one is available.
func (s *Semaphore) Acquire() {
	for {
		count := s.count.Load()
		if count == 0 {
			l := s.event.Listen()
			if s.count.Load() == 0 {
				l.Wait()
			} else {
				l.Cancel()
			}
			continue
		}
		if s.count.CompareAndSwap(count, count-1) {
			return
		}
	}
}

// AcquireInterruptible takes a permit, aborting with ErrInterrupted when
// the current task's interrupt flag fires while waiting.
func (s *Semaphore) AcquireInterruptible() error {
	for {
		count := s.count.Load()
		if count == 0 {
			l := s.event.Listen()
			if s.count.Load() == 0 {
				if err := l.WaitInterruptible(); err != nil {
					return err
				}
			} else {
				l.Cancel()
			}
			continue
		}
		if s.count.CompareAndSwap(count, count-1) {
			return nil
		}
	}
}

// TryAcquire takes a permit without blocking. Retries are bounded to keep
// transient CAS failures from spinning unboundedly.
func (s *Semaphore) TryAcquire() bool {
	const maxRetries = 10
	for i := 0; i < maxRetries; i++ {
		count := s.count.Load()
		if count == 0 {
			return false
		}
		if s.count.CompareAndSwap(count, count-1) {
			return true
		}
	}
	return false
}

// Release returns a permit and wakes one waiter.
func (s *Semaphore) Release() {
	s.count.Add(1)
	s.event.Notify(1)
}

// AvailablePermits returns the current permit count.
func (s *Semaphore) AvailablePermits() int {
	return int(s.count.Load())
}

// AcquireGuard takes a permit and returns a releaser for defer.
func (s *Semaphore) AcquireGuard() *SemaphoreGuard {
	s.Acquire()
	return &SemaphoreGuard{sem: s}
}

// SemaphoreGuard releases its permit exactly once.
type SemaphoreGuard struct {
	sem      *Semaphore
	released atomic.Bool
}

// Release returns the permit; further calls are no-ops.
func (g *SemaphoreGuard) Release() {
	if g.released.CompareAndSwap(false, true) {
		g.sem.Release()
	}
}
