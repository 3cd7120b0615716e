package ksync

import (
	"sync/atomic"
)

const (
	writeLocked uint32 = 1 << 31
	maxReaders  uint32 = writeLocked - 1
)

// RwLock allows multiple readers or a single writer. The high bit of the
// state is the write lock, the low 31 bits count readers. A waiting writer
// blocks new readers, so readers cannot starve it; releasing a writer
// wakes all readers and one writer, in that order.
type RwLock struct {
	state atomic.Uint32

	// writersWaiting gates new readers while a writer queues.
	writersWaiting atomic.Int32

	writerEvent Event
	readerEvent Event
}

func (rw *RwLock) readerMustWait() bool {
	return rw.state.Load()&writeLocked != 0 || rw.writersWaiting.Load() > 0
}

// RLock acquires shared access, blocking while a writer holds or awaits
// the lock.
func (rw *RwLock) RLock() {
	for {
		if rw.readerMustWait() {
			l := rw.readerEvent.Listen()
			if rw.readerMustWait() {
				l.Wait()
			} else {
				l.Cancel()
			}
			continue
		}

		state := rw.state.Load()
		if state&writeLocked != 0 {
			continue
		}
		if state >= maxReaders {
			panic("ksync: too many readers")
		}
		if rw.state.CompareAndSwap(state, state+1) {
			return
		}
	}
}

// TryRLock acquires shared access without blocking. It fails while a
// writer holds or awaits the lock.
func (rw *RwLock) TryRLock() bool {
	if rw.readerMustWait() {
		return false
	}
	state := rw.state.Load()
	if state&writeLocked != 0 || state >= maxReaders {
		return false
	}
	return rw.state.CompareAndSwap(state, state+1)
}

// RUnlock releases shared access; the last reader out wakes one waiting
// writer.
func (rw *RwLock) RUnlock() {
	state := rw.state.Add(^uint32(0))
	if state == 0 {
		rw.writerEvent.Notify(1)
	}
}

// Lock acquires exclusive access, blocking while any reader or writer is
// inside.
func (rw *RwLock) Lock() {
	if rw.state.CompareAndSwap(0, writeLocked) {
		return
	}
	rw.writersWaiting.Add(1)
	defer rw.writersWaiting.Add(-1)
	for {
		if rw.state.CompareAndSwap(0, writeLocked) {
			return
		}
		l := rw.writerEvent.Listen()
		if rw.state.Load() != 0 {
			l.Wait()
		} else {
			l.Cancel()
		}
	}
}

// TryLock acquires exclusive access without blocking.
func (rw *RwLock) TryLock() bool {
	return rw.state.CompareAndSwap(0, writeLocked)
}

// Unlock releases exclusive access, waking all readers and one writer.
func (rw *RwLock) Unlock() {
	rw.state.Store(0)
	rw.readerEvent.NotifyAll()
	rw.writerEvent.Notify(1)
}
