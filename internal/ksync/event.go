// Package ksync provides blocking synchronization primitives for kernel
// tasks: an adaptive mutex, a reader-writer lock, and a counting
// semaphore. Contended paths spin briefly, then block the task through the
// future executor.
package ksync

import (
	"sync"
	"sync/atomic"

	"github.com/kestrel-os/kestrel/internal/sched/future"
)

// Event is a poll set: a list of registered listeners notified in FIFO
// order. Registration happens at Listen time, so the listen-recheck-wait
// pattern cannot lose a notification that lands between the recheck and
// the wait.
type Event struct {
	mu      sync.Mutex
	waiters []*Listener
}

// Listener is one registration on an Event. It is a single-use future
// resolving when notified.
type Listener struct {
	ev       *Event
	notified atomic.Bool
	waker    atomic.Pointer[future.Waker]
}

// Listen registers a new listener.
func (e *Event) Listen() *Listener {
	l := &Listener{ev: e}
	e.mu.Lock()
	e.waiters = append(e.waiters, l)
	e.mu.Unlock()
	return l
}

// Notify resolves up to n listeners in registration order.
func (e *Event) Notify(n int) {
	var fire []*Listener
	e.mu.Lock()
	for n > 0 && len(e.waiters) > 0 {
		fire = append(fire, e.waiters[0])
		e.waiters = e.waiters[1:]
		n--
	}
	e.mu.Unlock()
	for _, l := range fire {
		l.notified.Store(true)
		if w := l.waker.Load(); w != nil {
			w.Wake()
		}
	}
}

// NotifyAll resolves every registered listener.
func (e *Event) NotifyAll() { e.Notify(int(^uint(0) >> 1)) }

// Cancel removes a listener that will not be waited on. A notification
// already claimed by this listener is passed on to the next waiter.
func (l *Listener) Cancel() {
	e := l.ev
	e.mu.Lock()
	for i, w := range e.waiters {
		if w == l {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			e.mu.Unlock()
			return
		}
	}
	e.mu.Unlock()
	if l.notified.Load() {
		e.Notify(1)
	}
}

// Poll resolves once the listener has been notified.
func (l *Listener) Poll(cx *future.Context) (struct{}, bool) {
	if l.notified.Load() {
		return struct{}{}, true
	}
	l.waker.Store(cx.Waker())
	if l.notified.Load() {
		return struct{}{}, true
	}
	return struct{}{}, false
}

// Wait blocks the current task until notified.
func (l *Listener) Wait() {
	future.BlockOn[struct{}](l)
}

// WaitInterruptible blocks until notified or the current task's interrupt
// flag fires, returning ErrInterrupted in the latter case.
func (l *Listener) WaitInterruptible() error {
	_, err := future.Interruptible[struct{}](l)
	if err != nil {
		l.Cancel()
	}
	return err
}
