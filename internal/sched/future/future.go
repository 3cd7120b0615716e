// Package future bridges asynchronous waits onto kernel tasks. BlockOn
// parks the current task until the future resolves, binding the task as
// the waker; Interruptible aborts a wait when the task's interrupt flag is
// raised.
//
// This is not a runtime: it serves one future per task and has no queueing
// of its own. Concurrency comes from spawning kernel tasks.
package future

import (
	"sync/atomic"

	"github.com/kestrel-os/kestrel/internal/kerrno"
	"github.com/kestrel-os/kestrel/internal/sched"
)

// Future is an asynchronous value. Poll either resolves it or registers
// the context's waker for a later retry.
type Future[T any] interface {
	Poll(cx *Context) (T, bool)
}

// Context carries the waker of the polling task.
type Context struct {
	waker *Waker
}

// Waker returns the waker bound to the polling task.
func (cx *Context) Waker() *Waker { return cx.waker }

// Waker wakes the task that owns a BlockOn loop. The woken bit is observed
// by the executor before it blocks, so a wake between poll and park is
// never lost.
type Waker struct {
	task *sched.Task
	ch   chan struct{} // fallback when the caller is not a kernel task
	woke atomic.Bool
}

// Wake marks the waker and unblocks its task. Waking an exited task is a
// no-op: the edge is pruned.
func (w *Waker) Wake() {
	w.woke.Store(true)
	if w.task != nil {
		if w.task.State() != sched.StateExited {
			sched.Unblock(w.task)
		}
		return
	}
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// BlockOn polls f to completion, blocking the current task while the
// future is pending.
func BlockOn[T any](f Future[T]) T {
	curr := sched.Current()
	w := &Waker{task: curr}
	if curr == nil {
		w.ch = make(chan struct{}, 1)
	}
	cx := &Context{waker: w}
	for {
		if v, ready := f.Poll(cx); ready {
			return v
		}
		if w.woke.Swap(false) {
			// Woken between poll and here: blocking now would race
			// ourselves, so just yield and re-poll.
			sched.YieldNow()
			continue
		}
		if curr != nil {
			sched.BlockCurrent()
		} else {
			<-w.ch
		}
	}
}

// Interruptible polls f to completion unless the current task's interrupt
// flag fires first, in which case it returns ErrInterrupted without
// polling f again.
func Interruptible[T any](f Future[T]) (T, error) {
	curr := sched.Current()
	out := BlockOn[interruptOutcome[T]](&interruptibleFuture[T]{inner: f, task: curr})
	if out.interrupted {
		var zero T
		return zero, kerrno.ErrInterrupted
	}
	return out.value, nil
}

type interruptOutcome[T any] struct {
	value       T
	interrupted bool
}

type interruptibleFuture[T any] struct {
	inner Future[T]
	task  *sched.Task
}

func (f *interruptibleFuture[T]) Poll(cx *Context) (interruptOutcome[T], bool) {
	if f.task != nil && f.task.Interrupted() {
		return interruptOutcome[T]{interrupted: true}, true
	}
	if v, ready := f.inner.Poll(cx); ready {
		return interruptOutcome[T]{value: v}, true
	}
	return interruptOutcome[T]{}, false
}

// Func adapts a poll function into a Future.
type Func[T any] func(cx *Context) (T, bool)

// Poll calls the function.
func (fn Func[T]) Poll(cx *Context) (T, bool) { return fn(cx) }

// Ready returns a future that resolves immediately to v.
func Ready[T any](v T) Future[T] {
	return Func[T](func(*Context) (T, bool) { return v, true })
}

// Pending returns a future that never resolves. Combined with
// Interruptible it waits purely for the interrupt flag.
func Pending[T any]() Future[T] {
	return Func[T](func(*Context) (T, bool) {
		var zero T
		return zero, false
	})
}
