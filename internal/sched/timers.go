package sched

import (
	"container/heap"
	"sync"
	"time"

	"github.com/kestrel-os/kestrel/internal/hal"
)

// Timer wheel: deadline-ordered events fired from the timer tick. Entries
// carry a plain callback so both task sleeps and future timers share the
// wheel.

type timerEvent struct {
	deadline int64 // monotonic ns
	fire     func()
	index    int
}

type timerHeap []*timerEvent

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline < h[j].deadline }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) { e := x.(*timerEvent); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

var (
	timerMu    sync.Mutex
	timerWheel timerHeap
)

func initTimers() {
	timerMu.Lock()
	timerWheel = nil
	timerMu.Unlock()
}

// AddTimer schedules fire to run from a timer tick at or after the given
// monotonic deadline, and arms the hardware timer for it.
func AddTimer(deadlineNs int64, fire func()) {
	timerMu.Lock()
	heap.Push(&timerWheel, &timerEvent{deadline: deadlineNs, fire: fire})
	timerMu.Unlock()
	hal.ArmTimer(deadlineNs)
}

// popDue removes every event whose deadline has passed.
func popDue(now int64) []*timerEvent {
	timerMu.Lock()
	defer timerMu.Unlock()
	var due []*timerEvent
	for len(timerWheel) > 0 && timerWheel[0].deadline <= now {
		due = append(due, heap.Pop(&timerWheel).(*timerEvent))
	}
	return due
}

// Tick is the scheduler's timer-tick entry, called from the IRQ hook in
// interrupt context: advance time, fire due timers, and mark the current
// task preemptible when its quantum is gone.
func Tick() {
	now := hal.MonotonicTime()
	for _, ev := range popDue(now) {
		ev.fire()
	}

	cpu := hal.CpuID()
	rq := rqOf(cpu)
	rq.mu.Lock()
	curr := rq.current
	hasPeer := len(rq.ready) > 0
	rq.mu.Unlock()
	if curr != nil {
		if curr.quantumLeft.Add(-1) <= 0 && hasPeer {
			curr.needResched.Store(true)
		}
	}
}

// NeedResched reports whether the current task should yield.
func NeedResched() bool {
	t := Current()
	return t != nil && t.needResched.Load()
}

// Sleep blocks the current task for at least d and returns the actually
// elapsed duration.
func Sleep(d time.Duration) time.Duration {
	return SleepUntil(hal.MonotonicTime() + d.Nanoseconds())
}

// SleepUntil blocks the current task until the given monotonic deadline
// and returns the actually elapsed duration. An interrupt wake returns
// early; callers compute the remainder to decide whether to retry.
func SleepUntil(deadlineNs int64) time.Duration {
	t := Current()
	if t == nil {
		// Not a kernel task: fall back to the host clock.
		delta := deadlineNs - hal.MonotonicTime()
		if delta > 0 {
			time.Sleep(time.Duration(delta))
		}
		return time.Duration(delta)
	}
	start := hal.MonotonicTime()
	for {
		now := hal.MonotonicTime()
		if now >= deadlineNs || t.Interrupted() {
			return time.Duration(now - start)
		}
		AddTimer(deadlineNs, func() { Unblock(t) })
		blockCurrent(t)
	}
}
