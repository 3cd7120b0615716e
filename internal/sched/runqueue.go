package sched

import (
	"sync"
	"sync/atomic"

	"github.com/kestrel-os/kestrel/internal/hal"
)

// Per-CPU run queue. The lock is an IRQ-save lock: delivery on the virtual
// CPU taking it is masked while held, so a tick handler on that CPU never
// observes a half-updated queue.
type runQueue struct {
	mu    sync.Mutex
	ready []*Task

	// current is the task occupying this CPU, nil when idle.
	current *Task
}

var runQueues []*runQueue

// Init builds the per-CPU run queues, preemption counters, watchdog
// registry and timer wheel; it does not hook the timer tick (the IRQ layer
// calls Tick). Must run after hal.Init.
func Init() {
	runQueues = make([]*runQueue, hal.CpuNum())
	for i := range runQueues {
		runQueues[i] = &runQueue{}
	}
	preemptCount = make([]atomic.Int32, hal.CpuNum())
	initWatchdogRegistry(hal.CpuNum())
	initTimers()
}

func rqOf(cpu int) *runQueue { return runQueues[cpu] }

func (rq *runQueue) lock() uintptr {
	flags := hal.SaveAndDisableIRQ()
	rq.mu.Lock()
	return flags
}

func (rq *runQueue) unlock(flags uintptr) {
	rq.mu.Unlock()
	hal.RestoreIRQ(flags)
}

// enqueue makes t Ready on the given CPU, dispatching immediately when the
// CPU is idle.
func enqueue(cpu int, t *Task) {
	rq := rqOf(cpu)
	flags := rq.lock()
	t.cpu.Store(int32(cpu))
	if rq.current == nil {
		rq.current = t
		rq.unlock(flags)
		dispatch(t, cpu)
		return
	}
	rq.ready = append(rq.ready, t)
	rq.unlock(flags)
}

// dispatch hands the CPU to t.
func dispatch(t *Task, cpu int) {
	t.state.Store(int32(StateRunning))
	t.cpu.Store(int32(cpu))
	t.quantumLeft.Store(quantumTicks())
	select {
	case t.gate <- struct{}{}:
	default:
	}
}

// pickNext pops the first queued task allowed on this CPU; tasks whose
// affinity moved away are re-homed. Caller holds rq.mu.
func (rq *runQueue) pickNext(cpu int) (*Task, []*Task) {
	var rehome []*Task
	for len(rq.ready) > 0 {
		next := rq.ready[0]
		rq.ready = rq.ready[1:]
		if next.Affinity()&(1<<cpu) == 0 {
			rehome = append(rehome, next)
			continue
		}
		return next, rehome
	}
	return nil, rehome
}

// releaseCPU hands off the given CPU if t still occupies it. The caller
// has already set t's next state (Ready-in-another-queue, Blocked, or
// Exited). The CPU is captured by the caller before any state change: a
// concurrent wake may re-home the task, and the CPU being released is the
// one the task blocked on, not the one it will run on next.
func releaseCPU(t *Task, cpu int) {
	rq := rqOf(cpu)
	flags := rq.lock()
	if rq.current == t {
		next, rehome := rq.pickNext(cpu)
		rq.current = next
		rq.unlock(flags)
		for _, moved := range rehome {
			enqueue(firstCPUIn(moved.Affinity()), moved)
		}
		if next != nil {
			dispatch(next, cpu)
		}
		return
	}
	rq.unlock(flags)
}

// park suspends the calling goroutine until the task is dispatched again.
func park(t *Task) {
	<-t.gate
	hal.BindCPU(t.CPU())
}

// YieldNow re-enqueues the current task at the tail of its CPU's queue and
// runs the head. Affinity changes take effect here: a task no longer
// allowed on its CPU migrates to the first CPU of its mask.
func YieldNow() {
	t := Current()
	if t == nil {
		return
	}
	t.needResched.Store(false)

	cpu := t.CPU()
	if t.Affinity()&(1<<cpu) == 0 {
		migrate(t)
		return
	}

	rq := rqOf(cpu)
	flags := rq.lock()
	next, rehome := rq.pickNext(cpu)
	if next == nil {
		// Sole runnable task: keep the CPU.
		rq.unlock(flags)
		for _, moved := range rehome {
			enqueue(firstCPUIn(moved.Affinity()), moved)
		}
		return
	}
	t.state.Store(int32(StateReady))
	rq.ready = append(rq.ready, t)
	rq.current = next
	rq.unlock(flags)
	for _, moved := range rehome {
		enqueue(firstCPUIn(moved.Affinity()), moved)
	}
	dispatch(next, cpu)
	park(t)
	t.state.Store(int32(StateRunning))
}

// migrate moves the current task to the first CPU of its affinity mask.
func migrate(t *Task) {
	cpu := t.CPU()
	t.state.Store(int32(StateReady))
	releaseCPU(t, cpu)
	// The wake IPI to the destination CPU is implicit in enqueue's
	// dispatch; the destination may also already be busy.
	enqueue(firstCPUIn(t.Affinity()), t)
	park(t)
}

// blockCurrent parks t until Unblock. A wake that raced ahead is consumed
// without blocking.
func blockCurrent(t *Task) {
	if t.wakePending.Swap(false) {
		return
	}
	cpu := t.CPU()
	t.state.Store(int32(StateBlocked))
	if t.wakePending.Swap(false) {
		// Lost race: the waker saw pre-Blocked state and latched the
		// token instead. Take the wake here.
		t.state.Store(int32(StateRunning))
		return
	}
	releaseCPU(t, cpu)
	park(t)
}

// Unblock makes t Ready again. The wake chooser places the task on its
// current CPU when allowed, else on the first CPU of its mask. A task not
// (yet) blocked keeps a pending-wake token.
func Unblock(t *Task) {
	if t.state.CompareAndSwap(int32(StateBlocked), int32(StateReady)) {
		cpu := t.CPU()
		if t.Affinity()&(1<<cpu) == 0 {
			cpu = firstCPUIn(t.Affinity())
		}
		enqueue(cpu, t)
		return
	}
	if State(t.state.Load()) != StateExited {
		t.wakePending.Store(true)
	}
}

// finishCurrent releases the CPU of an exiting task.
func finishCurrent(t *Task) {
	cpu := t.CPU()
	sweepWatchdogTasks(cpu)
	releaseCPU(t, cpu)
}

// BlockCurrent parks the current task until Unblock. A wake that raced
// ahead of the park is consumed without blocking, so callers must re-check
// their condition in a loop.
func BlockCurrent() {
	if t := Current(); t != nil {
		blockCurrent(t)
	}
}

// RunningOn returns the current task of the given CPU, nil when idle.
func RunningOn(cpu int) *Task {
	rq := rqOf(cpu)
	flags := rq.lock()
	defer rq.unlock(flags)
	return rq.current
}

// QueuedOn returns a snapshot of the given CPU's ready queue.
func QueuedOn(cpu int) []*Task {
	rq := rqOf(cpu)
	flags := rq.lock()
	defer rq.unlock(flags)
	out := make([]*Task, len(rq.ready))
	copy(out, rq.ready)
	return out
}
