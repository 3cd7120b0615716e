// Package sched implements the kernel task engine: per-CPU run queues,
// cooperative blocking with preemption at timer ticks, a timer wheel for
// sleeps, and CPU affinity.
//
// A task is a goroutine whose execution is gated by the scheduler: at most
// one task goroutine per virtual CPU is unparked at any time. Blocking
// primitives park the goroutine on the task's gate; wake-ups re-enqueue the
// task and the dispatcher signals the gate.
package sched

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/kestrel-os/kestrel/internal/goid"
	"github.com/kestrel-os/kestrel/internal/hal"
	"github.com/kestrel-os/kestrel/internal/ksignal"
)

// State is the scheduling state of a task.
type State int32

const (
	// StateReady means the task sits in some CPU's run queue.
	StateReady State = iota
	// StateRunning means the task is the current task of its CPU.
	StateRunning
	// StateBlocked means the task waits for a wake-up.
	StateBlocked
	// StateExited means the task has terminated.
	StateExited
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateExited:
		return "exited"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Task is a kernel task.
type Task struct {
	id   uint64
	name string

	state    atomic.Int32
	affinity atomic.Uint64

	// cpu is the CPU the task runs on or last ran on. Written by the
	// dispatcher under the destination run-queue lock.
	cpu atomic.Int32

	// gate releases the task goroutine for its next quantum. Capacity one:
	// a dispatch that races with the goroutine still on its way to park
	// must not be lost.
	gate chan struct{}

	// interrupted aborts interruptible waits.
	interrupted atomic.Bool

	// needResched is set by the tick handler when the quantum expires.
	needResched atomic.Bool

	// wakePending records a wake that arrived while the task was still on
	// its way to park; blockCurrent consumes it instead of blocking.
	wakePending atomic.Bool

	quantumLeft atomic.Int32

	exitMu      sync.Mutex
	exitWaiters []*Task
	exitCode    int
	exitCh      chan struct{}

	signals *ksignal.PendingSignals
}

var (
	nextTaskID atomic.Uint64

	currentMu sync.Mutex
	currentBy = map[int64]*Task{}
)

// ID returns the unique task id.
func (t *Task) ID() uint64 { return t.id }

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// State returns the current scheduling state.
func (t *Task) State() State { return State(t.state.Load()) }

// CPU returns the CPU the task runs on or last ran on.
func (t *Task) CPU() int { return int(t.cpu.Load()) }

// Affinity returns the CPU affinity bitmask.
func (t *Task) Affinity() uint64 { return t.affinity.Load() }

// Done returns a channel closed when the task exits. Usable from plain
// goroutines (tests, watchers) that are not kernel tasks.
func (t *Task) Done() <-chan struct{} { return t.exitCh }

// ExitCode returns the exit status; valid after Done is closed.
func (t *Task) ExitCode() int {
	t.exitMu.Lock()
	defer t.exitMu.Unlock()
	return t.exitCode
}

// Signals returns the task's pending-signal store.
func (t *Task) Signals() *ksignal.PendingSignals { return t.signals }

// Interrupt sets the task's interrupt flag and wakes it from a blocking
// primitive; the primitive returns ErrInterrupted.
func (t *Task) Interrupt() {
	t.interrupted.Store(true)
	Unblock(t)
}

// Interrupted reports whether the interrupt flag is set.
func (t *Task) Interrupted() bool { return t.interrupted.Load() }

// ClearInterrupt resets the interrupt flag.
func (t *Task) ClearInterrupt() { t.interrupted.Store(false) }

// Current returns the task owning the calling goroutine, or nil when the
// caller is not a kernel task.
func Current() *Task {
	currentMu.Lock()
	defer currentMu.Unlock()
	return currentBy[goid.Get()]
}

func setCurrentGoroutine(t *Task) {
	id := goid.Get()
	currentMu.Lock()
	if t == nil {
		delete(currentBy, id)
	} else {
		currentBy[id] = t
	}
	currentMu.Unlock()
}

// Spawn creates a task running fn and enqueues it on the first CPU in its
// affinity mask. A zero mask means every CPU.
func Spawn(name string, affinity uint64, fn func()) *Task {
	if affinity == 0 {
		affinity = allCPUMask()
	}
	t := &Task{
		id:      nextTaskID.Add(1),
		name:    name,
		gate:    make(chan struct{}, 1),
		exitCh:  make(chan struct{}),
		signals: ksignal.NewPendingSignals(),
	}
	t.affinity.Store(affinity)
	t.state.Store(int32(StateReady))
	t.quantumLeft.Store(quantumTicks())
	t.cpu.Store(int32(firstCPUIn(affinity)))

	go t.run(fn)

	registerWatchdogTask(t)
	enqueue(t.CPU(), t)
	return t
}

func (t *Task) run(fn func()) {
	<-t.gate
	hal.BindCPU(t.CPU())
	setCurrentGoroutine(t)
	// Drop the goroutine's CPU binding on any exit path, including
	// runtime.Goexit out of Exit.
	defer hal.RestoreCPU(-1)
	defer func() {
		// A panicking task still exits; the scheduler keeps going.
		if r := recover(); r != nil {
			t.exitLocked(-1)
			panic(r)
		}
	}()
	fn()
	t.exitLocked(0)
}

// Exit terminates the current task with the given status. It does not
// return.
func Exit(code int) {
	t := Current()
	if t == nil {
		panic("sched: Exit outside a kernel task")
	}
	t.exitLocked(code)
	runtime.Goexit()
}

func (t *Task) exitLocked(code int) {
	if State(t.state.Load()) == StateExited {
		return
	}
	// The state flips to Exited under exitMu so that Join's
	// check-then-register cannot slip a waiter in after the final
	// snapshot.
	t.exitMu.Lock()
	t.exitCode = code
	t.state.Store(int32(StateExited))
	waiters := t.exitWaiters
	t.exitWaiters = nil
	t.exitMu.Unlock()

	setCurrentGoroutine(nil)
	close(t.exitCh)

	for _, w := range waiters {
		Unblock(w)
	}
	finishCurrent(t)
}

// Join blocks until t exits and returns its exit code. Callable both from
// kernel tasks and from plain goroutines.
func Join(t *Task) int {
	curr := Current()
	if curr == nil || curr == t {
		<-t.exitCh
		return t.ExitCode()
	}
	for {
		t.exitMu.Lock()
		if t.State() == StateExited {
			t.exitMu.Unlock()
			return t.ExitCode()
		}
		t.exitWaiters = append(t.exitWaiters, curr)
		t.exitMu.Unlock()
		blockCurrent(curr)
	}
}

func allCPUMask() uint64 {
	n := hal.CpuNum()
	if n >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << n) - 1
}

func firstCPUIn(mask uint64) int {
	for cpu := 0; cpu < hal.CpuNum() && cpu < 64; cpu++ {
		if mask&(1<<cpu) != 0 {
			return cpu
		}
	}
	return 0
}
