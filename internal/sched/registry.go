package sched

import "sync/atomic"

// Lock-free per-CPU task registry for watchdog/NMI dumping.
//
// Writers (task creation, exit-time GC) and readers (watchdog) may touch
// any CPU's slots. Slots hold task pointers installed
// with compare-and-swap; a full registry drops new records, so dumps are
// best-effort.

const watchdogSlots = 4096

type watchdogRegistry struct {
	slots [][]atomic.Pointer[Task]
}

var wdRegistry watchdogRegistry

func initWatchdogRegistry(cpus int) {
	wdRegistry.slots = make([][]atomic.Pointer[Task], cpus)
	for i := range wdRegistry.slots {
		wdRegistry.slots[i] = make([]atomic.Pointer[Task], watchdogSlots)
	}
}

func registerWatchdogTask(t *Task) {
	if wdRegistry.slots == nil {
		return
	}
	slots := wdRegistry.slots[t.CPU()]
	for i := range slots {
		if slots[i].CompareAndSwap(nil, t) {
			return
		}
	}
	// Registry full; drop the record.
}

// sweepWatchdogTasks clears slots whose tasks have exited.
func sweepWatchdogTasks(cpu int) {
	if wdRegistry.slots == nil {
		return
	}
	slots := wdRegistry.slots[cpu]
	for i := range slots {
		t := slots[i].Load()
		if t != nil && t.State() == StateExited {
			slots[i].CompareAndSwap(t, nil)
		}
	}
}

// forEachWatchdogTask visits every recorded task on the given CPU.
func forEachWatchdogTask(cpu int, f func(*Task)) {
	if wdRegistry.slots == nil {
		return
	}
	for i := range wdRegistry.slots[cpu] {
		if t := wdRegistry.slots[cpu][i].Load(); t != nil {
			f(t)
		}
	}
}
