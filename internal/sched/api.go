package sched

import (
	"sync/atomic"

	"github.com/kestrel-os/kestrel/internal/config"
	"github.com/kestrel-os/kestrel/internal/hal"
)

func quantumTicks() int32 {
	return int32(config.Get().Scheduler.QuantumTicks)
}

// SetCurrentAffinity restricts the current task to the CPUs in mask.
// A zero mask is rejected. The change takes effect at the next yield
// point: mandatory there, best-effort at preemption.
func SetCurrentAffinity(mask uint64) bool {
	t := Current()
	if t == nil {
		return false
	}
	return SetAffinity(t, mask)
}

// SetAffinity restricts t to the CPUs in mask.
func SetAffinity(t *Task, mask uint64) bool {
	mask &= allCPUMask()
	if mask == 0 {
		return false
	}
	t.affinity.Store(mask)
	if t.Affinity()&(1<<t.CPU()) == 0 {
		t.needResched.Store(true)
	}
	return true
}

// Preemption guard. IRQ-context code (the hook, IPI callbacks) runs under
// a raised count; ticks still fire timers, but preemption marks are only
// honored at yield points outside the guard.
var preemptCount []atomic.Int32

// DisablePreempt raises the current CPU's no-preempt count.
func DisablePreempt() {
	preemptCount[hal.CpuID()].Add(1)
}

// EnablePreempt lowers the count; rescheduling may occur afterwards.
func EnablePreempt() {
	preemptCount[hal.CpuID()].Add(-1)
}

// PreemptEnabled reports whether the current CPU allows preemption.
func PreemptEnabled() bool {
	return preemptCount[hal.CpuID()].Load() == 0
}

// Tasks returns a snapshot of the live tasks recorded in the watchdog
// registry across all CPUs.
func Tasks() []*Task {
	var out []*Task
	seen := map[uint64]bool{}
	for cpu := range runQueues {
		forEachWatchdogTask(cpu, func(t *Task) {
			if t.State() != StateExited && !seen[t.ID()] {
				seen[t.ID()] = true
				out = append(out, t)
			}
		})
	}
	return out
}
