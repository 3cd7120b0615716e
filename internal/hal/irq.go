package hal

import (
	"sync"
)

// Interrupt vectors. A single dedicated vector carries all cross-CPU
// callbacks; the timer vector drives the scheduler tick.
const (
	TimerIRQ = 0x20
	IPIIRQ   = 0x21
)

// TargetCpu selects the destination of a cross-CPU notification.
type TargetCpu struct {
	// All is true for an all-but-self broadcast.
	All bool
	// Cpu is the destination for a specific notification, or the sender
	// for a broadcast.
	Cpu int
}

// Specific targets one CPU.
func Specific(cpu int) TargetCpu { return TargetCpu{Cpu: cpu} }

// AllButSelf targets every CPU except me.
func AllButSelf(me int) TargetCpu { return TargetCpu{All: true, Cpu: me} }

// IRQEntry is the trap entry invoked for every delivered interrupt. It runs
// with the delivering goroutine bound to the target CPU.
type IRQEntry func(vector int)

var irqEntry IRQEntry

// SetIRQEntry installs the trap entry. The trap package calls this during
// boot; later calls replace the entry (used by tests).
func SetIRQEntry(entry IRQEntry) { irqEntry = entry }

type cpuIRQState struct {
	mu      sync.Mutex
	enabled bool
	pending []int
	// inIRQ guards against nested injection on the same virtual CPU.
	inIRQ bool
}

var irqState []*cpuIRQState

func initIRQ(n int) {
	irqState = make([]*cpuIRQState, n)
	for i := range irqState {
		irqState[i] = &cpuIRQState{enabled: true}
	}
}

// NotifyCpu raises vector on the target CPU(s). Delivery is synchronous
// when the target has IRQs enabled; otherwise the vector is latched and
// delivered when the target re-enables.
func NotifyCpu(vector int, target TargetCpu) {
	if target.All {
		for cpu := 0; cpu < cpuNum; cpu++ {
			if cpu != target.Cpu {
				deliver(cpu, vector)
			}
		}
		return
	}
	deliver(target.Cpu, vector)
}

func deliver(cpu, vector int) {
	st := irqState[cpu]
	st.mu.Lock()
	if !st.enabled || st.inIRQ || irqEntry == nil {
		st.pending = append(st.pending, vector)
		st.mu.Unlock()
		return
	}
	st.inIRQ = true
	st.mu.Unlock()

	runEntry(cpu, vector)

	st.mu.Lock()
	st.inIRQ = false
	st.mu.Unlock()
	drainPending(cpu)
}

// runEntry executes the trap entry in the interrupt context of cpu: the
// calling goroutine is rebound for the duration of the handler.
func runEntry(cpu, vector int) {
	prev := BindCPU(cpu)
	defer RestoreCPU(prev)
	irqEntry(vector)
}

func drainPending(cpu int) {
	st := irqState[cpu]
	for {
		st.mu.Lock()
		if !st.enabled || st.inIRQ || len(st.pending) == 0 || irqEntry == nil {
			st.mu.Unlock()
			return
		}
		vector := st.pending[0]
		st.pending = st.pending[1:]
		st.inIRQ = true
		st.mu.Unlock()

		runEntry(cpu, vector)

		st.mu.Lock()
		st.inIRQ = false
		st.mu.Unlock()
	}
}

// EnableLocalIRQ enables interrupt delivery on the current CPU and drains
// anything latched while disabled.
func EnableLocalIRQ() {
	cpu := CpuID()
	st := irqState[cpu]
	st.mu.Lock()
	st.enabled = true
	st.mu.Unlock()
	drainPending(cpu)
}

// DisableLocalIRQ disables interrupt delivery on the current CPU.
func DisableLocalIRQ() {
	st := irqState[CpuID()]
	st.mu.Lock()
	st.enabled = false
	st.mu.Unlock()
}

// SaveAndDisableIRQ disables delivery and returns the previous state for
// RestoreIRQ.
func SaveAndDisableIRQ() uintptr {
	st := irqState[CpuID()]
	st.mu.Lock()
	prev := st.enabled
	st.enabled = false
	st.mu.Unlock()
	if prev {
		return 1
	}
	return 0
}

// RestoreIRQ restores the delivery state saved by SaveAndDisableIRQ.
func RestoreIRQ(flags uintptr) {
	if flags != 0 {
		EnableLocalIRQ()
	}
}

// IRQsEnabled reports whether the current CPU accepts interrupts.
func IRQsEnabled() bool {
	st := irqState[CpuID()]
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.enabled
}
