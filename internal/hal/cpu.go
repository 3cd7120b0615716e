package hal

import (
	"sync"

	"github.com/kestrel-os/kestrel/internal/goid"
)

// Virtual CPU identity. A goroutine is "on" a CPU while bound to it; the
// scheduler binds a task's goroutine when it dispatches the task, and IRQ
// injection temporarily rebinds the injecting goroutine to the target CPU.

var (
	cpuNum int

	bindMu  sync.Mutex
	bindings = map[int64]int{}
)

func initCPUs(n int) {
	cpuNum = n
	initIRQ(n)
}

// BindCPU binds the calling goroutine to the given CPU and returns the
// previous binding (-1 if none). Pass the returned value to RestoreCPU when
// leaving the context.
func BindCPU(cpu int) int {
	id := goid.Get()
	bindMu.Lock()
	defer bindMu.Unlock()
	prev, ok := bindings[id]
	if !ok {
		prev = -1
	}
	bindings[id] = cpu
	return prev
}

// RestoreCPU restores a binding previously returned by BindCPU.
func RestoreCPU(prev int) {
	id := goid.Get()
	bindMu.Lock()
	defer bindMu.Unlock()
	if prev < 0 {
		delete(bindings, id)
	} else {
		bindings[id] = prev
	}
}

// CpuID returns the CPU the calling goroutine is bound to. Unbound
// goroutines (test mains, timer callbacks) report CPU 0.
func CpuID() int {
	id := goid.Get()
	bindMu.Lock()
	defer bindMu.Unlock()
	return bindings[id]
}
