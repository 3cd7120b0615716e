package trap

import (
	"sync/atomic"

	"github.com/kestrel-os/kestrel/internal/hal"
)

// Active-trapframe tracking: one pointer per CPU exposing the innermost
// trap frame to external readers (watchdog, NMI-style dumpers).
//
// The reference is valid only while the owning CPU is still in the trap
// context; readers must treat it as a short-lived snapshot and never store
// it.

var activeTF []atomic.Pointer[Frame]

func initActive() {
	activeTF = make([]atomic.Pointer[Frame], hal.CpuNum())
}

// ActiveFrame returns the innermost trap frame of the current CPU, nil
// when the CPU is not in a trap.
func ActiveFrame() *Frame {
	return ActiveFrameOn(hal.CpuID())
}

// ActiveFrameOn returns the innermost trap frame of the given CPU.
func ActiveFrameOn(cpu int) *Frame {
	if activeTF == nil {
		return nil
	}
	return activeTF[cpu].Load()
}

// WithActiveFrame calls f with the current CPU's active frame (or nil).
func WithActiveFrame[T any](f func(*Frame) T) T {
	return f(ActiveFrame())
}

// FrameGuard exposes a frame as the active one within a scope; Drop
// restores the previous value so nested traps unwind correctly.
type FrameGuard struct {
	cpu  int
	prev *Frame
}

// NewFrameGuard installs tf as the active frame of the current CPU.
func NewFrameGuard(tf *Frame) FrameGuard {
	cpu := hal.CpuID()
	prev := activeTF[cpu].Swap(tf)
	return FrameGuard{cpu: cpu, prev: prev}
}

// Drop restores the previously active frame.
func (g FrameGuard) Drop() {
	activeTF[g.cpu].Store(g.prev)
}
