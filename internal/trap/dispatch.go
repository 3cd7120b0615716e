package trap

import (
	"fmt"
	"log"
	"runtime"

	"github.com/kestrel-os/kestrel/internal/hal"
	"github.com/kestrel-os/kestrel/internal/memaddr"
)

// Handlers are registered by the subsystems that own each trap class: the
// IRQ layer, the address-space layer, and the syscall translator. A
// handler returns true when the trap is resolved.

var (
	irqHandler       func(vector int) bool
	pageFaultHandler func(va memaddr.VirtAddr, access PageFaultFlags) bool
	syscallHandler   func(tf *Frame)
	userFaultKill    func(va memaddr.VirtAddr, access PageFaultFlags)
)

// RegisterIRQHandler installs the IRQ-class handler.
func RegisterIRQHandler(h func(vector int) bool) { irqHandler = h }

// RegisterPageFaultHandler installs the global page-fault handler; it
// resolves to address-space populate logic.
func RegisterPageFaultHandler(h func(va memaddr.VirtAddr, access PageFaultFlags) bool) {
	pageFaultHandler = h
}

// RegisterSyscallHandler installs the syscall-class handler.
func RegisterSyscallHandler(h func(tf *Frame)) { syscallHandler = h }

// RegisterUserFaultKill installs the path that terminates the current
// process on an unresolvable user fault (the SIGSEGV delivery).
func RegisterUserFaultKill(h func(va memaddr.VirtAddr, access PageFaultFlags)) {
	userFaultKill = h
}

// Init wires the trap layer into the HAL's interrupt delivery.
func Init() {
	initActive()
	hal.SetIRQEntry(func(vector int) {
		tf := Frame{Vector: uint64(vector), Kind: KindIRQ}
		Dispatch(&tf)
	})
}

// Dispatch is the architecture-neutral trap entry. The low-level stub has
// saved the register snapshot into tf on the current kernel stack;
// dispatch installs it as the CPU's active frame, splits on the cause, and
// restores the previous frame on every exit path.
func Dispatch(tf *Frame) {
	guard := NewFrameGuard(tf)
	defer guard.Drop()

	switch tf.Kind {
	case KindIRQ:
		if irqHandler != nil {
			irqHandler(int(tf.Vector))
		}

	case KindPageFault:
		access := errorCodeToFlags(tf)
		if pageFaultHandler != nil && pageFaultHandler(tf.FaultAddr, access) {
			return
		}
		if tf.FromUser {
			// Unresolvable in user mode: the process dies with the
			// SIGSEGV equivalent.
			if userFaultKill != nil {
				userFaultKill(tf.FaultAddr, access)
				return
			}
			log.Printf("trap: unhandled user #PF @ %#x, fault_vaddr=%s (%s)",
				tf.RIP, tf.FaultAddr, access)
			return
		}
		panic(fmt.Sprintf("unhandled kernel #PF @ %#x, fault_vaddr=%s (%s):\n%s\n%s",
			tf.RIP, tf.FaultAddr, access, tf.Dump(), backtrace()))

	case KindBreakpoint:
		// Advance past the breakpoint instruction (one byte here).
		tf.RIP++
		log.Printf("trap: #BP @ %#x", tf.RIP)

	case KindSyscall:
		tf.RIP += 2 // syscall instruction length
		tf.Reason = ReasonSyscall
		if syscallHandler != nil {
			syscallHandler(tf)
		}

	default:
		panic(fmt.Sprintf("unhandled exception %d (err=%#x) @ %#x:\n%s\n%s",
			tf.Vector, tf.ErrorCode, tf.RIP, tf.Dump(), backtrace()))
	}
}

// errorCodeToFlags derives the fault access from the pushed error code.
// Bit 1 is write, bit 4 is instruction fetch, bit 2 is user; READ is the
// complement of WRITE.
func errorCodeToFlags(tf *Frame) PageFaultFlags {
	var flags PageFaultFlags
	if tf.ErrorCode&0x2 != 0 {
		flags |= FaultWrite
	} else {
		flags |= FaultRead
	}
	if tf.ErrorCode&0x4 != 0 || tf.FromUser {
		flags |= FaultUser
	}
	if tf.ErrorCode&0x10 != 0 {
		flags |= FaultExecute
	}
	return flags
}

func backtrace() string {
	buf := make([]byte, 16<<10)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}
