package trap

import (
	"os"
	"testing"

	"github.com/kestrel-os/kestrel/internal/hal"
	"github.com/kestrel-os/kestrel/internal/memaddr"
)

func TestMain(m *testing.M) {
	if err := hal.Init(hal.Options{CPUs: 2, RAMBytes: 16 << 20}); err != nil {
		panic(err)
	}
	Init()
	os.Exit(m.Run())
}

func TestActiveFrameGuardNesting(t *testing.T) {
	if ActiveFrame() != nil {
		t.Fatal("no trap in progress yet")
	}
	outer := &Frame{Vector: 1}
	g1 := NewFrameGuard(outer)
	if ActiveFrame() != outer {
		t.Fatal("outer frame not active")
	}

	inner := &Frame{Vector: 2}
	g2 := NewFrameGuard(inner)
	if ActiveFrame() != inner {
		t.Fatal("inner frame not active")
	}
	g2.Drop()
	if ActiveFrame() != outer {
		t.Fatal("outer frame not restored")
	}
	g1.Drop()
	if ActiveFrame() != nil {
		t.Fatal("active frame not cleared")
	}
}

func TestActiveFramePerCpu(t *testing.T) {
	tf := &Frame{Vector: 7}
	prev := hal.BindCPU(1)
	g := NewFrameGuard(tf)
	hal.RestoreCPU(prev)

	if ActiveFrameOn(1) != tf {
		t.Fatal("cpu 1 frame missing")
	}
	if ActiveFrameOn(0) == tf {
		t.Fatal("frame leaked to cpu 0")
	}

	prev = hal.BindCPU(1)
	g.Drop()
	hal.RestoreCPU(prev)
}

func TestDispatchRestoresActiveFrame(t *testing.T) {
	RegisterIRQHandler(func(vector int) bool {
		if ActiveFrame() == nil {
			t.Error("active frame not installed during dispatch")
		}
		return true
	})
	defer RegisterIRQHandler(nil)

	Dispatch(&Frame{Kind: KindIRQ, Vector: 0x20})
	if ActiveFrame() != nil {
		t.Fatal("active frame not restored after dispatch")
	}
}

func TestDispatchBreakpointAdvancesPC(t *testing.T) {
	tf := &Frame{Kind: KindBreakpoint, RIP: 0x1000}
	Dispatch(tf)
	if tf.RIP != 0x1001 {
		t.Fatalf("rip: %#x", tf.RIP)
	}
}

func TestDispatchSyscall(t *testing.T) {
	var sawNum uint64
	RegisterSyscallHandler(func(tf *Frame) { sawNum = tf.RAX })
	defer RegisterSyscallHandler(nil)

	tf := &Frame{Kind: KindSyscall, RIP: 0x2000, RAX: 39, FromUser: true}
	Dispatch(tf)
	if tf.RIP != 0x2002 {
		t.Fatalf("rip not advanced past syscall: %#x", tf.RIP)
	}
	if tf.Reason != ReasonSyscall {
		t.Fatalf("reason: %d", tf.Reason)
	}
	if sawNum != 39 {
		t.Fatalf("syscall number: %d", sawNum)
	}
}

func TestDispatchPageFaultResolved(t *testing.T) {
	var gotVA memaddr.VirtAddr
	var gotAccess PageFaultFlags
	RegisterPageFaultHandler(func(va memaddr.VirtAddr, access PageFaultFlags) bool {
		gotVA, gotAccess = va, access
		return true
	})
	defer RegisterPageFaultHandler(nil)

	tf := &Frame{
		Kind:      KindPageFault,
		FaultAddr: 0x4000_0010,
		ErrorCode: 0x2, // write
		FromUser:  true,
	}
	Dispatch(tf)
	if gotVA != 0x4000_0010 {
		t.Fatalf("fault va: %s", gotVA)
	}
	if !gotAccess.Contains(FaultWrite | FaultUser) {
		t.Fatalf("access: %s", gotAccess)
	}
	if gotAccess.Contains(FaultRead) {
		t.Fatal("READ and WRITE must be exclusive")
	}
}

func TestDispatchUserFaultKillPath(t *testing.T) {
	RegisterPageFaultHandler(func(memaddr.VirtAddr, PageFaultFlags) bool { return false })
	defer RegisterPageFaultHandler(nil)
	killed := false
	RegisterUserFaultKill(func(va memaddr.VirtAddr, access PageFaultFlags) { killed = true })
	defer RegisterUserFaultKill(nil)

	Dispatch(&Frame{Kind: KindPageFault, FaultAddr: 0xdead000, FromUser: true})
	if !killed {
		t.Fatal("unresolved user fault must hit the kill path")
	}
}

func TestDispatchKernelFaultPanics(t *testing.T) {
	RegisterPageFaultHandler(func(memaddr.VirtAddr, PageFaultFlags) bool { return false })
	defer RegisterPageFaultHandler(nil)

	defer func() {
		if recover() == nil {
			t.Fatal("kernel fault must panic")
		}
	}()
	Dispatch(&Frame{Kind: KindPageFault, FaultAddr: 0xdead000})
}

func TestErrorCodeFlagsReadDefault(t *testing.T) {
	tf := &Frame{ErrorCode: 0}
	flags := errorCodeToFlags(tf)
	if !flags.Contains(FaultRead) || flags.Contains(FaultWrite) {
		t.Fatalf("flags: %s", flags)
	}
	tf = &Frame{ErrorCode: 0x10}
	if !errorCodeToFlags(tf).Contains(FaultExecute) {
		t.Fatal("instruction fetch bit")
	}
}
