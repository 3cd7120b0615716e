package kernel

import (
	"errors"
	"os"
	"testing"

	"github.com/kestrel-os/kestrel/internal/hal"
	"github.com/kestrel-os/kestrel/internal/kerrno"
	"github.com/kestrel-os/kestrel/internal/ksignal"
	"github.com/kestrel-os/kestrel/internal/memaddr"
	"github.com/kestrel-os/kestrel/internal/memspace"
	"github.com/kestrel-os/kestrel/internal/paging"
	"github.com/kestrel-os/kestrel/internal/sched"
	"github.com/kestrel-os/kestrel/internal/trap"
)

func TestMain(m *testing.M) {
	err := Boot(Options{HAL: hal.Options{CPUs: 4, RAMBytes: 32 << 20}})
	if err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func TestBootInstalledKernelLayout(t *testing.T) {
	if memspace.KernelLayout() == nil {
		t.Fatal("kernel layout missing")
	}
	if hal.KernelPageTable() != memspace.KernelLayout().PageTableRoot() {
		t.Fatal("kernel root not installed")
	}
	// The direct map answers queries for RAM.
	va := hal.P2V(hal.PhysBase + 0x20000)
	pa, _, _, err := memspace.KernelLayout().PageTable().Query(va)
	if err != nil || pa != memaddr.AlignDown4K(hal.PhysBase+0x20000) {
		t.Fatalf("direct-map query: %s %v", pa, err)
	}
}

func TestProcessLifecycle(t *testing.T) {
	done := make(chan struct{})
	p, err := CreateProcess("worker", func() {
		defer close(done)
		self := CurrentProcess()
		if self == nil {
			t.Error("current process missing inside task")
			return
		}
		r := memaddr.FromStartSize(UserBase, uintptr(0x2000))
		area := &memspace.MemoryArea{
			Range:   r,
			Flags:   paging.FlagRead | paging.FlagWrite | paging.FlagUser,
			Backend: memspace.NewCow(r.Start, paging.Size4K),
		}
		if err := self.Aspace.Map(area); err != nil {
			t.Errorf("map: %v", err)
			return
		}
		if err := self.Aspace.WriteBytes(r.Start, []byte{1, 2, 3}); err != nil {
			t.Errorf("write: %v", err)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	<-done
	for _, task := range p.Tasks() {
		sched.Join(task)
	}

	got, err := GetProcessData(p.PID)
	if err != nil || got != p {
		t.Fatalf("process query: %v", err)
	}
}

func TestProcessQueries(t *testing.T) {
	p1, err := CreateProcess("a", func() {})
	if err != nil {
		t.Fatal(err)
	}
	p2, err := CreateProcess("b", func() {})
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range []*Process{p1, p2} {
		for _, task := range p.Tasks() {
			sched.Join(task)
		}
	}

	if _, err := GetProcessData(999999); !errors.Is(err, kerrno.ErrInvalidInput) {
		t.Fatalf("unknown pid: %v", err)
	}
	if len(Processes()) < 2 {
		t.Fatalf("processes: %d", len(Processes()))
	}
	group := GetProcessGroup(p1.PGID)
	if len(group) != 1 || group[0] != p1 {
		t.Fatalf("group: %v", group)
	}
}

func TestSetProcessGroupPermission(t *testing.T) {
	p, err := CreateProcess("pg", func() {})
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range p.Tasks() {
		sched.Join(task)
	}

	err = SetProcessGroup(p.PID+12345, p.PID, 7)
	if !errors.Is(err, kerrno.ErrOperationNotPermitted) {
		t.Fatalf("foreign setpgid: %v", err)
	}
	if err := SetProcessGroup(p.PID, p.PID, 7); err != nil {
		t.Fatal(err)
	}
	if p.PGID != 7 {
		t.Fatalf("pgid: %d", p.PGID)
	}
}

// A fault raised by a user task on an unmapped address terminates the task
// with the SIGSEGV equivalent.
func TestUserFaultTerminatesTask(t *testing.T) {
	p, err := CreateProcess("segv", func() {
		tf := &trap.Frame{
			Kind:      trap.KindPageFault,
			FaultAddr: memaddr.Add(UserBase, 0x500_0000),
			ErrorCode: 0x2,
			FromUser:  true,
		}
		trap.Dispatch(tf)
		t.Error("dispatch returned after a fatal user fault")
	})
	if err != nil {
		t.Fatal(err)
	}
	var main *sched.Task
	for _, task := range p.Tasks() {
		main = task
		sched.Join(task)
	}
	if code := main.ExitCode(); code != -int(ksignal.SIGSEGV) {
		t.Fatalf("exit code: %d", code)
	}
	sig := main.Signals().Dequeue(^ksignal.SignalSet(0))
	if sig == nil || sig.Signo != ksignal.SIGSEGV {
		t.Fatalf("pending signal: %+v", sig)
	}
}

// A fault inside a mapped area resolves through populate and the task
// carries on.
func TestUserFaultPopulates(t *testing.T) {
	var resolved bool
	p, err := CreateProcess("fault-populate", func() {
		self := CurrentProcess()
		r := memaddr.FromStartSize(memaddr.Add(UserBase, 0x10_0000), uintptr(0x1000))
		area := &memspace.MemoryArea{
			Range:   r,
			Flags:   paging.FlagRead | paging.FlagWrite | paging.FlagUser,
			Backend: memspace.NewCow(r.Start, paging.Size4K),
		}
		if err := self.Aspace.Map(area); err != nil {
			t.Errorf("map: %v", err)
			return
		}
		tf := &trap.Frame{
			Kind:      trap.KindPageFault,
			FaultAddr: r.Start,
			ErrorCode: 0x2,
			FromUser:  true,
		}
		trap.Dispatch(tf)
		resolved = true
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range p.Tasks() {
		sched.Join(task)
	}
	if !resolved {
		t.Fatal("resolvable fault killed the task")
	}
}
