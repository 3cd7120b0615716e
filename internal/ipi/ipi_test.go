package ipi

import (
	"errors"
	"os"
	"sync/atomic"
	"testing"

	"github.com/kestrel-os/kestrel/internal/hal"
	"github.com/kestrel-os/kestrel/internal/irq"
	"github.com/kestrel-os/kestrel/internal/kerrno"
	"github.com/kestrel-os/kestrel/internal/sched"
	"github.com/kestrel-os/kestrel/internal/trap"
)

func TestMain(m *testing.M) {
	if err := hal.Init(hal.Options{CPUs: 4, RAMBytes: 16 << 20}); err != nil {
		panic(err)
	}
	sched.Init()
	trap.Init()
	irq.Init()
	Init()
	os.Exit(m.Run())
}

func TestRunOnCpuInvalidId(t *testing.T) {
	err := RunOnCpu(hal.CpuNum(), func() {})
	if !errors.Is(err, kerrno.ErrInvalidCpuId) {
		t.Fatalf("err: %v", err)
	}
	if err := RunOnCpu(-1, func() {}); !errors.Is(err, kerrno.ErrInvalidCpuId) {
		t.Fatalf("negative cpu: %v", err)
	}
}

func TestRunOnSelfInline(t *testing.T) {
	ran := false
	if err := RunOnCpu(hal.CpuID(), func() { ran = true }); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("self-targeted callback must run inline")
	}
}

func TestRunOnOtherCpu(t *testing.T) {
	var onCpu atomic.Int32
	onCpu.Store(-1)
	if err := RunOnCpu(2, func() { onCpu.Store(int32(hal.CpuID())) }); err != nil {
		t.Fatal(err)
	}
	if onCpu.Load() != 2 {
		t.Fatalf("callback ran on cpu %d", onCpu.Load())
	}
}

// CPU 0 broadcasts a counter increment; after the round completes every
// CPU has executed it exactly once.
func TestBroadcastReachesEveryCpu(t *testing.T) {
	counters := make([]atomic.Int64, hal.CpuNum())
	if err := RunOnEachCpu(func() { counters[hal.CpuID()].Add(1) }); err != nil {
		t.Fatal(err)
	}
	for cpu := range counters {
		if got := counters[cpu].Load(); got != 1 {
			t.Fatalf("cpu %d executed %d times", cpu, got)
		}
	}
}

// A CPU with IRQs disabled holds the event pending; it executes when IRQs
// are re-enabled and the vector is taken.
func TestBroadcastWithIRQsDisabled(t *testing.T) {
	counters := make([]atomic.Int64, hal.CpuNum())

	prev := hal.BindCPU(2)
	hal.DisableLocalIRQ()
	hal.RestoreCPU(prev)

	if err := RunOnEachCpu(func() { counters[hal.CpuID()].Add(1) }); err != nil {
		t.Fatal(err)
	}
	if got := counters[2].Load(); got != 0 {
		t.Fatalf("cpu 2 ran the callback with IRQs disabled: %d", got)
	}
	if PendingOn(2) != 1 {
		t.Fatalf("cpu 2 pending events: %d", PendingOn(2))
	}
	for cpu := 0; cpu < hal.CpuNum(); cpu++ {
		if cpu != 2 && counters[cpu].Load() != 1 {
			t.Fatalf("cpu %d executed %d times", cpu, counters[cpu].Load())
		}
	}

	prev = hal.BindCPU(2)
	hal.EnableLocalIRQ()
	hal.RestoreCPU(prev)
	if got := counters[2].Load(); got != 1 {
		t.Fatalf("cpu 2 after re-enable: %d", got)
	}
}

func TestDrainIsFIFO(t *testing.T) {
	var order []int

	prev := hal.BindCPU(3)
	hal.DisableLocalIRQ()
	hal.RestoreCPU(prev)

	for i := 0; i < 3; i++ {
		i := i
		if err := RunOnCpu(3, func() {
			order = append(order, i)
		}); err != nil {
			t.Fatal(err)
		}
	}

	prev = hal.BindCPU(3)
	hal.EnableLocalIRQ()
	hal.RestoreCPU(prev)

	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("drain order: %v", order)
	}
}
