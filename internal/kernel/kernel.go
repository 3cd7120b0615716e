// Package kernel boots the core and owns the process table. It wires the
// subsystems together: HAL, frame allocator, kernel address space, trap
// dispatch, IRQ hook, IPI queues, and the scheduler.
package kernel

import (
	"fmt"
	"log"
	"time"

	"github.com/kestrel-os/kestrel/internal/config"
	"github.com/kestrel-os/kestrel/internal/hal"
	"github.com/kestrel-os/kestrel/internal/ipi"
	"github.com/kestrel-os/kestrel/internal/irq"
	"github.com/kestrel-os/kestrel/internal/kalloc"
	"github.com/kestrel-os/kestrel/internal/ksignal"
	"github.com/kestrel-os/kestrel/internal/memaddr"
	"github.com/kestrel-os/kestrel/internal/memspace"
	"github.com/kestrel-os/kestrel/internal/paging"
	"github.com/kestrel-os/kestrel/internal/sched"
	"github.com/kestrel-os/kestrel/internal/trap"
)

// Options configures boot.
type Options struct {
	HAL hal.Options
	// ConfigPath points at the tunables file; empty keeps defaults.
	ConfigPath string
	// WatchConfig hot-reloads the tunables file.
	WatchConfig bool
	// PeriodicTick starts the periodic timer chain on CPU 0.
	PeriodicTick bool
}

var stopConfigWatch func()

// Boot brings the kernel core up. The order mirrors early boot on real
// hardware: memory first, then traps, then scheduling.
func Boot(opts Options) error {
	if opts.ConfigPath != "" {
		if err := config.LoadFile(opts.ConfigPath); err != nil {
			return err
		}
		if opts.WatchConfig {
			stop, err := config.Watch(opts.ConfigPath)
			if err != nil {
				return err
			}
			stopConfigWatch = stop
		}
	}

	if err := hal.Init(opts.HAL); err != nil {
		return err
	}
	if err := kalloc.Init(); err != nil {
		return err
	}
	if err := memspace.InitKernelLayout(); err != nil {
		return err
	}

	trap.Init()
	irq.Init()
	sched.Init()
	ipi.Init()

	// The timer vector belongs to the controller; the real work happens
	// in the post-dispatch hook.
	irq.Register(hal.TimerIRQ, func() {})
	if !irq.RegisterIRQHook(tickHook) {
		return fmt.Errorf("kernel: irq hook already installed")
	}

	trap.RegisterPageFaultHandler(handlePageFault)
	trap.RegisterUserFaultKill(killCurrentOnFault)

	if opts.PeriodicTick {
		startPeriodicTick()
	}
	return nil
}

// tickHook is the post-dispatch IRQ hook: clock tick and timer-wheel
// advance only.
func tickHook(irqnum int) {
	if irqnum == hal.TimerIRQ {
		sched.Tick()
	}
}

func startPeriodicTick() {
	period := time.Duration(config.Get().Scheduler.TickMillis) * time.Millisecond
	var rearm func()
	rearm = func() {
		time.AfterFunc(period, func() {
			hal.NotifyCpu(hal.TimerIRQ, hal.Specific(0))
			rearm()
		})
	}
	rearm()
}

// handlePageFault routes a fault to the current process's address space,
// falling back to the kernel layout for direct-map faults.
func handlePageFault(va memaddr.VirtAddr, access trap.PageFaultFlags) bool {
	flags := faultToMappingFlags(access)
	if p := CurrentProcess(); p != nil && p.Aspace != nil {
		if p.Aspace.HandleFault(va, flags) {
			return true
		}
	}
	if access&trap.FaultUser == 0 {
		if ks := memspace.KernelLayout(); ks != nil {
			return ks.HandleFault(va, flags)
		}
	}
	return false
}

func faultToMappingFlags(access trap.PageFaultFlags) paging.MappingFlags {
	var flags paging.MappingFlags
	if access&trap.FaultRead != 0 {
		flags |= paging.FlagRead
	}
	if access&trap.FaultWrite != 0 {
		flags |= paging.FlagWrite
	}
	if access&trap.FaultExecute != 0 {
		flags |= paging.FlagExecute
	}
	return flags
}

// killCurrentOnFault terminates the faulting task with the SIGSEGV
// equivalent.
func killCurrentOnFault(va memaddr.VirtAddr, access trap.PageFaultFlags) {
	t := sched.Current()
	if t == nil {
		log.Printf("kernel: unresolvable user fault at %s (%s) outside any task", va, access)
		return
	}
	t.Signals().Put(ksignal.SignalInfo{Signo: ksignal.SIGSEGV})
	log.Printf("kernel: task %d (%s): SIGSEGV at %s (%s)", t.ID(), t.Name(), va, access)
	sched.Exit(-int(ksignal.SIGSEGV))
}

// Shutdown stops ancillary services (config watcher). The scheduler and
// HAL have no teardown: the host process simply exits.
func Shutdown() {
	if stopConfigWatch != nil {
		stopConfigWatch()
		stopConfigWatch = nil
	}
}
