// Kestrel kernel entry point: boots the core on the host and runs a small
// self-check workload across the subsystems.
package main

import (
	"flag"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/kestrel-os/kestrel/internal/hal"
	"github.com/kestrel-os/kestrel/internal/ipi"
	"github.com/kestrel-os/kestrel/internal/kernel"
	"github.com/kestrel-os/kestrel/internal/memaddr"
	"github.com/kestrel-os/kestrel/internal/memspace"
	"github.com/kestrel-os/kestrel/internal/paging"
	"github.com/kestrel-os/kestrel/internal/sched"
)

func main() {
	configPath := flag.String("config", "", "tunables file (YAML)")
	watch := flag.Bool("watch-config", false, "hot-reload the tunables file")
	cpus := flag.Int("cpus", 4, "virtual CPU count")
	ramMB := flag.Int("ram", 64, "physical arena size in MiB")
	flag.Parse()

	log.SetPrefix("kestrel: ")
	log.SetFlags(0)

	err := kernel.Boot(kernel.Options{
		HAL:          hal.Options{CPUs: *cpus, RAMBytes: uintptr(*ramMB) << 20},
		ConfigPath:   *configPath,
		WatchConfig:  *watch,
		PeriodicTick: true,
	})
	if err != nil {
		log.Fatalf("boot: %v", err)
	}
	defer kernel.Shutdown()

	fmt.Println("========================================")
	fmt.Printf("  Kestrel core, %d CPUs, %d MiB RAM\n", hal.CpuNum(), *ramMB)
	fmt.Println("========================================")

	proc, err := kernel.CreateProcess("init", selfCheck)
	if err != nil {
		log.Fatalf("init process: %v", err)
	}
	for _, t := range proc.Tasks() {
		<-t.Done()
	}
	log.Printf("init exited, %d processes live", len(kernel.Processes()))
}

// selfCheck exercises the core: a cow mapping, an IPI broadcast, and a
// cross-CPU wake (the peer runs on the last CPU; with one CPU the wake is
// local).
func selfCheck() {
	p := kernel.CurrentProcess()

	r := memaddr.FromStartSize(kernel.UserBase, 0x4000)
	area := &memspace.MemoryArea{
		Range:   r,
		Flags:   paging.FlagRead | paging.FlagWrite | paging.FlagUser,
		Backend: memspace.NewCow(r.Start, paging.Size4K),
	}
	if err := p.Aspace.Map(area); err != nil {
		log.Fatalf("self-check map: %v", err)
	}
	if err := p.Aspace.WriteBytes(r.Start, []byte("kestrel")); err != nil {
		log.Fatalf("self-check write: %v", err)
	}
	buf := make([]byte, 7)
	if err := p.Aspace.ReadBytes(r.Start, buf); err != nil || string(buf) != "kestrel" {
		log.Fatalf("self-check read: %q %v", buf, err)
	}

	hits := make([]atomic.Int64, hal.CpuNum())
	if err := ipi.RunOnEachCpu(func() { hits[hal.CpuID()].Add(1) }); err != nil {
		log.Fatalf("self-check ipi: %v", err)
	}
	total := int64(0)
	for i := range hits {
		total += hits[i].Load()
	}
	log.Printf("ipi broadcast reached %d/%d cpus", total, hal.CpuNum())

	peer := sched.Spawn("peer", uint64(1)<<(hal.CpuNum()-1), func() { sched.YieldNow() })
	sched.Join(peer)
	log.Printf("self-check passed on cpu %d", hal.CpuID())
}
