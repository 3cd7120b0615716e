package memspace

import (
	"fmt"

	"github.com/kestrel-os/kestrel/internal/hal"
	"github.com/kestrel-os/kestrel/internal/memaddr"
	"github.com/kestrel-os/kestrel/internal/paging"
)

// Kernel address space: every physical region except device windows mapped
// linearly through the direct map.

var kernelAspace *AddrSpace

func memToMappingFlags(f hal.MemFlags) paging.MappingFlags {
	var flags paging.MappingFlags
	pairs := []struct {
		mem hal.MemFlags
		mp  paging.MappingFlags
	}{
		{hal.MemRead, paging.FlagRead},
		{hal.MemWrite, paging.FlagWrite},
		{hal.MemExecute, paging.FlagExecute},
		{hal.MemDevice, paging.FlagDevice},
		{hal.MemUncached, paging.FlagUncached},
	}
	for _, p := range pairs {
		if f&p.mem != 0 {
			flags |= p.mp
		}
	}
	return flags
}

// NewKernelLayout builds a fresh kernel address space with every known
// physical region mapped linearly; device regions are not mapped.
func NewKernelLayout() (*AddrSpace, error) {
	// The direct map pins va = p2v(pa); the space spans whatever the HAL
	// handed us.
	as, err := NewEmpty(0, ^uintptr(0)>>1)
	if err != nil {
		return nil, err
	}
	for _, region := range hal.MemoryRegions() {
		if region.Flags&hal.MemDevice != 0 {
			// Device windows are outside the arena; the host direct map
			// cannot back them.
			continue
		}
		start := memaddr.AlignDown4K(region.Paddr)
		end := memaddr.AlignUp4K(region.Paddr + memaddr.PhysAddr(region.Size))
		va := hal.P2V(start)
		offset := int64(va) - int64(start)
		area := &MemoryArea{
			Range:   memaddr.FromStartSize(va, uintptr(end-start)),
			Flags:   memToMappingFlags(region.Flags),
			Backend: NewLinear(offset),
		}
		if err := as.Map(area); err != nil {
			return nil, fmt.Errorf("memspace: kernel region %q: %w", region.Name, err)
		}
	}
	return as, nil
}

// InitKernelLayout builds the kernel space, installs its root, and
// flushes every translation.
func InitKernelLayout() error {
	as, err := NewKernelLayout()
	if err != nil {
		return err
	}
	kernelAspace = as
	as.pt.SetActive(true)
	hal.WriteKernelPageTable(as.PageTableRoot())
	hal.FlushTLB(nil)
	return nil
}

// KernelLayout returns the kernel address space after boot.
func KernelLayout() *AddrSpace { return kernelAspace }
