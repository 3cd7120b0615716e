package hal

import (
	"fmt"
	"sort"
	"sync/atomic"
	"unsafe"

	"github.com/kestrel-os/kestrel/internal/memaddr"
)

// MemFlags classify a physical memory region.
type MemFlags uint32

const (
	MemRead MemFlags = 1 << iota
	MemWrite
	MemExecute
	MemDevice
	MemUncached
	MemReserved
)

// MemoryRegion describes a contiguous physical region.
type MemoryRegion struct {
	Paddr memaddr.PhysAddr
	Size  uintptr
	Flags MemFlags
	Name  string
}

// PhysBase is the physical address of the first arena byte. Address 0 is
// deliberately not backed so that nil-ish physical pointers fault loudly.
const PhysBase memaddr.PhysAddr = 0x8000_0000

// bootReserved is carved off the front of RAM, standing in for the kernel
// image and boot stacks of a bare-metal layout.
const bootReserved uintptr = 0x10000

const mmioBase memaddr.PhysAddr = 0xFE00_0000
const mmioSize uintptr = 0x10_0000

var (
	arena     []byte
	arenaBase uintptr // host address of arena[0]
	arenaSize uintptr

	allRegions []MemoryRegion
)

func initMemory(ramBytes uintptr) error {
	buf, err := mapArena(int(ramBytes))
	if err != nil {
		return fmt.Errorf("hal: mapping physical arena: %w", err)
	}
	arena = buf
	arenaBase = uintptr(unsafe.Pointer(&arena[0]))
	arenaSize = ramBytes

	allRegions = allRegions[:0]
	push := func(r MemoryRegion) {
		if r.Size > 0 {
			allRegions = append(allRegions, r)
		}
	}
	push(MemoryRegion{PhysBase, bootReserved, MemReserved | MemRead | MemWrite, "boot"})
	push(MemoryRegion{mmioBase, mmioSize, MemDevice | MemRead | MemWrite | MemUncached, "mmio"})
	// Subtract the reserved carve-out from RAM; the remainder is free.
	push(MemoryRegion{PhysBase + memaddr.PhysAddr(bootReserved), ramBytes - bootReserved,
		MemRead | MemWrite, "free memory"})

	sort.Slice(allRegions, func(i, j int) bool { return allRegions[i].Paddr < allRegions[j].Paddr })
	for i := 1; i < len(allRegions); i++ {
		prev, cur := allRegions[i-1], allRegions[i]
		if memaddr.PhysAddr(uintptr(prev.Paddr)+prev.Size) > cur.Paddr {
			return fmt.Errorf("hal: region %q overlaps %q", prev.Name, cur.Name)
		}
	}
	return nil
}

// RAMRegions returns the usable RAM regions.
func RAMRegions() []MemoryRegion {
	return selectRegions(func(r MemoryRegion) bool {
		return r.Flags&(MemReserved|MemDevice) == 0
	})
}

// RsvdRegions returns the reserved regions.
func RsvdRegions() []MemoryRegion {
	return selectRegions(func(r MemoryRegion) bool {
		return r.Flags&MemReserved != 0
	})
}

// MMIORegions returns the device regions.
func MMIORegions() []MemoryRegion {
	return selectRegions(func(r MemoryRegion) bool {
		return r.Flags&MemDevice != 0
	})
}

// MemoryRegions returns every known region in ascending physical order.
func MemoryRegions() []MemoryRegion {
	out := make([]MemoryRegion, len(allRegions))
	copy(out, allRegions)
	return out
}

func selectRegions(keep func(MemoryRegion) bool) []MemoryRegion {
	var out []MemoryRegion
	for _, r := range allRegions {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// P2V translates a physical arena address to its direct-mapped virtual
// (host) address.
func P2V(pa memaddr.PhysAddr) memaddr.VirtAddr {
	off := uintptr(pa - PhysBase)
	if off >= arenaSize {
		panic(fmt.Sprintf("hal: P2V of unbacked physical address %s", pa))
	}
	return memaddr.VirtAddr(arenaBase + off)
}

// V2P translates a direct-mapped virtual address back to its physical
// address.
func V2P(va memaddr.VirtAddr) memaddr.PhysAddr {
	off := uintptr(va) - arenaBase
	if off >= arenaSize {
		panic(fmt.Sprintf("hal: V2P of non-direct-mapped address %s", va))
	}
	return PhysBase + memaddr.PhysAddr(off)
}

// PhysBytes returns the backing bytes of [pa, pa+n).
func PhysBytes(pa memaddr.PhysAddr, n uintptr) []byte {
	off := uintptr(pa - PhysBase)
	if off >= arenaSize || off+n > arenaSize {
		panic(fmt.Sprintf("hal: unbacked physical range %s+%#x", pa, n))
	}
	return arena[off : off+n : off+n]
}

// Kernel page-table root and TLB bookkeeping.

var (
	kernelRoot atomic.Uintptr

	tlbFlushAll  atomic.Uint64
	tlbFlushAddr atomic.Uint64
)

// WriteKernelPageTable installs the kernel page-table root.
func WriteKernelPageTable(root memaddr.PhysAddr) { kernelRoot.Store(uintptr(root)) }

// KernelPageTable returns the installed kernel root (zero before boot).
func KernelPageTable() memaddr.PhysAddr { return memaddr.PhysAddr(kernelRoot.Load()) }

// FlushTLB invalidates the translation for va, or every translation when va
// is nil. The host has no TLB, so this only records the event; the paging
// tests assert on the counters.
func FlushTLB(va *memaddr.VirtAddr) {
	if va == nil {
		tlbFlushAll.Add(1)
	} else {
		tlbFlushAddr.Add(1)
	}
}

// TLBFlushCounts returns the number of global and per-address flushes.
func TLBFlushCounts() (all, addr uint64) {
	return tlbFlushAll.Load(), tlbFlushAddr.Load()
}
