// Package kalloc allocates physical page frames from the HAL's free RAM.
//
// Frames are handed out by their direct-mapped virtual base address, the
// way every consumer (page tables, mapping backends, kernel stacks) wants
// them. Usage tags are retained for accounting only.
package kalloc

import (
	"fmt"
	"sync"

	"github.com/kestrel-os/kestrel/internal/hal"
	"github.com/kestrel-os/kestrel/internal/kerrno"
	"github.com/kestrel-os/kestrel/internal/memaddr"
)

// UsageKind tags an allocation with the subsystem it serves.
type UsageKind int

const (
	// UsageGlobal marks general kernel allocations.
	UsageGlobal UsageKind = iota
	// UsageVirtMem marks frames backing user mappings.
	UsageVirtMem
	// UsagePageTable marks frames holding page-table nodes.
	UsagePageTable
	// UsageStack marks kernel stack frames.
	UsageStack

	usageKinds
)

type allocator struct {
	mu sync.Mutex

	base   memaddr.VirtAddr // direct-mapped VA of frame 0
	frames int
	used   []bool

	// searchFrom is a rotating hint to avoid rescanning the low frames.
	searchFrom int

	inUse [usageKinds]uint64
}

var global allocator

// Init builds the frame pool from the HAL's free RAM regions. Must run
// after hal.Init.
func Init() error {
	ram := hal.RAMRegions()
	if len(ram) == 0 {
		return fmt.Errorf("kalloc: no free RAM regions")
	}
	// One contiguous free region is all the host platform produces.
	r := ram[0]
	start := memaddr.AlignUp4K(r.Paddr)
	size := r.Size - uintptr(start-r.Paddr)

	global.mu.Lock()
	defer global.mu.Unlock()
	global.base = hal.P2V(start)
	global.frames = int(size / uintptr(memaddr.PageSize4K))
	global.used = make([]bool, global.frames)
	global.searchFrom = 0
	for i := range global.inUse {
		global.inUse[i] = 0
	}
	return nil
}

// AllocPages allocates n contiguous 4 KiB pages whose base is aligned to
// alignPow2 bytes, returning the direct-mapped virtual base.
func AllocPages(n int, alignPow2 uintptr, usage UsageKind) (memaddr.VirtAddr, error) {
	if n <= 0 || !memaddr.IsPowerOfTwo(alignPow2) || alignPow2 < memaddr.PageSize4K {
		return 0, fmt.Errorf("kalloc: alloc_pages(%d, %#x): %w", n, alignPow2, kerrno.ErrInvalidInput)
	}
	alignFrames := int(alignPow2 / memaddr.PageSize4K)

	global.mu.Lock()
	defer global.mu.Unlock()

	if idx, ok := global.findRun(global.searchFrom, n, alignFrames); ok {
		return global.take(idx, n, usage), nil
	}
	if idx, ok := global.findRun(0, n, alignFrames); ok {
		return global.take(idx, n, usage), nil
	}
	return 0, fmt.Errorf("kalloc: alloc_pages(%d): %w", n, kerrno.ErrNoMemory)
}

func (a *allocator) findRun(from, n, alignFrames int) (int, bool) {
	base := int(uintptr(a.base) / memaddr.PageSize4K)
	for idx := from; idx+n <= a.frames; {
		// Align the candidate run in frame space.
		rem := (base + idx) % alignFrames
		if rem != 0 {
			idx += alignFrames - rem
			continue
		}
		run := 0
		for run < n && !a.used[idx+run] {
			run++
		}
		if run == n {
			return idx, true
		}
		idx += run + 1
	}
	return 0, false
}

func (a *allocator) take(idx, n int, usage UsageKind) memaddr.VirtAddr {
	for i := 0; i < n; i++ {
		a.used[idx+i] = true
	}
	a.searchFrom = idx + n
	a.inUse[usage] += uint64(n)
	return memaddr.Add(a.base, uintptr(idx)*memaddr.PageSize4K)
}

// DeallocPages returns n pages starting at va to the pool.
func DeallocPages(va memaddr.VirtAddr, n int, usage UsageKind) {
	global.mu.Lock()
	defer global.mu.Unlock()
	off := memaddr.WrappingSubAddr(va, global.base)
	idx := int(off / memaddr.PageSize4K)
	if !memaddr.IsAligned4K(va) || idx < 0 || idx+n > global.frames {
		panic(fmt.Sprintf("kalloc: dealloc_pages of foreign range %s+%d", va, n))
	}
	for i := 0; i < n; i++ {
		if !global.used[idx+i] {
			panic(fmt.Sprintf("kalloc: double free of frame %d", idx+i))
		}
		global.used[idx+i] = false
	}
	global.inUse[usage] -= uint64(n)
}

// InUse returns the number of pages currently allocated under the tag.
func InUse(usage UsageKind) uint64 {
	global.mu.Lock()
	defer global.mu.Unlock()
	return global.inUse[usage]
}

// FreePages returns the number of unallocated pages in the pool.
func FreePages() int {
	global.mu.Lock()
	defer global.mu.Unlock()
	free := 0
	for _, u := range global.used {
		if !u {
			free++
		}
	}
	return free
}
