package paging

import (
	"github.com/kestrel-os/kestrel/internal/hal"
	"github.com/kestrel-os/kestrel/internal/kalloc"
	"github.com/kestrel-os/kestrel/internal/memaddr"
)

// KallocHandler feeds the engine from the global frame allocator, tagging
// table frames for accounting.
type KallocHandler struct{}

// AllocFrame allocates one zeroed 4 KiB frame for an intermediate table.
func (KallocHandler) AllocFrame() (memaddr.PhysAddr, bool) {
	va, err := kalloc.AllocPages(1, memaddr.PageSize4K, kalloc.UsagePageTable)
	if err != nil {
		return 0, false
	}
	pa := hal.V2P(va)
	buf := hal.PhysBytes(pa, memaddr.PageSize4K)
	for i := range buf {
		buf[i] = 0
	}
	return pa, true
}

// DeallocFrame returns a table frame to the allocator.
func (KallocHandler) DeallocFrame(pa memaddr.PhysAddr) {
	kalloc.DeallocPages(hal.P2V(pa), 1, kalloc.UsagePageTable)
}

// P2V resolves a frame into the direct map.
func (KallocHandler) P2V(pa memaddr.PhysAddr) memaddr.VirtAddr { return hal.P2V(pa) }
