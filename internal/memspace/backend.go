// Package memspace manages virtual address spaces: a sorted set of
// non-overlapping mapping areas over a page table, with per-area backends
// implementing the mapping policy (linear, shared, copy-on-write,
// file-backed).
package memspace

import (
	"fmt"

	"github.com/kestrel-os/kestrel/internal/hal"
	"github.com/kestrel-os/kestrel/internal/kalloc"
	"github.com/kestrel-os/kestrel/internal/kerrno"
	"github.com/kestrel-os/kestrel/internal/memaddr"
	"github.com/kestrel-os/kestrel/internal/paging"
)

// Backend implements the mapping contract for one area. The backend set is
// closed at this layer; open extension lives above the core.
type Backend interface {
	// PageSize returns the backend's mapping granularity.
	PageSize() paging.PageSize

	// Map installs the area's initial page-table state for range.
	Map(r memaddr.VirtAddrRange, flags paging.MappingFlags, pt *paging.Table) error

	// Unmap removes the range's leaves and releases backend frames.
	Unmap(r memaddr.VirtAddrRange, pt *paging.Table) error

	// OnProtect runs before the page table's flags change.
	OnProtect(r memaddr.VirtAddrRange, newFlags paging.MappingFlags, pt *paging.Table) error

	// Populate materializes frames for range so that accessFlags are
	// satisfied, returning the number of pages newly brought to that
	// state. Populate is idempotent: a page already present with the
	// requested access counts as satisfied.
	Populate(r memaddr.VirtAddrRange, flags paging.MappingFlags,
		accessFlags paging.MappingFlags, pt *paging.Table) (int, error)

	// CloneMap duplicates this mapping into a new address space's page
	// table, returning the backend for the clone's area. Map is called on
	// the returned backend afterwards.
	CloneMap(r memaddr.VirtAddrRange, flags paging.MappingFlags,
		oldPt, newPt *paging.Table, newAspace *AddrSpace) (Backend, error)
}

// allocFrame allocates one backend frame of the given page size, zeroed
// when asked.
func allocFrame(zeroed bool, size paging.PageSize) (memaddr.PhysAddr, error) {
	numPages := int(uintptr(size) / memaddr.PageSize4K)
	va, err := kalloc.AllocPages(numPages, uintptr(size), kalloc.UsageVirtMem)
	if err != nil {
		return 0, err
	}
	pa := hal.V2P(va)
	if zeroed {
		buf := hal.PhysBytes(pa, uintptr(size))
		for i := range buf {
			buf[i] = 0
		}
	}
	return pa, nil
}

func deallocFrame(pa memaddr.PhysAddr, size paging.PageSize) {
	numPages := int(uintptr(size) / memaddr.PageSize4K)
	kalloc.DeallocPages(hal.P2V(pa), numPages, kalloc.UsageVirtMem)
}

// pagesIn iterates range at the given granularity; unaligned bounds fail.
func pagesIn(r memaddr.VirtAddrRange, size paging.PageSize) (*memaddr.DynPageIter[memaddr.VirtAddr], error) {
	it, ok := memaddr.NewDynPageIter(r.Start, r.End, uintptr(size))
	if !ok {
		return nil, fmt.Errorf("memspace: range %s not %#x-aligned: %w",
			r, uintptr(size), kerrno.ErrInvalidInput)
	}
	return it, nil
}

func dividePage(size uintptr, pgsize paging.PageSize) int {
	if !pgsize.IsAligned(size) {
		panic("memspace: unaligned size")
	}
	return int(size / uintptr(pgsize))
}
