package memspace

import (
	"github.com/kestrel-os/kestrel/internal/memaddr"
	"github.com/kestrel-os/kestrel/internal/paging"
)

// LinearBackend maps every page at a constant offset: pa = va - offset.
// The range is fully mapped up front, so it never populates.
type LinearBackend struct {
	offset int64 // va - pa
}

// NewLinear returns a linear backend with the given offset (va - pa).
func NewLinear(paVaOffset int64) *LinearBackend {
	return &LinearBackend{offset: paVaOffset}
}

func (b *LinearBackend) pa(va memaddr.VirtAddr) memaddr.PhysAddr {
	return memaddr.PhysAddr(int64(va) - b.offset)
}

// PageSize returns the 4 KiB base page.
func (b *LinearBackend) PageSize() paging.PageSize { return paging.Size4K }

// Map installs the whole range through the page table's region walk.
func (b *LinearBackend) Map(r memaddr.VirtAddrRange, flags paging.MappingFlags, pt *paging.Table) error {
	return pt.MapRegion(r.Start, func(va memaddr.VirtAddr) memaddr.PhysAddr {
		return b.pa(va)
	}, r.Size(), flags, false)
}

// Unmap removes the range.
func (b *LinearBackend) Unmap(r memaddr.VirtAddrRange, pt *paging.Table) error {
	return pt.UnmapRegion(r.Start, r.Size())
}

// OnProtect needs no backend work.
func (b *LinearBackend) OnProtect(memaddr.VirtAddrRange, paging.MappingFlags, *paging.Table) error {
	return nil
}

// Populate is a no-op: linear ranges are already fully mapped.
func (b *LinearBackend) Populate(memaddr.VirtAddrRange, paging.MappingFlags,
	paging.MappingFlags, *paging.Table) (int, error) {
	return 0, nil
}

// CloneMap shares the offset.
func (b *LinearBackend) CloneMap(_ memaddr.VirtAddrRange, _ paging.MappingFlags,
	_, _ *paging.Table, _ *AddrSpace) (Backend, error) {
	return &LinearBackend{offset: b.offset}, nil
}
