package memspace

import (
	"sync/atomic"

	"github.com/kestrel-os/kestrel/internal/memaddr"
	"github.com/kestrel-os/kestrel/internal/paging"
)

// SharedPages is a reference-counted vector of frames; every address space
// holding a backend over it sees the same physical pages. The frames are
// freed when the last reference drops.
type SharedPages struct {
	frames []memaddr.PhysAddr
	size   paging.PageSize
	refs   atomic.Int64
}

// NewSharedPages allocates size bytes of zeroed frames at the given page
// granularity.
func NewSharedPages(size uintptr, pgsize paging.PageSize) (*SharedPages, error) {
	n := dividePage(size, pgsize)
	sp := &SharedPages{size: pgsize}
	for i := 0; i < n; i++ {
		pa, err := allocFrame(true, pgsize)
		if err != nil {
			sp.release()
			return nil, err
		}
		sp.frames = append(sp.frames, pa)
	}
	sp.refs.Store(1)
	return sp, nil
}

// Len returns the number of frames.
func (sp *SharedPages) Len() int { return len(sp.frames) }

// Frames returns the frame vector.
func (sp *SharedPages) Frames() []memaddr.PhysAddr { return sp.frames }

func (sp *SharedPages) retain() { sp.refs.Add(1) }

func (sp *SharedPages) release() {
	if sp.refs.Load() > 0 && sp.refs.Add(-1) > 0 {
		return
	}
	for _, pa := range sp.frames {
		deallocFrame(pa, sp.size)
	}
	sp.frames = nil
}

// SharedBackend maps a window of a SharedPages vector. Partial unmaps
// remove translations only; the frames live until every sharer is gone.
type SharedBackend struct {
	start memaddr.VirtAddr
	pages *SharedPages
}

// NewShared returns a backend exposing pages at start.
func NewShared(start memaddr.VirtAddr, pages *SharedPages) *SharedBackend {
	return &SharedBackend{start: start, pages: pages}
}

// Pages returns the underlying shared vector.
func (b *SharedBackend) Pages() *SharedPages { return b.pages }

func (b *SharedBackend) framesFrom(start memaddr.VirtAddr) []memaddr.PhysAddr {
	idx := dividePage(memaddr.WrappingSubAddr(start, b.start), b.pages.size)
	return b.pages.frames[idx:]
}

// PageSize returns the granularity chosen at construction.
func (b *SharedBackend) PageSize() paging.PageSize { return b.pages.size }

// Map installs each (va, pa) pair of the range.
func (b *SharedBackend) Map(r memaddr.VirtAddrRange, flags paging.MappingFlags, pt *paging.Table) error {
	it, err := pagesIn(r, b.pages.size)
	if err != nil {
		return err
	}
	frames := b.framesFrom(r.Start)
	for i := 0; ; i++ {
		va, ok := it.Next()
		if !ok {
			return nil
		}
		if err := pt.Map(va, frames[i], b.pages.size, flags); err != nil {
			return err
		}
	}
}

// Unmap removes the range's translations.
func (b *SharedBackend) Unmap(r memaddr.VirtAddrRange, pt *paging.Table) error {
	it, err := pagesIn(r, b.pages.size)
	if err != nil {
		return err
	}
	for {
		va, ok := it.Next()
		if !ok {
			break
		}
		if _, _, err := pt.Unmap(va); err != nil {
			return err
		}
	}
	return nil
}

// OnProtect needs no backend work.
func (b *SharedBackend) OnProtect(memaddr.VirtAddrRange, paging.MappingFlags, *paging.Table) error {
	return nil
}

// Populate is a no-op: shared ranges are mapped eagerly.
func (b *SharedBackend) Populate(memaddr.VirtAddrRange, paging.MappingFlags,
	paging.MappingFlags, *paging.Table) (int, error) {
	return 0, nil
}

// CloneMap returns a backend over the same vector, raising its refcount.
func (b *SharedBackend) CloneMap(_ memaddr.VirtAddrRange, _ paging.MappingFlags,
	_, _ *paging.Table, _ *AddrSpace) (Backend, error) {
	b.pages.retain()
	return &SharedBackend{start: b.start, pages: b.pages}, nil
}

// Release drops this sharer's reference; called when the owning area is
// destroyed.
func (b *SharedBackend) Release() { b.pages.release() }

// retainSplit adds a reference for an extra area piece created by an
// address-space split.
func (b *SharedBackend) retainSplit() { b.pages.retain() }
