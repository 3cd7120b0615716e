package memspace

import (
	"sync"

	"github.com/kestrel-os/kestrel/internal/hal"
	"github.com/kestrel-os/kestrel/internal/memaddr"
	"github.com/kestrel-os/kestrel/internal/paging"
)

// cowFrame is one copy-on-write page shared between parent and clones.
type cowFrame struct {
	pa   memaddr.PhysAddr
	refs int
}

// cowStore holds the frames of one cow lineage, keyed by the page index
// relative to the area start. Parent and clones each hold their own frame
// table; entries point into shared cowFrames until a write splits them.
type cowStore struct {
	mu     sync.Mutex
	frames map[int]*cowFrame
	size   paging.PageSize
}

// CowBackend populates on fault: reads map the shared parent frame
// read-only, writes duplicate the touched page into a private frame.
type CowBackend struct {
	start memaddr.VirtAddr
	store *cowStore
}

// NewCow returns an empty copy-on-write backend at the given granularity.
// Pages materialize zero-filled on first touch.
func NewCow(start memaddr.VirtAddr, pgsize paging.PageSize) *CowBackend {
	return &CowBackend{
		start: start,
		store: &cowStore{frames: map[int]*cowFrame{}, size: pgsize},
	}
}

func (b *CowBackend) index(va memaddr.VirtAddr) int {
	return dividePage(memaddr.WrappingSubAddr(memaddr.AlignDown(va, uintptr(b.store.size)), b.start), b.store.size)
}

// PageSize returns the cow granularity.
func (b *CowBackend) PageSize() paging.PageSize { return b.store.size }

// Map installs read-only leaves for the frames that already exist; pages
// without frames stay absent and materialize on fault.
func (b *CowBackend) Map(r memaddr.VirtAddrRange, flags paging.MappingFlags, pt *paging.Table) error {
	it, err := pagesIn(r, b.store.size)
	if err != nil {
		return err
	}
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	roFlags := flags &^ paging.FlagWrite
	for {
		va, ok := it.Next()
		if !ok {
			return nil
		}
		if f := b.store.frames[b.index(va)]; f != nil {
			if err := pt.Map(va, f.pa, b.store.size, roFlags); err != nil {
				return err
			}
		}
	}
}

// Unmap removes the range's translations and drops the frame references.
func (b *CowBackend) Unmap(r memaddr.VirtAddrRange, pt *paging.Table) error {
	it, err := pagesIn(r, b.store.size)
	if err != nil {
		return err
	}
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	for {
		va, ok := it.Next()
		if !ok {
			return nil
		}
		pt.Unmap(va) // tolerate unpopulated pages
		idx := b.index(va)
		if f := b.store.frames[idx]; f != nil {
			delete(b.store.frames, idx)
			f.refs--
			if f.refs == 0 {
				deallocFrame(f.pa, b.store.size)
			}
		}
	}
}

// OnProtect needs no backend work; write access re-faults through
// Populate.
func (b *CowBackend) OnProtect(memaddr.VirtAddrRange, paging.MappingFlags, *paging.Table) error {
	return nil
}

// Populate materializes range so access is satisfied. A write access to a
// frame shared with another lineage duplicates the page into a private
// frame and re-installs it writable.
func (b *CowBackend) Populate(r memaddr.VirtAddrRange, flags paging.MappingFlags,
	access paging.MappingFlags, pt *paging.Table) (int, error) {
	it, err := pagesIn(r, b.store.size)
	if err != nil {
		return 0, err
	}
	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	populated := 0
	wantWrite := access.Contains(paging.FlagWrite) && flags.Contains(paging.FlagWrite)
	for {
		va, ok := it.Next()
		if !ok {
			return populated, nil
		}
		if _, cur, _, err := pt.Query(va); err == nil {
			need := access & flags
			if cur.Contains(need) {
				// Already present with the requested access.
				continue
			}
		}

		idx := b.index(va)
		f := b.store.frames[idx]
		switch {
		case f == nil:
			// First touch: fresh zeroed private frame.
			pa, err := allocFrame(true, b.store.size)
			if err != nil {
				return populated, err
			}
			b.store.frames[idx] = &cowFrame{pa: pa, refs: 1}
			installFlags := flags
			if !wantWrite {
				installFlags &^= paging.FlagWrite
			}
			if err := pt.Remap(va, pa, b.store.size, installFlags); err != nil {
				return populated, err
			}

		case !wantWrite:
			// Read access to an existing frame: share it read-only.
			if err := pt.Remap(va, f.pa, b.store.size, flags&^paging.FlagWrite); err != nil {
				return populated, err
			}

		case f.refs == 1:
			// Sole owner: upgrade in place.
			if err := pt.Remap(va, f.pa, b.store.size, flags); err != nil {
				return populated, err
			}

		default:
			// Shared dirty write: duplicate into a private frame.
			pa, err := allocFrame(false, b.store.size)
			if err != nil {
				return populated, err
			}
			copy(hal.PhysBytes(pa, uintptr(b.store.size)),
				hal.PhysBytes(f.pa, uintptr(b.store.size)))
			f.refs--
			b.store.frames[idx] = &cowFrame{pa: pa, refs: 1}
			if err := pt.Remap(va, pa, b.store.size, flags); err != nil {
				return populated, err
			}
		}
		populated++
	}
}

// CloneMap bumps the parent frame refcounts and downgrades the parent's
// own leaves to read-only, so both sides fault on their next write. The
// pair becomes two cow backends referring to the same physical pages.
func (b *CowBackend) CloneMap(r memaddr.VirtAddrRange, flags paging.MappingFlags,
	oldPt, _ *paging.Table, _ *AddrSpace) (Backend, error) {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	child := &CowBackend{
		start: b.start,
		store: &cowStore{frames: map[int]*cowFrame{}, size: b.store.size},
	}
	it, err := pagesIn(r, b.store.size)
	if err != nil {
		return nil, err
	}
	for {
		va, ok := it.Next()
		if !ok {
			break
		}
		idx := b.index(va)
		f := b.store.frames[idx]
		if f == nil {
			continue
		}
		f.refs++
		child.store.frames[idx] = f
		// Strip write from the parent leaf so its next write faults.
		if pa, cur, size, err := oldPt.Query(va); err == nil && cur.Contains(paging.FlagWrite) {
			if err := oldPt.Remap(va, pa, size, cur&^paging.FlagWrite); err != nil {
				return nil, err
			}
		}
	}
	return child, nil
}
