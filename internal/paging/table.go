package paging

import (
	"fmt"
	"unsafe"

	"github.com/kestrel-os/kestrel/internal/hal"
	"github.com/kestrel-os/kestrel/internal/memaddr"
)

// Table is a four-level page table rooted at a physical frame.
//
// Mutations on a live root (one installed via hal.WriteKernelPageTable or
// explicitly marked active) invalidate the affected translations; a
// non-active root is never flushed.
type Table struct {
	root    memaddr.PhysAddr
	handler Handler
	active  bool
}

// New allocates an empty table through the handler.
func New(h Handler) (*Table, error) {
	root, ok := h.AllocFrame()
	if !ok {
		return nil, fmt.Errorf("paging: root table: %w", ErrNoMemory)
	}
	return &Table{root: root, handler: h}, nil
}

// FromRoot adopts an existing root frame.
func FromRoot(h Handler, root memaddr.PhysAddr) *Table {
	return &Table{root: root, handler: h}
}

// Root returns the physical root address.
func (t *Table) Root() memaddr.PhysAddr { return t.root }

// SetActive marks the table as live on some CPU; mutations then issue TLB
// invalidations.
func (t *Table) SetActive(active bool) { t.active = active }

func (t *Table) node(pa memaddr.PhysAddr) *[entriesPerTable]Entry {
	va := t.handler.P2V(pa)
	return (*[entriesPerTable]Entry)(unsafe.Pointer(uintptr(va)))
}

func (t *Table) flush(va memaddr.VirtAddr) {
	if t.active || t.root == hal.KernelPageTable() {
		hal.FlushTLB(&va)
	}
}

// Map installs a leaf for va -> pa of the given size. Both addresses must
// be size-aligned; a present leaf fails with ErrAlreadyMapped.
func (t *Table) Map(va memaddr.VirtAddr, pa memaddr.PhysAddr, size PageSize, flags MappingFlags) error {
	entry, err := t.entryForCreate(va, size)
	if err != nil {
		return err
	}
	if entry.IsPresent() {
		return fmt.Errorf("paging: map %s: %w", va, ErrAlreadyMapped)
	}
	*entry = NewPageEntry(pa, flags, size.IsHuge())
	t.flush(va)
	return nil
}

// Remap replaces a leaf regardless of its previous state. Used by backends
// that upgrade permissions in place (copy-on-write).
func (t *Table) Remap(va memaddr.VirtAddr, pa memaddr.PhysAddr, size PageSize, flags MappingFlags) error {
	entry, err := t.entryForCreate(va, size)
	if err != nil {
		return err
	}
	*entry = NewPageEntry(pa, flags, size.IsHuge())
	t.flush(va)
	return nil
}

// Unmap removes the leaf covering va and returns its physical address and
// size.
func (t *Table) Unmap(va memaddr.VirtAddr) (memaddr.PhysAddr, PageSize, error) {
	entry, size, err := t.walk(va)
	if err != nil {
		return 0, 0, err
	}
	pa := entry.Paddr()
	*entry = 0
	t.flush(va)
	return pa, size, nil
}

// Query walks to the leaf covering va and returns its page base, flags and
// size.
func (t *Table) Query(va memaddr.VirtAddr) (memaddr.PhysAddr, MappingFlags, PageSize, error) {
	entry, size, err := t.walk(va)
	if err != nil {
		return 0, 0, 0, err
	}
	return entry.Paddr(), entry.Flags(), size, nil
}

// MapRegion installs a span of size bytes starting at va. getPa yields the
// physical page for each virtual page. Huge entries are selected whenever
// va, pa and the remaining size are all huge-aligned and allowHuge is set.
func (t *Table) MapRegion(va memaddr.VirtAddr, getPa func(memaddr.VirtAddr) memaddr.PhysAddr,
	size uintptr, flags MappingFlags, allowHuge bool) error {
	if !Size4K.IsAligned(uintptr(va)) || !Size4K.IsAligned(size) {
		return fmt.Errorf("paging: map_region %s+%#x: %w", va, size, ErrNotAligned)
	}
	mapped := uintptr(0)
	for mapped < size {
		cur := memaddr.Add(va, mapped)
		pa := getPa(cur)
		pgsize := Size4K
		if allowHuge {
			remaining := size - mapped
			if Size1G.IsAligned(uintptr(cur)) && Size1G.IsAligned(uintptr(pa)) && remaining >= uintptr(Size1G) {
				pgsize = Size1G
			} else if Size2M.IsAligned(uintptr(cur)) && Size2M.IsAligned(uintptr(pa)) && remaining >= uintptr(Size2M) {
				pgsize = Size2M
			}
		}
		if err := t.Map(cur, pa, pgsize, flags); err != nil {
			// Roll back the partial span before surfacing.
			t.rollback(va, mapped)
			return err
		}
		mapped += uintptr(pgsize)
	}
	return nil
}

func (t *Table) rollback(va memaddr.VirtAddr, size uintptr) {
	for off := uintptr(0); off < size; {
		cur := memaddr.Add(va, off)
		_, pgsize, err := t.Unmap(cur)
		if err != nil {
			off += memaddr.PageSize4K
			continue
		}
		off += uintptr(pgsize)
	}
}

// UnmapRegion removes every leaf in [va, va+size). Gaps left by a sparse
// map are tolerated and skipped at base-page granularity.
func (t *Table) UnmapRegion(va memaddr.VirtAddr, size uintptr) error {
	if !Size4K.IsAligned(uintptr(va)) || !Size4K.IsAligned(size) {
		return fmt.Errorf("paging: unmap_region %s+%#x: %w", va, size, ErrNotAligned)
	}
	for off := uintptr(0); off < size; {
		cur := memaddr.Add(va, off)
		_, pgsize, err := t.Unmap(cur)
		if err != nil {
			off += memaddr.PageSize4K
			continue
		}
		off += uintptr(pgsize)
	}
	return nil
}

// ProtectRegion rewrites the flags of every leaf in [va, va+size) without
// changing translations. A gap fails with ErrNotMapped.
func (t *Table) ProtectRegion(va memaddr.VirtAddr, size uintptr, newFlags MappingFlags) error {
	if !Size4K.IsAligned(uintptr(va)) || !Size4K.IsAligned(size) {
		return fmt.Errorf("paging: protect_region %s+%#x: %w", va, size, ErrNotAligned)
	}
	for off := uintptr(0); off < size; {
		cur := memaddr.Add(va, off)
		entry, pgsize, err := t.walk(cur)
		if err != nil {
			return fmt.Errorf("paging: protect_region at %s: %w", cur, err)
		}
		*entry = entry.SetFlags(newFlags)
		t.flush(cur)
		off += uintptr(pgsize)
	}
	return nil
}

// entryForCreate walks to the slot for a leaf of the given size, creating
// intermediate tables on the way.
func (t *Table) entryForCreate(va memaddr.VirtAddr, size PageSize) (*Entry, error) {
	if !vaddrIsValid(va) || !size.IsAligned(uintptr(va)) {
		return nil, fmt.Errorf("paging: %s/%#x: %w", va, uintptr(size), ErrNotAligned)
	}
	targetLevel := levels - 1
	switch size {
	case Size1G:
		targetLevel = 1
	case Size2M:
		targetLevel = 2
	}

	pa := t.root
	for level := 0; ; level++ {
		node := t.node(pa)
		entry := &node[indexAt(level, va)]
		if level == targetLevel {
			return entry, nil
		}
		if !entry.IsPresent() {
			frame, ok := t.handler.AllocFrame()
			if !ok {
				return nil, fmt.Errorf("paging: intermediate table: %w", ErrNoMemory)
			}
			*entry = NewTableEntry(frame)
		} else if entry.IsHuge() {
			return nil, fmt.Errorf("paging: %s: %w", va, ErrHugeConflict)
		}
		pa = entry.Paddr()
	}
}

// walk descends to the present leaf covering va.
func (t *Table) walk(va memaddr.VirtAddr) (*Entry, PageSize, error) {
	if !vaddrIsValid(va) {
		return nil, 0, fmt.Errorf("paging: %s: %w", va, ErrNotAligned)
	}
	pa := t.root
	for level := 0; level < levels; level++ {
		node := t.node(pa)
		entry := &node[indexAt(level, va)]
		if !entry.IsPresent() {
			return nil, 0, fmt.Errorf("paging: %s: %w", va, ErrNotMapped)
		}
		if level == levels-1 || entry.IsHuge() {
			return entry, sizeAt(level), nil
		}
		pa = entry.Paddr()
	}
	return nil, 0, fmt.Errorf("paging: %s: %w", va, ErrNotMapped)
}

// Destroy frees every intermediate table frame and the root. Leaf frames
// are owned by the mapping backends and are not touched.
func (t *Table) Destroy() {
	t.freeTables(t.root, 0)
	t.root = 0
}

func (t *Table) freeTables(pa memaddr.PhysAddr, level int) {
	if level < levels-1 {
		node := t.node(pa)
		for i := range node {
			entry := node[i]
			if entry.IsPresent() && !entry.IsHuge() {
				t.freeTables(entry.Paddr(), level+1)
			}
		}
	}
	t.handler.DeallocFrame(pa)
}
