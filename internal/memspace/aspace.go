package memspace

import (
	"fmt"
	"sort"

	"github.com/kestrel-os/kestrel/internal/kerrno"
	"github.com/kestrel-os/kestrel/internal/ksync"
	"github.com/kestrel-os/kestrel/internal/memaddr"
	"github.com/kestrel-os/kestrel/internal/paging"
)

// MemoryArea is one mapped region: a page-aligned range, its mapping
// flags, and the backend implementing its policy.
type MemoryArea struct {
	Range   memaddr.VirtAddrRange
	Flags   paging.MappingFlags
	Backend Backend

	// populated counts pages materialized through Populate.
	populated uint64
}

// PopulateCount returns the number of pages this area has materialized.
func (a *MemoryArea) PopulateCount() uint64 { return a.populated }

// splitRetainer is implemented by backends whose resources are shared by
// every area piece after a split.
type splitRetainer interface{ retainSplit() }

// releaser is implemented by backends holding a reference dropped when
// their area is destroyed.
type releaser interface{ Release() }

// AddrSpace is a per-process address space: a page-table root plus a
// sorted, non-overlapping set of areas. All operations hold the space's
// mutex; the page table is only mutated under it.
type AddrSpace struct {
	mu ksync.Mutex

	base memaddr.VirtAddr
	size uintptr

	areas []*MemoryArea
	pt    *paging.Table
}

// NewEmpty creates an address space covering [base, base+size) with a
// fresh page-table root and no areas.
func NewEmpty(base memaddr.VirtAddr, size uintptr) (*AddrSpace, error) {
	pt, err := paging.New(paging.KallocHandler{})
	if err != nil {
		return nil, err
	}
	return &AddrSpace{base: base, size: size, pt: pt}, nil
}

// Base returns the lowest mappable address.
func (as *AddrSpace) Base() memaddr.VirtAddr { return as.base }

// Size returns the extent of the space.
func (as *AddrSpace) Size() uintptr { return as.size }

// PageTableRoot returns the physical root of the page table.
func (as *AddrSpace) PageTableRoot() memaddr.PhysAddr {
	return as.pt.Root()
}

// PageTable returns the page table; callers must not mutate it outside
// the address-space operations.
func (as *AddrSpace) PageTable() *paging.Table { return as.pt }

// Areas returns a snapshot of the current areas in ascending order.
func (as *AddrSpace) Areas() []*MemoryArea {
	as.mu.Lock()
	defer as.mu.Unlock()
	out := make([]*MemoryArea, len(as.areas))
	copy(out, as.areas)
	return out
}

func (as *AddrSpace) bounds() memaddr.VirtAddrRange {
	return memaddr.FromStartSize(as.base, as.size)
}

// Map inserts an area and installs its initial page-table state. The
// range must be aligned to the backend's page size at both ends, stay
// inside the space, and not overlap any existing area (abutting is fine).
func (as *AddrSpace) Map(area *MemoryArea) error {
	pgsize := uintptr(area.Backend.PageSize())
	if area.Range.IsEmpty() ||
		!memaddr.IsAligned(area.Range.Start, pgsize) ||
		!memaddr.IsAligned(area.Range.End, pgsize) {
		return fmt.Errorf("memspace: map %s: %w", area.Range, kerrno.ErrInvalidInput)
	}
	if !as.bounds().ContainsRange(area.Range) {
		return fmt.Errorf("memspace: map %s escapes %s: %w", area.Range, as.bounds(), kerrno.ErrInvalidInput)
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	for _, existing := range as.areas {
		if existing.Range.Overlaps(area.Range) {
			return fmt.Errorf("memspace: map %s overlaps %s: %w",
				area.Range, existing.Range, kerrno.ErrAlreadyMapped)
		}
	}
	if err := area.Backend.Map(area.Range, area.Flags, as.pt); err != nil {
		return err
	}
	as.insert(area)
	return nil
}

func (as *AddrSpace) insert(area *MemoryArea) {
	as.areas = append(as.areas, area)
	sort.Slice(as.areas, func(i, j int) bool {
		return as.areas[i].Range.Start < as.areas[j].Range.Start
	})
}

func (as *AddrSpace) remove(area *MemoryArea) {
	for i, a := range as.areas {
		if a == area {
			as.areas = append(as.areas[:i], as.areas[i+1:]...)
			return
		}
	}
}

// Unmap removes range from the space, splitting or shrinking the areas it
// intersects and unmapping the carved portions.
func (as *AddrSpace) Unmap(r memaddr.VirtAddrRange) error {
	if r.IsEmpty() {
		return nil
	}
	as.mu.Lock()
	defer as.mu.Unlock()

	for _, area := range as.intersecting(r) {
		inter := area.Range.Intersect(r)
		if err := area.Backend.Unmap(inter, as.pt); err != nil {
			return err
		}
		as.carve(area, inter, nil)
	}
	return nil
}

// carve shrinks or splits area around inter. When newFlags is non-nil the
// carved-out middle stays mapped as its own area with those flags
// (protect); otherwise it is dropped (unmap).
func (as *AddrSpace) carve(area *MemoryArea, inter memaddr.VirtAddrRange, newFlags *paging.MappingFlags) {
	left := memaddr.AddrRange[memaddr.VirtAddr]{Start: area.Range.Start, End: inter.Start}
	right := memaddr.AddrRange[memaddr.VirtAddr]{Start: inter.End, End: area.Range.End}

	pieces := 0
	if !left.IsEmpty() {
		pieces++
	}
	if !right.IsEmpty() {
		pieces++
	}
	if newFlags != nil {
		pieces++
	}

	if pieces == 0 {
		// Full cover: the area goes away.
		as.remove(area)
		if rel, ok := area.Backend.(releaser); ok {
			rel.Release()
		}
		return
	}

	// Reuse the existing area for the first piece; extra pieces share the
	// backend and take an extra reference where the backend counts them.
	retain := func() {
		if sr, ok := area.Backend.(splitRetainer); ok {
			sr.retainSplit()
		}
	}

	first := true
	place := func(r memaddr.VirtAddrRange, flags paging.MappingFlags) {
		if first {
			area.Range = r
			area.Flags = flags
			first = false
			return
		}
		retain()
		as.insert(&MemoryArea{Range: r, Flags: flags, Backend: area.Backend})
	}

	origFlags := area.Flags
	if !left.IsEmpty() {
		place(left, origFlags)
	}
	if newFlags != nil {
		place(inter, *newFlags)
	}
	if !right.IsEmpty() {
		place(right, origFlags)
	}
}

// intersecting returns the areas overlapping r.
func (as *AddrSpace) intersecting(r memaddr.VirtAddrRange) []*MemoryArea {
	var out []*MemoryArea
	for _, area := range as.areas {
		if area.Range.Overlaps(r) {
			out = append(out, area)
		}
	}
	return out
}

// Protect changes the mapping flags of range, splitting areas at its
// boundaries. Dropping READ is permitted.
func (as *AddrSpace) Protect(r memaddr.VirtAddrRange, newFlags paging.MappingFlags) error {
	if r.IsEmpty() {
		return nil
	}
	as.mu.Lock()
	defer as.mu.Unlock()

	for _, area := range as.intersecting(r) {
		inter := area.Range.Intersect(r)
		if err := area.Backend.OnProtect(inter, newFlags, as.pt); err != nil {
			return err
		}
		if err := as.pt.ProtectRegion(inter.Start, inter.Size(), newFlags); err != nil {
			return err
		}
		flags := newFlags
		as.carve(area, inter, &flags)
	}
	return nil
}

// Populate pre-faults range: each intersecting area materializes its part
// with the given access. It returns the number of pages newly mapped.
func (as *AddrSpace) Populate(r memaddr.VirtAddrRange, access paging.MappingFlags) (int, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	total := 0
	for _, area := range as.intersecting(r) {
		inter := area.Range.Intersect(r)
		n, err := area.Backend.Populate(inter, area.Flags, access, as.pt)
		area.populated += uint64(n)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// HandleFault resolves a page fault at va with the given access. It
// returns false when no area covers va or the access exceeds the area's
// flags (the caller turns that into the SIGSEGV path).
func (as *AddrSpace) HandleFault(va memaddr.VirtAddr, access paging.MappingFlags) bool {
	as.mu.Lock()
	defer as.mu.Unlock()

	var area *MemoryArea
	for _, a := range as.areas {
		if a.Range.Contains(va) {
			area = a
			break
		}
	}
	if area == nil {
		return false
	}
	if !area.Flags.Contains(access &^ paging.FlagUser) {
		// Access exceeds the mapping: an EXECUTE fault on a range without
		// EXECUTE terminates the process.
		return false
	}

	pgsize := uintptr(area.Backend.PageSize())
	start := memaddr.AlignDown(va, pgsize)
	page := memaddr.FromStartSize(start, pgsize)
	n, err := area.Backend.Populate(page, area.Flags, access, as.pt)
	area.populated += uint64(n)
	if err != nil {
		return false
	}
	if n > 0 {
		return true
	}
	// Nothing newly mapped: succeeded only if the page satisfies the
	// access now.
	_, flags, _, err := as.pt.Query(start)
	return err == nil && flags.Contains(access&^paging.FlagUser)
}

// CloneInto duplicates every area into dst via the backends' clone
// protocol. Cow backends produce sharing pairs here.
func (as *AddrSpace) CloneInto(dst *AddrSpace) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	for _, area := range as.areas {
		nb, err := area.Backend.CloneMap(area.Range, area.Flags, as.pt, dst.pt, dst)
		if err != nil {
			return err
		}
		newArea := &MemoryArea{Range: area.Range, Flags: area.Flags, Backend: nb}
		dst.mu.Lock()
		if err := nb.Map(newArea.Range, newArea.Flags, dst.pt); err != nil {
			dst.mu.Unlock()
			return err
		}
		dst.insert(newArea)
		dst.mu.Unlock()
	}
	return nil
}

// UnmapAll destroys every area and releases the page-table root. Called on
// process exit.
func (as *AddrSpace) UnmapAll() {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, area := range as.areas {
		area.Backend.Unmap(area.Range, as.pt)
		if rel, ok := area.Backend.(releaser); ok {
			rel.Release()
		}
	}
	as.areas = nil
	as.pt.Destroy()
}
