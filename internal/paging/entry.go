package paging

import (
	"fmt"

	"github.com/kestrel-os/kestrel/internal/memaddr"
)

// Entry is one page-table entry: a machine word holding a physical address
// and attribute bits.
//
// Bit layout:
//
//	0      present
//	1..6   mapping flags (read, write, execute, user, device, uncached)
//	7      huge leaf
//	12..51 physical frame
type Entry uint64

const (
	entryPresent Entry = 1 << 0
	entryHuge    Entry = 1 << 7

	flagShift = 1
	flagMask  = Entry(0x3f) << flagShift

	paddrMask Entry = ((1 << paMaxBits) - 1) &^ 0xfff
)

// NewPageEntry constructs a leaf entry.
func NewPageEntry(pa memaddr.PhysAddr, flags MappingFlags, huge bool) Entry {
	e := entryPresent | Entry(uintptr(pa))&paddrMask | Entry(flags)<<flagShift
	if huge {
		e |= entryHuge
	}
	return e
}

// NewTableEntry constructs a next-level table entry.
func NewTableEntry(pa memaddr.PhysAddr) Entry {
	return entryPresent | Entry(uintptr(pa))&paddrMask
}

// Paddr returns the physical address held by the entry.
func (e Entry) Paddr() memaddr.PhysAddr { return memaddr.PhysAddr(e & paddrMask) }

// Flags returns the mapping flags of the entry.
func (e Entry) Flags() MappingFlags { return MappingFlags((e & flagMask) >> flagShift) }

// SetFlags replaces the flags, preserving the address and huge bit.
func (e Entry) SetFlags(flags MappingFlags) Entry {
	return (e &^ flagMask) | Entry(flags)<<flagShift
}

// IsPresent reports whether the entry is populated.
func (e Entry) IsPresent() bool { return e&entryPresent != 0 }

// IsHuge reports whether the entry is a huge leaf.
func (e Entry) IsHuge() bool { return e&entryHuge != 0 }

// IsUnused reports whether the entry is completely clear.
func (e Entry) IsUnused() bool { return e == 0 }

func (e Entry) String() string {
	if !e.IsPresent() {
		return "Entry(empty)"
	}
	return fmt.Sprintf("Entry(%s %s huge=%v)", e.Paddr(), e.Flags(), e.IsHuge())
}
