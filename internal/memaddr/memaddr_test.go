package memaddr

import (
	"testing"
)

func TestAlignHelpers(t *testing.T) {
	if got := AlignDown(VirtAddr(0x1234), 0x1000); got != 0x1000 {
		t.Fatalf("AlignDown: %#x", uintptr(got))
	}
	if got := AlignUp(VirtAddr(0x1234), 0x1000); got != 0x2000 {
		t.Fatalf("AlignUp: %#x", uintptr(got))
	}
	if got := AlignOffset(VirtAddr(0x1234), 0x1000); got != 0x234 {
		t.Fatalf("AlignOffset: %#x", got)
	}
	if !IsAligned(PhysAddr(0x2000), 0x1000) || IsAligned(PhysAddr(0x2001), 0x1000) {
		t.Fatal("IsAligned")
	}
}

func TestRangeBasics(t *testing.T) {
	r := NewRange(VirtAddr(0x1000), VirtAddr(0x3000))
	if r.Size() != 0x2000 {
		t.Fatalf("size: %#x", r.Size())
	}
	if !r.Contains(0x1000) || r.Contains(0x3000) || !r.Contains(0x2fff) {
		t.Fatal("contains half-open semantics")
	}
	sub := NewRange(VirtAddr(0x1000), VirtAddr(0x2000))
	if !r.ContainsRange(sub) || !sub.ContainedIn(r) {
		t.Fatal("contains_range")
	}
}

func TestRangeOverlaps(t *testing.T) {
	a := NewRange(VirtAddr(0x1000), VirtAddr(0x2000))
	b := NewRange(VirtAddr(0x2000), VirtAddr(0x3000))
	if a.Overlaps(b) {
		t.Fatal("abutting ranges must not overlap")
	}
	c := NewRange(VirtAddr(0x1fff), VirtAddr(0x2001))
	if !a.Overlaps(c) || !b.Overlaps(c) {
		t.Fatal("overlap")
	}
}

func TestRangeInversionPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	NewRange(VirtAddr(0x2000), VirtAddr(0x1000))
}

func TestFromStartSizeWrap(t *testing.T) {
	top := VirtAddr(^uintptr(0) - 0x1000)
	if _, ok := TryFromStartSize(top, 0x1001); ok {
		t.Fatal("wrapping range must be rejected")
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	FromStartSize(top, 0x1001)
}

func TestPageIterSteps(t *testing.T) {
	it, ok := NewPageIter(VirtAddr(0x1000), VirtAddr(0x3000))
	if !ok {
		t.Fatal("constructor")
	}
	if va, ok := it.Next(); !ok || va != 0x1000 {
		t.Fatalf("first: %#x %v", uintptr(va), ok)
	}
	if va, ok := it.Next(); !ok || va != 0x2000 {
		t.Fatalf("second: %#x %v", uintptr(va), ok)
	}
	if _, ok := it.Next(); ok {
		t.Fatal("expected exhaustion")
	}
}

func TestPageIterZeroLength(t *testing.T) {
	it, ok := NewPageIter(VirtAddr(0x1000), VirtAddr(0x1000))
	if !ok {
		t.Fatal("constructor")
	}
	if _, ok := it.Next(); ok {
		t.Fatal("zero-length range must yield no items")
	}
}

func TestPageIterRejectsUnaligned(t *testing.T) {
	if _, ok := NewPageIter(VirtAddr(0x1001), VirtAddr(0x2000)); ok {
		t.Fatal("unaligned start must be rejected")
	}
}

func TestDynPageIter(t *testing.T) {
	it, ok := NewDynPageIter(VirtAddr(0), VirtAddr(0x40_0000), uintptr(PageSize2M))
	if !ok {
		t.Fatal("constructor")
	}
	if va, ok := it.Next(); !ok || va != 0 {
		t.Fatalf("first: %#x", uintptr(va))
	}
	if va, ok := it.Next(); !ok || va != VirtAddr(PageSize2M) {
		t.Fatalf("second: %#x", uintptr(va))
	}
	if _, ok := it.Next(); ok {
		t.Fatal("expected exhaustion")
	}
	if _, ok := NewDynPageIter(VirtAddr(0), VirtAddr(0x3000), 0x3000); ok {
		t.Fatal("non-power-of-two step must be rejected")
	}
}
