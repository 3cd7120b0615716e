package kalloc

import (
	"github.com/kestrel-os/kestrel/internal/hal"
	"github.com/kestrel-os/kestrel/internal/memaddr"
)

// GlobalPage owns a run of contiguous 4 KiB pages and returns them to the
// pool on Free.
type GlobalPage struct {
	startVA  memaddr.VirtAddr
	numPages int
}

// AllocPage allocates one 4 KiB page.
func AllocPage() (*GlobalPage, error) {
	return AllocContiguous(1, memaddr.PageSize4K)
}

// AllocPageZero allocates one 4 KiB page filled with zeros.
func AllocPageZero() (*GlobalPage, error) {
	p, err := AllocPage()
	if err != nil {
		return nil, err
	}
	p.Zero()
	return p, nil
}

// AllocContiguous allocates numPages contiguous pages with the given base
// alignment.
func AllocContiguous(numPages int, alignPow2 uintptr) (*GlobalPage, error) {
	va, err := AllocPages(numPages, alignPow2, UsageGlobal)
	if err != nil {
		return nil, err
	}
	return &GlobalPage{startVA: va, numPages: numPages}, nil
}

// StartVA returns the direct-mapped virtual base.
func (p *GlobalPage) StartVA() memaddr.VirtAddr { return p.startVA }

// StartPA returns the physical base.
func (p *GlobalPage) StartPA() memaddr.PhysAddr { return hal.V2P(p.startVA) }

// Size returns the total size in bytes.
func (p *GlobalPage) Size() uintptr { return uintptr(p.numPages) * memaddr.PageSize4K }

// Bytes returns the backing bytes for reading and writing.
func (p *GlobalPage) Bytes() []byte {
	return hal.PhysBytes(p.StartPA(), p.Size())
}

// Fill sets every byte to b.
func (p *GlobalPage) Fill(b byte) {
	buf := p.Bytes()
	for i := range buf {
		buf[i] = b
	}
}

// Zero clears the pages.
func (p *GlobalPage) Zero() { p.Fill(0) }

// Free returns the pages to the pool. The GlobalPage must not be used
// afterwards.
func (p *GlobalPage) Free() {
	if p.numPages != 0 {
		DeallocPages(p.startVA, p.numPages, UsageGlobal)
		p.numPages = 0
	}
}
