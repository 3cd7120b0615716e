package memspace

import (
	"fmt"

	"github.com/kestrel-os/kestrel/internal/hal"
	"github.com/kestrel-os/kestrel/internal/kerrno"
	"github.com/kestrel-os/kestrel/internal/memaddr"
	"github.com/kestrel-os/kestrel/internal/paging"
)

// User-memory access: walk the page table and fault pages in on demand,
// the way a user instruction would. Syscall translators use these to copy
// user buffers; an unresolvable address surfaces as ErrBadAddress.

// ReadBytes copies len(buf) bytes from va into buf.
func (as *AddrSpace) ReadBytes(va memaddr.VirtAddr, buf []byte) error {
	return as.access(va, buf, paging.FlagRead)
}

// WriteBytes copies data to va.
func (as *AddrSpace) WriteBytes(va memaddr.VirtAddr, data []byte) error {
	return as.access(va, data, paging.FlagWrite)
}

func (as *AddrSpace) access(va memaddr.VirtAddr, buf []byte, access paging.MappingFlags) error {
	remaining := buf
	cur := va
	for len(remaining) > 0 {
		pa, size, err := as.resolve(cur, access)
		if err != nil {
			return err
		}
		pageBase := memaddr.AlignDown(cur, uintptr(size))
		offset := memaddr.WrappingSubAddr(cur, pageBase)
		chunk := uintptr(size) - offset
		if chunk > uintptr(len(remaining)) {
			chunk = uintptr(len(remaining))
		}
		frame := hal.PhysBytes(pa, uintptr(size))
		if access.Contains(paging.FlagWrite) {
			copy(frame[offset:offset+chunk], remaining[:chunk])
		} else {
			copy(remaining[:chunk], frame[offset:offset+chunk])
		}
		remaining = remaining[chunk:]
		cur = memaddr.Add(cur, chunk)
	}
	return nil
}

// resolve translates va for the given access, faulting the page in once
// if needed.
func (as *AddrSpace) resolve(va memaddr.VirtAddr, access paging.MappingFlags) (memaddr.PhysAddr, paging.PageSize, error) {
	for attempt := 0; attempt < 2; attempt++ {
		pa, flags, size, err := as.pt.Query(va)
		if err == nil && flags.Contains(access) {
			return pa, size, nil
		}
		if attempt == 0 && !as.HandleFault(va, access) {
			break
		}
	}
	return 0, 0, fmt.Errorf("memspace: %s access %s: %w", access, va, kerrno.ErrBadAddress)
}
