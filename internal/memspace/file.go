package memspace

import (
	"io"

	"github.com/kestrel-os/kestrel/internal/hal"
	"github.com/kestrel-os/kestrel/internal/memaddr"
	"github.com/kestrel-os/kestrel/internal/paging"
)

// BackingFile is the storage handle a file-backed area reads from and
// writes back to. The VFS collaborator supplies the implementation; tests
// use in-memory buffers.
type BackingFile interface {
	io.ReaderAt
	io.WriterAt
}

// FileBackend populates pages from storage on fault. Map installs no
// leaves; a fault reads the file at the area-relative offset into a fresh
// frame. When writeBack is set, every populated frame is written back on
// unmap; frames are not tracked as dirty.
type FileBackend struct {
	start  memaddr.VirtAddr
	file   BackingFile
	offset int64
	size   paging.PageSize

	// writeBack flushes frames to the file on unmap.
	writeBack bool
}

// NewFile returns a file backend for an area starting at start, reading
// the file from offset. writeBack mirrors the file being opened writable.
func NewFile(start memaddr.VirtAddr, file BackingFile, offset int64, writeBack bool) *FileBackend {
	return &FileBackend{start: start, file: file, offset: offset, size: paging.Size4K, writeBack: writeBack}
}

func (b *FileBackend) fileOffset(va memaddr.VirtAddr) int64 {
	return b.offset + int64(memaddr.WrappingSubAddr(va, b.start))
}

// PageSize returns the 4 KiB base page.
func (b *FileBackend) PageSize() paging.PageSize { return b.size }

// Map installs nothing; every page materializes through Populate.
func (b *FileBackend) Map(memaddr.VirtAddrRange, paging.MappingFlags, *paging.Table) error {
	return nil
}

// Unmap writes every populated frame back when writeBack is set, then
// frees them.
func (b *FileBackend) Unmap(r memaddr.VirtAddrRange, pt *paging.Table) error {
	it, err := pagesIn(r, b.size)
	if err != nil {
		return err
	}
	for {
		va, ok := it.Next()
		if !ok {
			return nil
		}
		pa, _, err := pt.Unmap(va)
		if err != nil {
			continue // never populated
		}
		if b.writeBack {
			if _, err := b.file.WriteAt(hal.PhysBytes(pa, uintptr(b.size)), b.fileOffset(va)); err != nil {
				return err
			}
		}
		deallocFrame(pa, b.size)
	}
}

// OnProtect needs no backend work.
func (b *FileBackend) OnProtect(memaddr.VirtAddrRange, paging.MappingFlags, *paging.Table) error {
	return nil
}

// Populate reads the file into freshly-allocated frames and maps them.
// Pages already present with the requested access are skipped.
func (b *FileBackend) Populate(r memaddr.VirtAddrRange, flags paging.MappingFlags,
	access paging.MappingFlags, pt *paging.Table) (int, error) {
	it, err := pagesIn(r, b.size)
	if err != nil {
		return 0, err
	}
	populated := 0
	for {
		va, ok := it.Next()
		if !ok {
			return populated, nil
		}
		if _, cur, _, err := pt.Query(va); err == nil && cur.Contains(access&flags) {
			continue
		}
		pa, err := allocFrame(true, b.size)
		if err != nil {
			return populated, err
		}
		buf := hal.PhysBytes(pa, uintptr(b.size))
		if _, err := b.file.ReadAt(buf, b.fileOffset(va)); err != nil && err != io.EOF {
			deallocFrame(pa, b.size)
			return populated, err
		}
		if err := pt.Remap(va, pa, b.size, flags); err != nil {
			deallocFrame(pa, b.size)
			return populated, err
		}
		populated++
	}
}

// CloneMap shares the file handle; the clone populates its own frames.
func (b *FileBackend) CloneMap(_ memaddr.VirtAddrRange, _ paging.MappingFlags,
	_, _ *paging.Table, _ *AddrSpace) (Backend, error) {
	return &FileBackend{start: b.start, file: b.file, offset: b.offset,
		size: b.size, writeBack: b.writeBack}, nil
}
