//go:build unix

package hal

import "golang.org/x/sys/unix"

// mapArena reserves the physical-memory arena as anonymous private pages.
// mmap keeps the arena out of the Go heap, so physical frames have stable
// host addresses for the direct map.
func mapArena(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
}
