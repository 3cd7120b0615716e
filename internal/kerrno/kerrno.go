// Package kerrno defines the error taxonomy shared by the kernel core.
//
// Locally recoverable conditions (page populate, lock contention) never
// surface as errors; everything else propagates as one of these sentinels,
// usually wrapped with context via fmt.Errorf and matched with errors.Is.
package kerrno

import "errors"

var (
	// ErrNoMemory indicates a frame or table allocation failed.
	ErrNoMemory = errors.New("kerrno: out of memory")

	// ErrInvalidInput indicates a misaligned address, an empty range, or an
	// out-of-bounds argument.
	ErrInvalidInput = errors.New("kerrno: invalid input")

	// ErrAlreadyMapped indicates a page-table leaf is already present.
	ErrAlreadyMapped = errors.New("kerrno: already mapped")

	// ErrNotMapped indicates a page-table leaf is absent.
	ErrNotMapped = errors.New("kerrno: not mapped")

	// ErrOperationNotPermitted indicates the caller lacks the required
	// relation to the target object.
	ErrOperationNotPermitted = errors.New("kerrno: operation not permitted")

	// ErrInterrupted indicates a blocking operation was aborted by a signal.
	ErrInterrupted = errors.New("kerrno: interrupted")

	// ErrWouldBlock indicates non-blocking I/O has no data.
	ErrWouldBlock = errors.New("kerrno: would block")

	// ErrBadAddress indicates an invalid user pointer.
	ErrBadAddress = errors.New("kerrno: bad address")

	// ErrInvalidCpuId indicates a CPU id at or beyond the CPU count.
	ErrInvalidCpuId = errors.New("kerrno: invalid cpu id")
)
