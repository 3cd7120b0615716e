//go:build unix

package hal

import "golang.org/x/sys/unix"

// monotonicNow reads CLOCK_MONOTONIC directly, bypassing the Go runtime's
// wall-clock coupling.
func monotonicNow() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return int64(nowFallback())
	}
	return ts.Nano()
}
