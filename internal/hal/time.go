package hal

import (
	"sync/atomic"
	"time"
)

// Time sources. Monotonic time drives the scheduler; wall time is exposed
// for collaborators only.

var (
	ticks     atomic.Uint64
	timerBase = time.Now()
)

func nowFallback() time.Duration { return time.Since(timerBase) }

// MonotonicTime returns nanoseconds since boot.
func MonotonicTime() int64 { return monotonicNow() }

// MonotonicTicks returns the number of timer interrupts raised through
// ArmTimer since boot; interrupts sent with NotifyCpu directly are not
// counted.
func MonotonicTicks() uint64 { return ticks.Load() }

// WallTime returns wall-clock nanoseconds since the Unix epoch.
func WallTime() int64 { return time.Now().UnixNano() }

func countTick() { ticks.Add(1) }

// ArmTimer schedules a timer interrupt on the calling CPU at the given
// monotonic deadline. A deadline in the past fires immediately.
func ArmTimer(deadlineNs int64) {
	cpu := CpuID()
	delta := time.Duration(deadlineNs - MonotonicTime())
	if delta <= 0 {
		countTick()
		NotifyCpu(TimerIRQ, Specific(cpu))
		return
	}
	time.AfterFunc(delta, func() {
		countTick()
		NotifyCpu(TimerIRQ, Specific(cpu))
	})
}
