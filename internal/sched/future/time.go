package future

import (
	"time"

	"github.com/kestrel-os/kestrel/internal/hal"
	"github.com/kestrel-os/kestrel/internal/sched"
)

// SleepFuture resolves after a monotonic deadline passes, yielding the
// elapsed duration.
type SleepFuture struct {
	start    int64
	deadline int64
	armed    bool
}

// Sleep returns a future resolving after d.
func Sleep(d time.Duration) *SleepFuture {
	now := hal.MonotonicTime()
	return &SleepFuture{start: now, deadline: now + d.Nanoseconds()}
}

// SleepUntil returns a future resolving at the given monotonic deadline.
func SleepUntil(deadlineNs int64) *SleepFuture {
	return &SleepFuture{start: hal.MonotonicTime(), deadline: deadlineNs}
}

// Poll resolves when the deadline has passed; the first pending poll arms
// a wheel timer on the context's waker.
func (f *SleepFuture) Poll(cx *Context) (time.Duration, bool) {
	now := hal.MonotonicTime()
	if now >= f.deadline {
		return time.Duration(now - f.start), true
	}
	if !f.armed {
		f.armed = true
		w := cx.Waker()
		sched.AddTimer(f.deadline, w.Wake)
	}
	return 0, false
}
