// Package irq is the IRQ hook layer: per-vector handlers behind the
// architecture IRQ controller, plus a single post-dispatch hook installed
// once at boot (typically the scheduler tick).
package irq

import (
	"sync"
	"sync/atomic"

	"github.com/kestrel-os/kestrel/internal/sched"
	"github.com/kestrel-os/kestrel/internal/trap"
)

var (
	hook atomic.Pointer[func(irq int)]

	handlersMu sync.RWMutex
	handlers   = map[int]func(){}
)

// RegisterIRQHook installs the post-dispatch hook. Only the first call
// succeeds; subsequent calls return false. The hook runs in interrupt
// context and must stay side-effect-minimal.
func RegisterIRQHook(fn func(irq int)) bool {
	return hook.CompareAndSwap(nil, &fn)
}

// Register binds a handler to a hardware vector.
func Register(vector int, h func()) {
	handlersMu.Lock()
	handlers[vector] = h
	handlersMu.Unlock()
}

// Unregister removes the handler of a vector.
func Unregister(vector int) {
	handlersMu.Lock()
	delete(handlers, vector)
	handlersMu.Unlock()
}

// dispatchIRQ forwards the vector to the controller's handler. It returns
// the resolved irq number, ok=false for a spurious vector.
func dispatchIRQ(vector int) (int, bool) {
	handlersMu.RLock()
	h := handlers[vector]
	handlersMu.RUnlock()
	if h == nil {
		return 0, false
	}
	h()
	return vector, true
}

// HandleIRQ is the IRQ-class trap handler: dispatch the vector under a
// no-preempt guard, then run the hook. Rescheduling may occur when
// preemption is re-enabled on return.
func HandleIRQ(vector int) bool {
	sched.DisablePreempt()
	defer sched.EnablePreempt()

	if irqnum, ok := dispatchIRQ(vector); ok {
		if fn := hook.Load(); fn != nil {
			(*fn)(irqnum)
		}
	}
	return true
}

// Init wires the layer into trap dispatch.
func Init() {
	trap.RegisterIRQHandler(HandleIRQ)
}
