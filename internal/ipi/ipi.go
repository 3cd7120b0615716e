// Package ipi carries callbacks between CPUs over a single dedicated
// interrupt vector. Each CPU owns a FIFO of pending events; enqueue
// notifies the destination, and the IPI vector handler drains the local
// queue to completion in interrupt context.
//
// Callbacks run in interrupt context: no allocator calls, no blocking
// locks, no async waits.
package ipi

import (
	"fmt"
	"log"
	"sync"

	"github.com/kestrel-os/kestrel/internal/config"
	"github.com/kestrel-os/kestrel/internal/hal"
	"github.com/kestrel-os/kestrel/internal/irq"
	"github.com/kestrel-os/kestrel/internal/kerrno"
)

// Callback executes once on the target CPU.
type Callback func()

// MulticastCallback is cloneable: it is converted to one unicast event per
// destination CPU and may run concurrently on all of them.
type MulticastCallback func()

type event struct {
	srcCpu   int
	callback Callback
}

// eventQueue is one CPU's FIFO of pending events.
type eventQueue struct {
	mu     sync.Mutex
	events []event
}

func (q *eventQueue) push(src int, cb Callback) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, event{srcCpu: src, callback: cb})
	return len(q.events)
}

func (q *eventQueue) popOne() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return event{}, false
	}
	e := q.events[0]
	q.events = q.events[1:]
	return e, true
}

var queues []*eventQueue

// Init builds the per-CPU queues and claims the IPI vector.
func Init() {
	queues = make([]*eventQueue, hal.CpuNum())
	for i := range queues {
		queues[i] = &eventQueue{}
	}
	irq.Register(hal.IPIIRQ, Handler)
}

// RunOnCpu executes cb on the destination CPU. A destination equal to the
// current CPU runs the callback inline; otherwise the event is queued and
// the destination notified.
func RunOnCpu(dstCpu int, cb Callback) error {
	if dstCpu >= hal.CpuNum() || dstCpu < 0 {
		return fmt.Errorf("ipi: cpu %d (max %d): %w", dstCpu, hal.CpuNum()-1, kerrno.ErrInvalidCpuId)
	}
	me := hal.CpuID()
	if dstCpu == me {
		cb()
		return nil
	}
	depth := queues[dstCpu].push(me, cb)
	if warn := config.Get().IPI.QueueWarnDepth; warn > 0 && depth > warn {
		log.Printf("ipi: queue depth %d on cpu %d", depth, dstCpu)
	}
	hal.NotifyCpu(hal.IPIIRQ, hal.Specific(dstCpu))
	return nil
}

// RunOnEachCpu executes cb once on every CPU: inline on the caller, then
// queued to every other CPU behind one all-but-self notification.
func RunOnEachCpu(cb MulticastCallback) error {
	me := hal.CpuID()
	cb()
	for cpu := 0; cpu < hal.CpuNum(); cpu++ {
		if cpu != me {
			// Convert to a unicast event per destination.
			queues[cpu].push(me, Callback(cb))
		}
	}
	hal.NotifyCpu(hal.IPIIRQ, hal.AllButSelf(me))
	return nil
}

// Handler is the IPI vector handler: it drains the local queue FIFO to
// completion. Each callback runs in the interrupt context of the receiving
// CPU.
func Handler() {
	q := queues[hal.CpuID()]
	for {
		e, ok := q.popOne()
		if !ok {
			return
		}
		e.callback()
	}
}

// PendingOn returns the number of queued events of the given CPU.
func PendingOn(cpu int) int {
	q := queues[cpu]
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
