package ksignal

import (
	"sync"

	"github.com/kestrel-os/kestrel/internal/config"
)

// PendingSignals is the per-task queue of signals awaiting delivery.
// Standard and real-time signals have different queuing semantics, so
// their storage is separate: one optional instance per standard number,
// a FIFO per real-time number.
type PendingSignals struct {
	mu sync.Mutex

	set     SignalSet
	infoStd [32]*SignalInfo
	infoRT  [MaxSignals - 31][]SignalInfo
}

// NewPendingSignals returns an empty store.
func NewPendingSignals() *PendingSignals { return &PendingSignals{} }

// Set returns the bitmask of pending signals.
func (p *PendingSignals) Set() SignalSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.set
}

// Put adds a signal to the store.
//
// It returns false when a standard signal is already pending, or when a
// real-time signal's queue is at its configured cap.
func (p *PendingSignals) Put(sig SignalInfo) bool {
	if !sig.Signo.IsValid() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if sig.Signo.IsRealtime() {
		idx := int(sig.Signo) - 32
		if len(p.infoRT[idx]) >= config.Get().Signal.RTQueueCap {
			return false
		}
		p.set.Add(sig.Signo)
		p.infoRT[idx] = append(p.infoRT[idx], sig)
		return true
	}

	if !p.set.Add(sig.Signo) {
		// At most one standard instance can be pending.
		return false
	}
	info := sig
	p.infoStd[sig.Signo] = &info
	return true
}

// Dequeue removes and returns the next pending signal contained in mask,
// preferring the lowest number. For a real-time signal with further queued
// instances the set bit is restored.
func (p *PendingSignals) Dequeue(mask SignalSet) *SignalInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	signo, ok := p.set.Dequeue(mask)
	if !ok {
		return nil
	}
	if signo.IsRealtime() {
		idx := int(signo) - 32
		queue := p.infoRT[idx]
		if len(queue) == 0 {
			return nil
		}
		info := queue[0]
		p.infoRT[idx] = queue[1:]
		if len(p.infoRT[idx]) > 0 {
			p.set.Add(signo)
		}
		return &info
	}
	info := p.infoStd[signo]
	p.infoStd[signo] = nil
	return info
}
