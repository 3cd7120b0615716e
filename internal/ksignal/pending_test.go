package ksignal

import (
	"testing"

	"github.com/kestrel-os/kestrel/internal/config"
)

func allSignals() SignalSet { return ^SignalSet(0) }

func TestStandardSignalRoundTrip(t *testing.T) {
	p := NewPendingSignals()
	in := SignalInfo{Signo: SIGTERM, Code: 1, SenderPID: 42}
	if !p.Put(in) {
		t.Fatal("put")
	}
	out := p.Dequeue(allSignals())
	if out == nil || *out != in {
		t.Fatalf("dequeue: %+v", out)
	}
	if p.Dequeue(allSignals()) != nil {
		t.Fatal("store must be empty")
	}
}

func TestStandardSignalSecondPutFails(t *testing.T) {
	p := NewPendingSignals()
	if !p.Put(SignalInfo{Signo: SIGTERM}) {
		t.Fatal("first put")
	}
	if p.Put(SignalInfo{Signo: SIGTERM}) {
		t.Fatal("second pending standard instance must be rejected")
	}
	if !p.Put(SignalInfo{Signo: SIGKILL}) {
		t.Fatal("other signals are unaffected")
	}
}

func TestRealtimeSignalsQueue(t *testing.T) {
	p := NewPendingSignals()
	const rt = Signo(34)
	for i := 0; i < 3; i++ {
		if !p.Put(SignalInfo{Signo: rt, Value: i}) {
			t.Fatalf("rt put %d", i)
		}
	}
	// Instances come back in FIFO order; the set bit stays while the
	// queue is nonempty.
	for i := 0; i < 3; i++ {
		if !p.Set().Contains(rt) {
			t.Fatalf("bit cleared with %d instances left", 3-i)
		}
		out := p.Dequeue(allSignals())
		if out == nil || out.Value != i {
			t.Fatalf("instance %d: %+v", i, out)
		}
	}
	if p.Set().Contains(rt) {
		t.Fatal("bit must clear with the last instance")
	}
}

func TestDequeuePrefersLowestNumber(t *testing.T) {
	p := NewPendingSignals()
	p.Put(SignalInfo{Signo: 34})
	p.Put(SignalInfo{Signo: SIGSEGV})
	p.Put(SignalInfo{Signo: SIGTERM})
	if out := p.Dequeue(allSignals()); out == nil || out.Signo != SIGSEGV {
		t.Fatalf("first: %+v", out)
	}
	if out := p.Dequeue(allSignals()); out == nil || out.Signo != SIGTERM {
		t.Fatalf("second: %+v", out)
	}
	if out := p.Dequeue(allSignals()); out == nil || out.Signo != 34 {
		t.Fatalf("third: %+v", out)
	}
}

func TestDequeueRespectsMask(t *testing.T) {
	p := NewPendingSignals()
	p.Put(SignalInfo{Signo: SIGTERM})

	if p.Dequeue(0) != nil {
		t.Fatal("empty mask must return nothing even with signals pending")
	}

	var only SignalSet
	only.Add(SIGKILL)
	if p.Dequeue(only) != nil {
		t.Fatal("mask without the pending signal must return nothing")
	}

	var match SignalSet
	match.Add(SIGTERM)
	if out := p.Dequeue(match); out == nil || out.Signo != SIGTERM {
		t.Fatalf("masked dequeue: %+v", out)
	}
}

func TestRealtimeQueueCap(t *testing.T) {
	old := config.Get()
	c := old
	c.Signal.RTQueueCap = 2
	if err := config.Set(c); err != nil {
		t.Fatal(err)
	}
	defer config.Set(old)

	p := NewPendingSignals()
	const rt = Signo(40)
	if !p.Put(SignalInfo{Signo: rt}) || !p.Put(SignalInfo{Signo: rt}) {
		t.Fatal("puts under cap")
	}
	if p.Put(SignalInfo{Signo: rt}) {
		t.Fatal("put above cap must fail")
	}
}

func TestInvalidSigno(t *testing.T) {
	p := NewPendingSignals()
	if p.Put(SignalInfo{Signo: 0}) || p.Put(SignalInfo{Signo: 65}) {
		t.Fatal("out-of-range signo accepted")
	}
}
