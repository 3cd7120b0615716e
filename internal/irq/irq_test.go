package irq

import (
	"os"
	"testing"

	"github.com/kestrel-os/kestrel/internal/hal"
	"github.com/kestrel-os/kestrel/internal/sched"
	"github.com/kestrel-os/kestrel/internal/trap"
)

func TestMain(m *testing.M) {
	if err := hal.Init(hal.Options{CPUs: 2, RAMBytes: 16 << 20}); err != nil {
		panic(err)
	}
	sched.Init()
	trap.Init()
	Init()
	os.Exit(m.Run())
}

func TestHookInstallsOnce(t *testing.T) {
	first := RegisterIRQHook(func(irq int) {})
	second := RegisterIRQHook(func(irq int) {})
	if !first {
		t.Fatal("first hook registration failed")
	}
	if second {
		t.Fatal("second hook registration must fail")
	}
}

func TestDispatchCallsHandlerThenHook(t *testing.T) {
	var events []string
	Register(0x50, func() { events = append(events, "handler") })
	defer Unregister(0x50)

	// The hook slot is once-settable; redirect the installed hook's body
	// for this scenario.
	RegisterIRQHook(func(irq int) {})
	hooked := hook.Load()
	*hooked = func(irq int) {
		if irq == 0x50 {
			events = append(events, "hook")
		}
	}

	if !HandleIRQ(0x50) {
		t.Fatal("handle")
	}
	if len(events) != 2 || events[0] != "handler" || events[1] != "hook" {
		t.Fatalf("events: %v", events)
	}
}

func TestSpuriousVectorSkipsHook(t *testing.T) {
	called := false
	RegisterIRQHook(func(irq int) {})
	hooked := hook.Load()
	*hooked = func(irq int) { called = true }

	HandleIRQ(0x7f) // no handler registered
	if called {
		t.Fatal("hook must not run for a spurious vector")
	}
}

func TestPreemptGuardHeldDuringDispatch(t *testing.T) {
	Register(0x51, func() {
		if sched.PreemptEnabled() {
			t.Error("preemption enabled inside irq dispatch")
		}
	})
	defer Unregister(0x51)
	HandleIRQ(0x51)
	if !sched.PreemptEnabled() {
		t.Fatal("preemption not restored after dispatch")
	}
}
