package ksync

import (
	"runtime"

	"github.com/kestrel-os/kestrel/internal/config"
	"github.com/kestrel-os/kestrel/internal/sched"
)

// SpinConfig controls the adaptive spinning of the blocking primitives.
//
// MaxSpins should stay within 1..=100; SpinBeforeYield must not exceed
// MaxSpins and is capped at 16 to bound the exponential backoff.
type SpinConfig struct {
	// MaxSpins is the number of spin iterations before blocking.
	MaxSpins int
	// SpinBeforeYield is the number of busy-backoff iterations before
	// spinning turns into yields.
	SpinBeforeYield int
}

// DefaultSpinConfig returns the active tunables.
func DefaultSpinConfig() SpinConfig {
	c := config.Get().Ksync
	return SpinConfig{MaxSpins: c.MaxSpins, SpinBeforeYield: c.SpinBeforeYield}
}

// spin is the adaptive spin helper. The first SpinBeforeYield iterations
// busy-wait with exponential backoff (1 << count pause steps, capped);
// later iterations yield the task.
type spin struct {
	count  int
	config SpinConfig
	// iters accumulates busy iterations for the stats counters.
	iters uint64
}

func newSpin(cfg SpinConfig) spin { return spin{config: cfg} }

// next performs one spin iteration. It returns false once the caller
// should stop spinning and block.
func (s *spin) next() bool {
	if s.count >= s.config.MaxSpins {
		return false
	}
	s.count++
	if s.count <= s.config.SpinBeforeYield {
		steps := 1 << s.count
		for i := 0; i < steps; i++ {
			cpuRelax()
		}
		s.iters += uint64(steps)
	} else {
		sched.YieldNow()
	}
	return true
}

// cpuRelax stands in for the architecture pause instruction.
func cpuRelax() { runtime.Gosched() }
