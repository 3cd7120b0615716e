// Package config holds the kernel tunables. Values load from a YAML file
// and may be hot-reloaded while the kernel runs; readers always see a
// complete, validated snapshot.
package config

import (
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Scheduler tunables.
type SchedulerConfig struct {
	// QuantumTicks is the number of timer ticks granted per dispatch.
	QuantumTicks int `yaml:"quantum_ticks"`
	// TickMillis is the periodic tick interval.
	TickMillis int `yaml:"tick_millis"`
}

// Ksync tunables.
type KsyncConfig struct {
	// MaxSpins is the number of spin iterations before blocking.
	MaxSpins int `yaml:"max_spins"`
	// SpinBeforeYield is the number of exponential-backoff busy spins
	// before spinning turns into yields.
	SpinBeforeYield int `yaml:"spin_before_yield"`
}

// IPI tunables.
type IPIConfig struct {
	// QueueWarnDepth logs a warning when a per-CPU queue grows past it.
	QueueWarnDepth int `yaml:"queue_warn_depth"`
}

// Signal tunables.
type SignalConfig struct {
	// RTQueueCap bounds the queued instances per real-time signal.
	RTQueueCap int `yaml:"rt_queue_cap"`
}

// Config is the full tunables snapshot.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Ksync     KsyncConfig     `yaml:"ksync"`
	IPI       IPIConfig       `yaml:"ipi"`
	Signal    SignalConfig    `yaml:"signal"`
}

// Default returns the built-in tunables.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{QuantumTicks: 5, TickMillis: 10},
		Ksync:     KsyncConfig{MaxSpins: 10, SpinBeforeYield: 3},
		IPI:       IPIConfig{QueueWarnDepth: 1024},
		Signal:    SignalConfig{RTQueueCap: 128},
	}
}

func (c *Config) validate() error {
	if c.Scheduler.QuantumTicks <= 0 || c.Scheduler.TickMillis <= 0 {
		return fmt.Errorf("config: scheduler values must be positive")
	}
	if c.Ksync.MaxSpins <= 0 || c.Ksync.SpinBeforeYield < 0 ||
		c.Ksync.SpinBeforeYield > c.Ksync.MaxSpins || c.Ksync.SpinBeforeYield > 16 {
		return fmt.Errorf("config: ksync spin values out of range")
	}
	if c.Signal.RTQueueCap <= 0 {
		return fmt.Errorf("config: signal rt_queue_cap must be positive")
	}
	return nil
}

var current atomic.Pointer[Config]

func init() {
	def := Default()
	current.Store(&def)
}

// Get returns the active tunables snapshot.
func Get() Config { return *current.Load() }

// Set installs a snapshot after validation.
func Set(c Config) error {
	if err := c.validate(); err != nil {
		return err
	}
	current.Store(&c)
	return nil
}

// LoadFile reads the tunables from a YAML file, starting from defaults for
// fields the file omits.
func LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	c := Default()
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return Set(c)
}
