// Package hal is the hardware-abstraction layer consumed by the kernel
// core. It hosts the core on a plain OS process: physical memory is a
// mmap-backed arena, virtual CPUs are identities bound to goroutines, and
// interrupts are injected through a registered trap entry.
//
// Everything above this package (paging, scheduler, address spaces) sees
// only the contract: cpu ids, monotonic time, the direct map, IRQ masking
// and cross-CPU notification.
package hal

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// InterfaceVersion is the version of the HAL contract this core was built
// against. Platform packages report the version they implement; Init
// rejects implementations outside the compatible range.
const InterfaceVersion = "1.2.0"

var versionConstraint = mustConstraint("^1.0")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Options configures the host platform.
type Options struct {
	// CPUs is the number of virtual CPUs. Zero means 4.
	CPUs int
	// RAMBytes is the size of the physical-memory arena. Zero means 64 MiB.
	RAMBytes uintptr
	// PlatformVersion is the HAL version the platform reports. Empty means
	// InterfaceVersion.
	PlatformVersion string
}

var initialized bool

// Init brings up the host platform. It must be called once, before any
// other kernel subsystem.
func Init(opts Options) error {
	if initialized {
		return fmt.Errorf("hal: already initialized")
	}
	if opts.CPUs <= 0 {
		opts.CPUs = 4
	}
	if opts.RAMBytes == 0 {
		opts.RAMBytes = 64 << 20
	}
	if opts.PlatformVersion == "" {
		opts.PlatformVersion = InterfaceVersion
	}
	ver, err := semver.NewVersion(opts.PlatformVersion)
	if err != nil {
		return fmt.Errorf("hal: bad platform version %q: %w", opts.PlatformVersion, err)
	}
	if !versionConstraint.Check(ver) {
		return fmt.Errorf("hal: platform version %s incompatible with constraint %s",
			ver, versionConstraint)
	}

	if err := initMemory(opts.RAMBytes); err != nil {
		return err
	}
	initCPUs(opts.CPUs)
	initialized = true
	return nil
}

// CpuNum returns the number of virtual CPUs.
func CpuNum() int { return cpuNum }
