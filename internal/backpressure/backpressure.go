// Package backpressure gates workcell admission on host resource pressure.
// When available memory or load average crosses the configured thresholds,
// the runner shrinks the cycle's admitted lanes instead of stampeding an
// already struggling machine.
package backpressure

import (
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Config holds the pressure thresholds. Zero values disable a check.
type Config struct {
	// MinAvailableMemMB is the minimum available memory, in MiB, required
	// to admit a full cycle.
	MinAvailableMemMB uint64
	// MaxLoadPerCPU is the maximum 1-minute load average per logical CPU.
	MaxLoadPerCPU float64
}

// Enabled reports whether any threshold is configured.
func (c Config) Enabled() bool {
	return c.MinAvailableMemMB > 0 || c.MaxLoadPerCPU > 0
}

// Probe samples host resources against its thresholds. The sampler fields
// exist so tests can inject readings; zero-value probes use gopsutil.
type Probe struct {
	Config Config

	// MemSampler returns available memory in bytes. Defaults to gopsutil.
	MemSampler func() (uint64, error)
	// LoadSampler returns the 1-minute load average. Defaults to gopsutil.
	LoadSampler func() (float64, error)
}

// Check returns ok=false with a human-readable reason when the host is under
// pressure. Sampling errors are returned as errors, not pressure.
func (p *Probe) Check() (ok bool, reason string, err error) {
	if !p.Config.Enabled() {
		return true, "", nil
	}

	if p.Config.MinAvailableMemMB > 0 {
		avail, err := p.sampleMem()
		if err != nil {
			return false, "", fmt.Errorf("backpressure: sample memory: %w", err)
		}
		availMB := avail / (1 << 20)
		if availMB < p.Config.MinAvailableMemMB {
			return false, fmt.Sprintf("available memory %dMiB below %dMiB", availMB, p.Config.MinAvailableMemMB), nil
		}
	}

	if p.Config.MaxLoadPerCPU > 0 {
		avg, err := p.sampleLoad()
		if err != nil {
			return false, "", fmt.Errorf("backpressure: sample load: %w", err)
		}
		perCPU := avg / float64(runtime.NumCPU())
		if perCPU > p.Config.MaxLoadPerCPU {
			return false, fmt.Sprintf("load %.2f per CPU above %.2f", perCPU, p.Config.MaxLoadPerCPU), nil
		}
	}

	return true, "", nil
}

func (p *Probe) sampleMem() (uint64, error) {
	if p.MemSampler != nil {
		return p.MemSampler()
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

func (p *Probe) sampleLoad() (float64, error) {
	if p.LoadSampler != nil {
		return p.LoadSampler()
	}
	avg, err := load.Avg()
	if err != nil {
		return 0, err
	}
	return avg.Load1, nil
}
