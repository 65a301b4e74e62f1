package backpressure

import (
	"errors"
	"runtime"
	"strings"
	"testing"
)

func TestCheck_DisabledByZeroThresholds(t *testing.T) {
	t.Parallel()
	p := &Probe{
		// Samplers that would trip any threshold; they must never be called.
		MemSampler:  func() (uint64, error) { t.Error("mem sampled while disabled"); return 0, nil },
		LoadSampler: func() (float64, error) { t.Error("load sampled while disabled"); return 0, nil },
	}
	ok, reason, err := p.Check()
	if !ok || reason != "" || err != nil {
		t.Errorf("Check = (%t, %q, %v), want (true, \"\", nil)", ok, reason, err)
	}
}

func TestCheck_MemoryThreshold(t *testing.T) {
	t.Parallel()
	p := &Probe{
		Config:     Config{MinAvailableMemMB: 1024},
		MemSampler: func() (uint64, error) { return 512 << 20, nil },
	}
	ok, reason, err := p.Check()
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if ok {
		t.Error("512MiB available with a 1024MiB floor should report pressure")
	}
	if !strings.Contains(reason, "512MiB") {
		t.Errorf("reason = %q", reason)
	}

	p.MemSampler = func() (uint64, error) { return 4096 << 20, nil }
	if ok, _, _ := p.Check(); !ok {
		t.Error("plenty of memory should pass")
	}
}

func TestCheck_LoadThreshold(t *testing.T) {
	t.Parallel()
	cpus := float64(runtime.NumCPU())
	p := &Probe{
		Config:      Config{MaxLoadPerCPU: 1.0},
		LoadSampler: func() (float64, error) { return 2.0 * cpus, nil },
	}
	ok, reason, err := p.Check()
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if ok {
		t.Error("load 2.0 per CPU over a 1.0 cap should report pressure")
	}
	if reason == "" {
		t.Error("pressure without a reason")
	}

	p.LoadSampler = func() (float64, error) { return 0.1 * cpus, nil }
	if ok, _, _ := p.Check(); !ok {
		t.Error("light load should pass")
	}
}

func TestCheck_SamplerErrors(t *testing.T) {
	t.Parallel()
	p := &Probe{
		Config:     Config{MinAvailableMemMB: 1024},
		MemSampler: func() (uint64, error) { return 0, errors.New("procfs unavailable") },
	}
	if _, _, err := p.Check(); err == nil {
		t.Error("sampler errors should surface, not read as pressure")
	}
}
