// Package sampler reports the host load signal a worker uses to decide
// whether it may start another job.
package sampler

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/prometheus/procfs"
)

// Reading is one sample of host resources.
type Reading struct {
	LoadAvg      float64 // 1-minute load average
	FreeMemoryMB uint64
	CPUs         int
}

// Sampler produces host readings.
type Sampler interface {
	Sample() (Reading, error)
}

// Limits bound when a host counts as overloaded. Zero values disable a check.
type Limits struct {
	// MaxLoad is compared against the load average per CPU.
	MaxLoad         float64
	MinFreeMemoryMB uint64
}

// Overloaded reports whether r exceeds the limits.
func (l Limits) Overloaded(r Reading) bool {
	if l.MaxLoad > 0 {
		cpus := r.CPUs
		if cpus < 1 {
			cpus = 1
		}
		if r.LoadAvg/float64(cpus) > l.MaxLoad {
			return true
		}
	}
	if l.MinFreeMemoryMB > 0 && r.FreeMemoryMB < l.MinFreeMemoryMB {
		return true
	}
	return false
}

// ProcSampler reads /proc/loadavg and /proc/meminfo.
type ProcSampler struct {
	fs procfs.FS
}

// NewProcSampler opens the proc filesystem at its default mount point.
func NewProcSampler() (*ProcSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &ProcSampler{fs: fs}, nil
}

// Sample implements Sampler.
func (p *ProcSampler) Sample() (Reading, error) {
	r := Reading{CPUs: runtime.NumCPU()}

	load, err := p.fs.LoadAvg()
	if err != nil {
		return r, fmt.Errorf("read loadavg: %w", err)
	}
	r.LoadAvg = load.Load1

	mem, err := p.fs.Meminfo()
	if err != nil {
		return r, fmt.Errorf("read meminfo: %w", err)
	}
	switch {
	case mem.MemAvailable != nil:
		r.FreeMemoryMB = *mem.MemAvailable / 1024
	case mem.MemFree != nil:
		r.FreeMemoryMB = *mem.MemFree / 1024
	}
	return r, nil
}

// Static returns a fixed reading. Safe for concurrent use.
type Static struct {
	mu sync.Mutex
	r  Reading
}

// NewStatic creates a Static sampler.
func NewStatic(r Reading) *Static {
	return &Static{r: r}
}

// Set replaces the reading.
func (s *Static) Set(r Reading) {
	s.mu.Lock()
	s.r = r
	s.mu.Unlock()
}

// Sample implements Sampler.
func (s *Static) Sample() (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r, nil
}

// Default returns a ProcSampler where /proc is available and a Static idle
// reading otherwise.
func Default() Sampler {
	if p, err := NewProcSampler(); err == nil {
		if _, err := p.Sample(); err == nil {
			return p
		}
	}
	return NewStatic(Reading{CPUs: runtime.NumCPU()})
}
