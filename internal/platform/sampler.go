package platform

import (
	"context"
	"runtime"

	"github.com/ytget/dlsched/internal/model"
)

// DefaultProcPath is where procfs is mounted
const DefaultProcPath = "/proc"

// SystemSampler reads host CPU and memory load. CPU load is the one-minute
// load average relative to the number of CPUs, capped at 100%. Memory load
// is the share of memory the kernel does not consider available, so page
// cache counts as free.
type SystemSampler struct {
	cpus     int
	procPath string
}

// NewSystemSampler creates a sampler for the current host
func NewSystemSampler() *SystemSampler {
	return &SystemSampler{cpus: runtime.NumCPU(), procPath: DefaultProcPath}
}

// Sample returns the current host load
func (s *SystemSampler) Sample(ctx context.Context) (model.SystemStats, error) {
	if err := ctx.Err(); err != nil {
		return model.SystemStats{}, err
	}
	return s.sample()
}

func loadPercent(load float64, cpus int) float64 {
	if cpus < 1 {
		cpus = 1
	}
	return min(100, load/float64(cpus)*100)
}

func memoryPercent(total, available uint64) float64 {
	if total == 0 || available > total {
		return 0
	}
	return float64(total-available) / float64(total) * 100
}
