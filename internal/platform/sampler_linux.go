//go:build linux

package platform

import (
	"errors"
	"fmt"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"github.com/ytget/dlsched/internal/model"
)

// sysinfo load averages are fixed point with 16 fractional bits
const loadScale = 1 << 16

var errNoMemAvailable = errors.New("meminfo has no MemAvailable")

func (s *SystemSampler) sample() (model.SystemStats, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return model.SystemStats{}, fmt.Errorf("sysinfo: %w", err)
	}

	stats := model.SystemStats{
		CPUPercent: loadPercent(float64(info.Loads[0])/loadScale, s.cpus),
	}
	if pct, err := s.memInfoPercent(); err == nil {
		stats.MemoryPercent = pct
		return stats, nil
	}

	// kernels without MemAvailable; cached pages still count as used here
	stats.MemoryPercent = memoryPercent(uint64(info.Totalram), uint64(info.Freeram)+uint64(info.Bufferram))
	return stats, nil
}

// memInfoPercent reads MemTotal and MemAvailable from meminfo
func (s *SystemSampler) memInfoPercent() (float64, error) {
	path := s.procPath
	if path == "" {
		path = DefaultProcPath
	}
	fs, err := procfs.NewFS(path)
	if err != nil {
		return 0, fmt.Errorf("open procfs: %w", err)
	}
	mi, err := fs.Meminfo()
	if err != nil {
		return 0, fmt.Errorf("read meminfo: %w", err)
	}
	if mi.MemTotal == nil || mi.MemAvailable == nil {
		return 0, errNoMemAvailable
	}
	return memoryPercent(*mi.MemTotal, *mi.MemAvailable), nil
}
