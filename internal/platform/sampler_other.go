//go:build !linux

package platform

import (
	"runtime"

	"github.com/ytget/dlsched/internal/model"
)

// Without sysinfo only the process heap is visible: memory load is the share
// of reserved heap in use and CPU load is unknown.
func (s *SystemSampler) sample() (model.SystemStats, error) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	stats := model.SystemStats{}
	if m.HeapSys > 0 {
		stats.MemoryPercent = float64(m.HeapInuse) / float64(m.HeapSys) * 100
	}
	return stats, nil
}
