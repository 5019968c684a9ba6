package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ytget/dlsched/internal/download"
)

const namespace = "dlsched"

// registerGauges exposes the scheduler status as gauges evaluated at scrape time
func registerGauges(reg *prometheus.Registry, sched download.Scheduler) {
	factory := promauto.With(reg)
	gauge := func(subsystem, name, help string, value func(download.Status) float64) {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, func() float64 {
			return value(sched.Status())
		})
	}

	// Queue metrics
	gauge("queue", "pending_tasks", "Tasks waiting for dependencies or a slot",
		func(s download.Status) float64 { return float64(s.Queue.Pending) })
	gauge("queue", "running_tasks", "Tasks being transferred",
		func(s download.Status) float64 { return float64(s.Queue.Running) })
	gauge("queue", "completed_tasks", "Tasks completed since start",
		func(s download.Status) float64 { return float64(s.Queue.Completed) })
	gauge("queue", "failed_tasks", "Tasks failed since start",
		func(s download.Status) float64 { return float64(s.Queue.Failed) })
	gauge("queue", "concurrency_target", "Concurrency advertised by the queue optimizer",
		func(s download.Status) float64 { return float64(s.Queue.Concurrency) })

	// Gate metrics
	gauge("gate", "capacity", "Execution gate capacity",
		func(s download.Status) float64 { return float64(s.Gate.Capacity) })
	gauge("gate", "in_use", "Execution gate slots held",
		func(s download.Status) float64 { return float64(s.Gate.InUse) })

	// Adaptive settings
	gauge("settings", "max_concurrent_downloads", "Current concurrency limit",
		func(s download.Status) float64 { return float64(s.Settings.MaxConcurrentDownloads) })
	gauge("settings", "chunk_size_bytes", "Current transfer chunk size",
		func(s download.Status) float64 { return float64(s.Settings.ChunkSize) })
	gauge("settings", "timeout_seconds", "Current transfer stall timeout",
		func(s download.Status) float64 { return s.Settings.Timeout.Seconds() })
	gauge("settings", "retry_delay_seconds", "Current base retry delay",
		func(s download.Status) float64 { return s.Settings.RetryDelay.Seconds() })
	gauge("settings", "max_retries", "Current attempts per task",
		func(s download.Status) float64 { return float64(s.Settings.MaxRetries) })

	gauge("dedup", "entries", "Entries in the dedup cache",
		func(s download.Status) float64 { return float64(s.Dedup) })
}
