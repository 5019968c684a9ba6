package model

import "time"

// BandwidthMetrics is a point-in-time sample of system and transfer state.
// Once in the collector history only the latest sample's DownloadSpeed is
// rewritten, by per-task speed reports.
type BandwidthMetrics struct {
	Timestamp           time.Time `json:"timestamp"`
	DownloadSpeed       float64   `json:"download_speed_kbps"` // KiB/s across active transfers
	LatencyMs           float64   `json:"latency_ms"`
	PacketLoss          float64   `json:"packet_loss_percent"`
	ConcurrentDownloads int       `json:"concurrent_downloads"`
	CPUPercent          float64   `json:"cpu_percent"`
	MemoryPercent       float64   `json:"memory_percent"`
	DiskIORate          float64   `json:"disk_io_rate"` // bytes/s
}

// SystemStats is one reading of the host resources used by the metrics collector
type SystemStats struct {
	CPUPercent    float64
	MemoryPercent float64
	DiskIORate    float64 // bytes/s
}
