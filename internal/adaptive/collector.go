package adaptive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ytget/dlsched/internal/model"
)

// Collector limits
const (
	HistoryCapacity = 100

	lossWindow   = 50
	latencyAlpha = 0.3
)

// MetricsSource samples host resources
type MetricsSource interface {
	Sample(ctx context.Context) (model.SystemStats, error)
}

// MetricsSourceFunc adapts a function to MetricsSource
type MetricsSourceFunc func(ctx context.Context) (model.SystemStats, error)

// Sample calls f
func (f MetricsSourceFunc) Sample(ctx context.Context) (model.SystemStats, error) {
	return f(ctx)
}

// Collector produces BandwidthMetrics samples from the system source and the
// transfer outcomes reported by the orchestrator, and keeps a capped history.
type Collector struct {
	mu sync.Mutex

	source  MetricsSource
	history []model.BandwidthMetrics

	// per-task transfer rates in KiB/s, attributed to the reporting task
	speeds map[string]float64

	latencyMs   float64
	haveLatency bool
	outcomes    []bool // true when the attempt hit a transient network error

	clock  func() time.Time
	logger *slog.Logger
}

// NewCollector creates a collector reading system stats from source
func NewCollector(source MetricsSource, clock func() time.Time, logger *slog.Logger) *Collector {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		source:  source,
		history: make([]model.BandwidthMetrics, 0, HistoryCapacity),
		speeds:  make(map[string]float64),
		clock:   clock,
		logger:  logger,
	}
}

// Collect takes one sample and appends it to the history. On failure the
// zero sample and the error are returned and nothing is appended.
func (c *Collector) Collect(ctx context.Context, active int) (sample model.BandwidthMetrics, err error) {
	defer func() {
		if r := recover(); r != nil {
			sample, err = model.BandwidthMetrics{}, fmt.Errorf("metrics source panic: %v", r)
		}
	}()

	var stats model.SystemStats
	if c.source != nil {
		stats, err = c.source.Sample(ctx)
		if err != nil {
			c.logger.Warn("system sample failed", "error", err)
			return model.BandwidthMetrics{}, fmt.Errorf("sample system: %w", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	sample = model.BandwidthMetrics{
		Timestamp:           c.clock(),
		DownloadSpeed:       c.aggregateSpeedLocked(),
		LatencyMs:           c.latencyMs,
		PacketLoss:          c.lossPercentLocked(),
		ConcurrentDownloads: active,
		CPUPercent:          stats.CPUPercent,
		MemoryPercent:       stats.MemoryPercent,
		DiskIORate:          stats.DiskIORate,
	}
	c.history = append(c.history, sample)
	if len(c.history) > HistoryCapacity {
		c.history = c.history[len(c.history)-HistoryCapacity:]
	}
	return sample, nil
}

// Latest returns the most recent sample
func (c *Collector) Latest() (model.BandwidthMetrics, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.history) == 0 {
		return model.BandwidthMetrics{}, false
	}
	return c.history[len(c.history)-1], true
}

// History returns a copy of the retained samples, oldest first
func (c *Collector) History() []model.BandwidthMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.BandwidthMetrics(nil), c.history...)
}

// RecordSpeed stores the rate observed by one task and writes the aggregate
// over all reporting tasks into the most recent sample.
func (c *Collector) RecordSpeed(taskID string, bytes int64, elapsed time.Duration) {
	if elapsed <= 0 || bytes < 0 {
		return
	}
	rate := float64(bytes) / 1024 / elapsed.Seconds()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.speeds[taskID] = rate
	if n := len(c.history); n > 0 {
		c.history[n-1].DownloadSpeed = c.aggregateSpeedLocked()
	}
}

// RecordAttempt feeds the latency estimate and the loss window
func (c *Collector) RecordAttempt(latency time.Duration, lost bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if latency > 0 {
		ms := float64(latency) / float64(time.Millisecond)
		if c.haveLatency {
			c.latencyMs = latencyAlpha*ms + (1-latencyAlpha)*c.latencyMs
		} else {
			c.latencyMs = ms
			c.haveLatency = true
		}
	}
	c.outcomes = append(c.outcomes, lost)
	if len(c.outcomes) > lossWindow {
		c.outcomes = c.outcomes[len(c.outcomes)-lossWindow:]
	}
}

// Forget drops the rate attributed to a finished task
func (c *Collector) Forget(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.speeds, taskID)
}

func (c *Collector) aggregateSpeedLocked() float64 {
	total := 0.0
	for _, s := range c.speeds {
		total += s
	}
	return total
}

func (c *Collector) lossPercentLocked() float64 {
	if len(c.outcomes) == 0 {
		return 0
	}
	lost := 0
	for _, l := range c.outcomes {
		if l {
			lost++
		}
	}
	return float64(lost) / float64(len(c.outcomes)) * 100
}
