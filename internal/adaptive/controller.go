package adaptive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ytget/dlsched/internal/model"
)

// Adjustment cadence
const (
	AdjustmentInterval = 30 * time.Second
	EmergencyThreshold = 90.0 // percent CPU or memory
)

// Rule thresholds
const (
	highLoad = 80.0
	lowLoad  = 50.0

	highLatencyMs = 200.0
	lowLatencyMs  = 100.0
	fastLatencyMs = 50.0
	fastSpeedKbps = 1000.0

	idleLossPercent  = 1.0
	highLossPercent  = 2.0
	cleanLossPercent = 0.5
	lossyPercent     = 3.0

	timeoutStep   = 10 * time.Second
	timeoutRelief = 5 * time.Second

	chunkCeilingFactor   = 4
	timeoutCeilingFactor = 2
	retryCeilingFactor   = 3
	retriesCeilingFactor = 2

	retryScaleUp   = 1.5
	retryScaleDown = 0.8
)

// BandwidthPolicy computes a bandwidth limit from the latest sample. The
// default policy keeps the current limit.
type BandwidthPolicy func(m model.BandwidthMetrics, current model.AdaptiveSettings) *float64

// Option configures a Controller
type Option func(*Controller)

// WithClock injects the time source
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithInterval overrides AdjustmentInterval
func WithInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithBandwidthPolicy installs the bandwidth-limit rule
func WithBandwidthPolicy(p BandwidthPolicy) Option {
	return func(c *Controller) { c.bandwidth = p }
}

// WithChangeHook is called after every adjustment that changed the settings
func WithChangeHook(fn func(previous, current model.AdaptiveSettings)) Option {
	return func(c *Controller) { c.onChange = fn }
}

// Controller owns the live AdaptiveSettings record and the active-transfer set
type Controller struct {
	mu sync.Mutex
	// serializes Adjust so two callers cannot both pass ShouldAdjust
	adjustMu sync.Mutex

	base     model.AdaptiveSettings
	ceiling  int
	settings model.AdaptiveSettings
	active   map[string]time.Time

	lastAdjust time.Time
	interval   time.Duration

	collector *Collector
	bandwidth BandwidthPolicy
	onChange  func(previous, current model.AdaptiveSettings)

	clock  func() time.Time
	logger *slog.Logger
}

// NewController creates a controller starting from base. ceiling caps
// MaxConcurrentDownloads; values below 1 use base.MaxConcurrentDownloads.
func NewController(base model.AdaptiveSettings, ceiling int, source MetricsSource, opts ...Option) *Controller {
	c := &Controller{
		interval: AdjustmentInterval,
		active:   make(map[string]time.Time),
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if ceiling < 1 {
		ceiling = base.MaxConcurrentDownloads
	}
	c.base = base.Normalize(0)
	if ceiling < c.base.MaxConcurrentDownloads {
		ceiling = c.base.MaxConcurrentDownloads
	}
	c.ceiling = ceiling
	c.settings = c.base.Normalize(ceiling)
	c.collector = NewCollector(source, c.clock, c.logger)
	return c
}

// Settings returns a snapshot of the current settings
func (c *Controller) Settings() model.AdaptiveSettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.Normalize(0)
}

// Baseline returns the settings supplied at construction
func (c *Controller) Baseline() model.AdaptiveSettings {
	return c.base.Normalize(0)
}

// Ceiling returns the concurrency ceiling
func (c *Controller) Ceiling() int {
	return c.ceiling
}

// Collector exposes the metrics collector
func (c *Controller) Collector() *Collector {
	return c.collector
}

// CollectMetrics takes one sample. A sampling failure yields the zero sample.
func (c *Controller) CollectMetrics(ctx context.Context) model.BandwidthMetrics {
	sample, err := c.collector.Collect(ctx, c.Active())
	if err != nil {
		return model.BandwidthMetrics{}
	}
	return sample
}

// History returns the retained samples, oldest first
func (c *Controller) History() []model.BandwidthMetrics {
	return c.collector.History()
}

// ShouldAdjust reports whether the interval elapsed since the last adjustment
// or a sample taken after it shows CPU or memory above EmergencyThreshold.
func (c *Controller) ShouldAdjust() bool {
	c.mu.Lock()
	last := c.lastAdjust
	c.mu.Unlock()

	if last.IsZero() || c.clock().Sub(last) >= c.interval {
		return true
	}
	latest, ok := c.collector.Latest()
	if !ok || !latest.Timestamp.After(last) {
		return false
	}
	return latest.CPUPercent > EmergencyThreshold || latest.MemoryPercent > EmergencyThreshold
}

// Adjust collects a fresh sample and applies the concurrency, chunk-size,
// timeout, retry and bandwidth rules in that order. It reports whether the
// settings changed. Sampling failures and panics in a rule mean no change.
func (c *Controller) Adjust(ctx context.Context) (changed bool) {
	c.adjustMu.Lock()
	defer c.adjustMu.Unlock()

	if !c.ShouldAdjust() {
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("adjustment aborted", "panic", r)
			changed = false
		}
	}()

	sample, err := c.collector.Collect(ctx, c.Active())

	c.mu.Lock()
	c.lastAdjust = c.clock()
	previous := c.settings.Normalize(0)
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("adjustment skipped", "error", err)
		return false
	}

	// only Adjust writes settings and adjustMu is held
	next := c.apply(sample, previous.Normalize(0))
	changed = !equalSettings(previous, next)
	if changed {
		c.mu.Lock()
		c.settings = next
		c.mu.Unlock()
	}

	if changed {
		c.logger.Info("settings adjusted",
			"concurrency", next.MaxConcurrentDownloads,
			"chunk_size", next.ChunkSize,
			"timeout", next.Timeout,
			"retry_delay", next.RetryDelay,
			"max_retries", next.MaxRetries,
			"cpu", sample.CPUPercent,
			"memory", sample.MemoryPercent,
			"latency_ms", sample.LatencyMs,
			"loss", sample.PacketLoss)
		if c.onChange != nil {
			c.onChange(previous.Normalize(0), next.Normalize(0))
		}
	}
	return changed
}

func (c *Controller) apply(m model.BandwidthMetrics, s model.AdaptiveSettings) model.AdaptiveSettings {
	s.MaxConcurrentDownloads = adjustConcurrency(m, s.MaxConcurrentDownloads, c.ceiling)
	s.ChunkSize = adjustChunkSize(m, s.ChunkSize, c.base.ChunkSize*chunkCeilingFactor)
	s.Timeout = adjustTimeout(m, s.Timeout, c.base.Timeout*timeoutCeilingFactor)
	s.RetryDelay = adjustRetryDelay(m, s.RetryDelay, c.base.RetryDelay*retryCeilingFactor)
	s.MaxRetries = adjustMaxRetries(m, s.MaxRetries, c.base.MaxRetries*retriesCeilingFactor)
	if c.bandwidth != nil {
		s.BandwidthLimitKbps = c.bandwidth(m, s)
	}
	return s
}

func adjustConcurrency(m model.BandwidthMetrics, current, ceiling int) int {
	switch {
	case m.CPUPercent > highLoad || m.MemoryPercent > highLoad:
		return max(1, current-1)
	case m.CPUPercent < lowLoad && m.MemoryPercent < lowLoad &&
		m.LatencyMs < lowLatencyMs && m.PacketLoss < idleLossPercent:
		return min(ceiling, current+1)
	}
	return current
}

func adjustChunkSize(m model.BandwidthMetrics, current, ceiling int) int {
	switch {
	case m.LatencyMs > highLatencyMs:
		return max(model.MinChunkSize, current/2)
	case m.LatencyMs < fastLatencyMs && m.DownloadSpeed > fastSpeedKbps:
		return max(current, min(ceiling, current*2))
	}
	return current
}

func adjustTimeout(m model.BandwidthMetrics, current, ceiling time.Duration) time.Duration {
	switch {
	case m.LatencyMs > highLatencyMs:
		return max(current, min(ceiling, current+timeoutStep))
	case m.LatencyMs < fastLatencyMs:
		return min(current, max(model.MinTimeout, current-timeoutRelief))
	}
	return current
}

func adjustRetryDelay(m model.BandwidthMetrics, current, ceiling time.Duration) time.Duration {
	switch {
	case m.LatencyMs > highLatencyMs || m.PacketLoss > highLossPercent:
		return max(current, min(ceiling, scale(current, retryScaleUp)))
	case m.LatencyMs < fastLatencyMs && m.PacketLoss < cleanLossPercent:
		return min(current, max(model.MinRetry, scale(current, retryScaleDown)))
	}
	return current
}

func adjustMaxRetries(m model.BandwidthMetrics, current, ceiling int) int {
	switch {
	case m.PacketLoss > lossyPercent:
		return max(current, min(ceiling, current+1))
	case m.PacketLoss < idleLossPercent:
		return min(current, max(model.MinRetries, current-1))
	}
	return current
}

func scale(d time.Duration, factor float64) time.Duration {
	return time.Duration(float64(d) * factor).Round(time.Millisecond)
}

func equalSettings(a, b model.AdaptiveSettings) bool {
	if a.MaxConcurrentDownloads != b.MaxConcurrentDownloads ||
		a.ChunkSize != b.ChunkSize ||
		a.Timeout != b.Timeout ||
		a.RetryDelay != b.RetryDelay ||
		a.MaxRetries != b.MaxRetries {
		return false
	}
	switch {
	case a.BandwidthLimitKbps == nil && b.BandwidthLimitKbps == nil:
		return true
	case a.BandwidthLimitKbps == nil || b.BandwidthLimitKbps == nil:
		return false
	}
	return *a.BandwidthLimitKbps == *b.BandwidthLimitKbps
}

// RegisterStart adds a task to the active-transfer set
func (c *Controller) RegisterStart(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[taskID] = c.clock()
}

// RegisterEnd removes a task from the active-transfer set
func (c *Controller) RegisterEnd(taskID string) {
	c.mu.Lock()
	delete(c.active, taskID)
	c.mu.Unlock()
	c.collector.Forget(taskID)
}

// Active returns the size of the active-transfer set
func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// CanAdmit is true while the active set is below MaxConcurrentDownloads
func (c *Controller) CanAdmit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active) < c.settings.MaxConcurrentDownloads
}

// RecordSpeed reports bytes moved by one task over elapsed
func (c *Controller) RecordSpeed(taskID string, bytes int64, elapsed time.Duration) {
	c.collector.RecordSpeed(taskID, bytes, elapsed)
}

// RecordAttempt reports the time to first byte of one attempt and whether
// it ended with a transient network error.
func (c *Controller) RecordAttempt(taskID string, latency time.Duration, transient bool) {
	c.collector.RecordAttempt(latency, transient)
	if transient {
		c.logger.Debug("transient attempt recorded", "task_id", taskID, "latency", latency)
	}
}

// Run samples and adjusts every interval until ctx is done
func (c *Controller) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.Adjust(ctx) {
				// fresh reading for the emergency bypass
				c.CollectMetrics(ctx)
			}
		}
	}
}
