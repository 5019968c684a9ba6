package adaptive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ytget/dlsched/internal/model"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSource struct {
	mu    sync.Mutex
	stats model.SystemStats
	err   error
	calls int
}

func (s *fakeSource) Sample(context.Context) (model.SystemStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.stats, s.err
}

func (s *fakeSource) set(cpu, mem float64) {
	s.mu.Lock()
	s.stats = model.SystemStats{CPUPercent: cpu, MemoryPercent: mem}
	s.mu.Unlock()
}

func baseline() model.AdaptiveSettings {
	return model.AdaptiveSettings{
		MaxConcurrentDownloads: 2,
		ChunkSize:              64 * 1024,
		Timeout:                30 * time.Second,
		RetryDelay:             2 * time.Second,
		MaxRetries:             3,
	}
}

func newController(t *testing.T, ceiling int) (*Controller, *fakeSource, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: epoch}
	source := &fakeSource{}
	return NewController(baseline(), ceiling, source, WithClock(clock.Now)), source, clock
}

func TestCanAdmit_Ceiling(t *testing.T) {
	c, _, _ := newController(t, 4)

	assert.True(t, c.CanAdmit())
	c.RegisterStart("a")
	assert.True(t, c.CanAdmit())
	c.RegisterStart("b")
	assert.False(t, c.CanAdmit(), "active count equals max concurrent downloads")
	assert.Equal(t, 2, c.Active())

	c.RegisterEnd("a")
	assert.True(t, c.CanAdmit())

	c.RegisterEnd("missing")
	assert.Equal(t, 1, c.Active())
}

func TestAdjust_IdempotentWithoutNewSample(t *testing.T) {
	c, source, _ := newController(t, 8)
	source.set(95, 10)

	require.True(t, c.Adjust(context.Background()))
	first := c.Settings()
	assert.Equal(t, 1, first.MaxConcurrentDownloads)

	assert.False(t, c.ShouldAdjust())
	assert.False(t, c.Adjust(context.Background()))
	assert.Equal(t, first, c.Settings())
	assert.Equal(t, 1, source.calls, "second call does not sample")
}

func TestShouldAdjust_IntervalAndEmergency(t *testing.T) {
	c, source, clock := newController(t, 8)
	ctx := context.Background()

	assert.True(t, c.ShouldAdjust(), "never adjusted")
	c.Adjust(ctx)
	assert.False(t, c.ShouldAdjust())

	clock.Advance(time.Second)
	source.set(60, 60)
	c.CollectMetrics(ctx)
	assert.False(t, c.ShouldAdjust(), "moderate load waits for the interval")

	clock.Advance(time.Second)
	source.set(20, 95)
	c.CollectMetrics(ctx)
	assert.True(t, c.ShouldAdjust(), "memory above the emergency threshold bypasses the timer")

	require.True(t, c.Adjust(ctx))
	assert.False(t, c.ShouldAdjust())

	clock.Advance(AdjustmentInterval)
	assert.True(t, c.ShouldAdjust())
}

func TestAdjust_ConcurrencyRule(t *testing.T) {
	tests := []struct {
		name     string
		cpu, mem float64
		latency  time.Duration
		start    int
		expected int
	}{
		{name: "cpu saturated", cpu: 85, mem: 10, start: 2, expected: 1},
		{name: "memory saturated", cpu: 10, mem: 81, start: 2, expected: 1},
		{name: "floor", cpu: 99, mem: 99, start: 1, expected: 1},
		{name: "idle", cpu: 10, mem: 10, latency: 20 * time.Millisecond, start: 2, expected: 3},
		{name: "idle at ceiling", cpu: 10, mem: 10, start: 4, expected: 4},
		{name: "idle but slow", cpu: 10, mem: 10, latency: 150 * time.Millisecond, start: 2, expected: 2},
		{name: "middle band", cpu: 60, mem: 10, start: 2, expected: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := baseline()
			base.MaxConcurrentDownloads = tt.start
			source := &fakeSource{}
			source.set(tt.cpu, tt.mem)
			c := NewController(base, 4, source, WithClock((&fakeClock{now: epoch}).Now))
			if tt.latency > 0 {
				c.RecordAttempt("latency", tt.latency, false)
			}

			c.Adjust(context.Background())
			assert.Equal(t, tt.expected, c.Settings().MaxConcurrentDownloads)
		})
	}
}

func TestAdjust_HighLatencyRules(t *testing.T) {
	c, source, clock := newController(t, 4)
	source.set(60, 60)
	c.RecordAttempt("slow", 400*time.Millisecond, false)

	require.True(t, c.Adjust(context.Background()))
	s := c.Settings()
	assert.Equal(t, 32*1024, s.ChunkSize)
	assert.Equal(t, 40*time.Second, s.Timeout)
	assert.Equal(t, 3*time.Second, s.RetryDelay)
	assert.Equal(t, 2, s.MaxRetries, "loss below 1% lowers the retry count")

	for i := 0; i < 10; i++ {
		clock.Advance(AdjustmentInterval)
		c.Adjust(context.Background())
	}
	s = c.Settings()
	assert.Equal(t, model.MinChunkSize, s.ChunkSize)
	assert.Equal(t, 60*time.Second, s.Timeout, "timeout ceiling is twice the base")
	assert.Equal(t, 6*time.Second, s.RetryDelay, "retry delay ceiling is three times the base")
	assert.Equal(t, model.MinRetries, s.MaxRetries)
}

func TestAdjust_FastNetworkRules(t *testing.T) {
	c, source, clock := newController(t, 4)
	source.set(60, 60)
	c.RecordAttempt("fast", 10*time.Millisecond, false)
	c.RegisterStart("fast")
	c.RecordSpeed("fast", 4*1024*1024, time.Second)

	for i := 0; i < 6; i++ {
		c.Adjust(context.Background())
		clock.Advance(AdjustmentInterval)
	}
	s := c.Settings()
	assert.Equal(t, 4*64*1024, s.ChunkSize, "chunk ceiling is four times the base")
	assert.Equal(t, model.MinTimeout, s.Timeout)
	assert.Equal(t, model.MinRetry, s.RetryDelay)
	assert.Equal(t, 2, s.MaxConcurrentDownloads, "moderate load keeps concurrency")
}

func TestAdjust_LossRaisesRetries(t *testing.T) {
	c, source, clock := newController(t, 4)
	source.set(60, 60)
	for i := 0; i < 10; i++ {
		c.RecordAttempt("flaky", 120*time.Millisecond, i%2 == 0)
	}

	for i := 0; i < 5; i++ {
		c.Adjust(context.Background())
		clock.Advance(AdjustmentInterval)
	}
	s := c.Settings()
	assert.Equal(t, 6, s.MaxRetries, "bounded at twice the base")
	assert.Equal(t, 6*time.Second, s.RetryDelay)
	assert.Equal(t, 2, s.MaxConcurrentDownloads)
}

func TestAdjust_SamplingErrorMeansNoChange(t *testing.T) {
	c, source, _ := newController(t, 4)
	source.err = errors.New("proc unavailable")

	assert.False(t, c.Adjust(context.Background()))
	assert.Equal(t, baseline(), c.Settings())
	assert.Empty(t, c.History())
}

func TestAdjust_PanickingPolicyMeansNoChange(t *testing.T) {
	clock := &fakeClock{now: epoch}
	source := &fakeSource{}
	source.set(95, 10)
	c := NewController(baseline(), 4, source, WithClock(clock.Now),
		WithBandwidthPolicy(func(model.BandwidthMetrics, model.AdaptiveSettings) *float64 {
			panic("boom")
		}))

	assert.NotPanics(t, func() {
		assert.False(t, c.Adjust(context.Background()))
	})
	assert.Equal(t, baseline(), c.Settings())
}

func TestAdjust_BandwidthPolicyAndChangeHook(t *testing.T) {
	clock := &fakeClock{now: epoch}
	source := &fakeSource{}
	source.set(60, 60)
	var calls int
	limit := 512.0
	c := NewController(baseline(), 4, source, WithClock(clock.Now),
		WithBandwidthPolicy(func(m model.BandwidthMetrics, s model.AdaptiveSettings) *float64 {
			return &limit
		}),
		WithChangeHook(func(previous, current model.AdaptiveSettings) {
			calls++
			assert.Nil(t, previous.BandwidthLimitKbps)
		}))

	require.True(t, c.Adjust(context.Background()))
	require.NotNil(t, c.Settings().BandwidthLimitKbps)
	assert.Equal(t, 512.0, *c.Settings().BandwidthLimitKbps)
	assert.GreaterOrEqual(t, calls, 1)
}

func TestCollectMetrics_ZeroSampleOnError(t *testing.T) {
	c, source, _ := newController(t, 4)
	source.set(30, 40)
	c.RegisterStart("a")

	sample := c.CollectMetrics(context.Background())
	assert.Equal(t, 30.0, sample.CPUPercent)
	assert.Equal(t, 1, sample.ConcurrentDownloads)
	assert.Equal(t, epoch, sample.Timestamp)

	source.err = errors.New("boom")
	assert.Equal(t, model.BandwidthMetrics{}, c.CollectMetrics(context.Background()))
	assert.Len(t, c.History(), 1)
}

func TestCollectMetrics_PanickingSource(t *testing.T) {
	c := NewController(baseline(), 4, MetricsSourceFunc(func(context.Context) (model.SystemStats, error) {
		panic("broken sampler")
	}))
	assert.Equal(t, model.BandwidthMetrics{}, c.CollectMetrics(context.Background()))
	assert.Empty(t, c.History())
}

func TestSettings_ReturnsCopy(t *testing.T) {
	limit := 100.0
	base := baseline()
	base.BandwidthLimitKbps = &limit
	c := NewController(base, 4, &fakeSource{})

	s := c.Settings()
	*s.BandwidthLimitKbps = 1
	assert.Equal(t, 100.0, *c.Settings().BandwidthLimitKbps)
}

func TestNewController_Ceiling(t *testing.T) {
	c := NewController(baseline(), 0, nil)
	assert.Equal(t, 2, c.Ceiling())

	c = NewController(baseline(), 1, nil)
	assert.Equal(t, 2, c.Ceiling(), "ceiling never below the baseline")
}
