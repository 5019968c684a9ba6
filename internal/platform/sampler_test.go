package platform

import (
	"context"
	"testing"
)

func TestSystemSampler_Sample(t *testing.T) {
	stats, err := NewSystemSampler().Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	if stats.CPUPercent < 0 || stats.CPUPercent > 100 {
		t.Errorf("CPUPercent = %v, expected 0..100", stats.CPUPercent)
	}
	if stats.MemoryPercent < 0 || stats.MemoryPercent > 100 {
		t.Errorf("MemoryPercent = %v, expected 0..100", stats.MemoryPercent)
	}
}

func TestSystemSampler_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewSystemSampler().Sample(ctx); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestLoadPercent(t *testing.T) {
	tests := []struct {
		load     float64
		cpus     int
		expected float64
	}{
		{1, 4, 25},
		{8, 4, 100},
		{0.5, 0, 50},
	}
	for _, tt := range tests {
		if got := loadPercent(tt.load, tt.cpus); got != tt.expected {
			t.Errorf("loadPercent(%v, %d) = %v, expected %v", tt.load, tt.cpus, got, tt.expected)
		}
	}
}

func TestMemoryPercent(t *testing.T) {
	tests := []struct {
		total, available uint64
		expected         float64
	}{
		{16000000, 12000000, 25},
		{100, 0, 100},
		{100, 100, 0},
		{0, 10, 0},
		{100, 200, 0},
	}
	for _, tt := range tests {
		if got := memoryPercent(tt.total, tt.available); got != tt.expected {
			t.Errorf("memoryPercent(%d, %d) = %v, expected %v", tt.total, tt.available, got, tt.expected)
		}
	}
}
