package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func envOf(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestDownloadDirectory(t *testing.T) {
	settings := NewSettings(envOf(nil))

	// Test default value
	dir := settings.GetDownloadDirectory()
	if dir == "" {
		t.Error("Download directory should not be empty")
	}

	// Test setting custom value
	customDir := "/custom/downloads"
	settings.SetDownloadDirectory(customDir)

	retrievedDir := settings.GetDownloadDirectory()
	if retrievedDir != customDir {
		t.Errorf("Expected download directory %s, got %s", customDir, retrievedDir)
	}
}

func TestMaxParallelDownloads(t *testing.T) {
	settings := NewSettings(envOf(nil))

	// Test default value
	maxParallel := settings.GetMaxParallelDownloads()
	if maxParallel != DefaultMaxParallel {
		t.Errorf("Expected default max parallel %d, got %d", DefaultMaxParallel, maxParallel)
	}

	// Test setting custom value
	settings.SetMaxParallelDownloads(5)

	retrievedMax := settings.GetMaxParallelDownloads()
	if retrievedMax != 5 {
		t.Errorf("Expected max parallel 5, got %d", retrievedMax)
	}

	// Test boundary values
	settings.SetMaxParallelDownloads(0) // Should be clamped to 1
	if settings.GetMaxParallelDownloads() != 1 {
		t.Error("Max parallel should be clamped to minimum 1")
	}

	settings.SetMaxParallelDownloads(15) // Should be clamped to 10
	if settings.GetMaxParallelDownloads() != 10 {
		t.Error("Max parallel should be clamped to maximum 10")
	}
}

func TestEnvironmentValues(t *testing.T) {
	settings := NewSettings(envOf(map[string]string{
		"DLSCHED_MAX_PARALLEL":         "4",
		"DLSCHED_MAX_PARALLEL_CEILING": "100",
		"DLSCHED_CHUNK_SIZE":           "512",
		"DLSCHED_TIMEOUT":              "45s",
		"DLSCHED_RETRY_DELAY":          "3",
		"DLSCHED_MAX_RETRIES":          "0",
		"DLSCHED_MAX_BACKOFF":          "1s",
		"DLSCHED_BANDWIDTH_LIMIT_KBPS": "256.5",
		"DLSCHED_OTEL_ENABLED":         "true",
		"DLSCHED_API_ADDR":             " :8080 ",
	}))

	tests := []struct {
		name     string
		got      any
		expected any
	}{
		{"max parallel", settings.GetMaxParallelDownloads(), 4},
		{"ceiling clamped", settings.GetParallelCeiling(), CeilingLimit},
		{"chunk size floor", settings.GetChunkSize(), 1024},
		{"timeout duration", settings.GetTimeout(), 45 * time.Second},
		{"retry delay seconds", settings.GetRetryDelay(), 3 * time.Second},
		{"max retries floor", settings.GetMaxRetries(), 1},
		{"backoff not below retry delay", settings.GetMaxBackoff(), 3 * time.Second},
		{"otel", settings.GetOTelEnabled(), true},
		{"api addr trimmed", settings.GetAPIAddr(), ":8080"},
		{"dedup default", settings.GetDedupCapacity(), DefaultDedupCapacity},
		{"database disabled", settings.GetDatabaseURL(), ""},
	}

	for _, test := range tests {
		if test.got != test.expected {
			t.Errorf("%s = %v, expected %v", test.name, test.got, test.expected)
		}
	}

	limit := settings.GetBandwidthLimit()
	if limit == nil || *limit != 256.5 {
		t.Errorf("GetBandwidthLimit() = %v, expected 256.5", limit)
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	settings := NewSettings(envOf(map[string]string{
		"DLSCHED_MAX_PARALLEL":         "many",
		"DLSCHED_TIMEOUT":              "soon",
		"DLSCHED_BANDWIDTH_LIMIT_KBPS": "-1",
		"DLSCHED_OTEL_ENABLED":         "maybe",
		"DLSCHED_DEDUP_CAPACITY":       "-5",
	}))

	if got := settings.GetMaxParallelDownloads(); got != DefaultMaxParallel {
		t.Errorf("GetMaxParallelDownloads() = %d, expected %d", got, DefaultMaxParallel)
	}
	if got := settings.GetTimeout(); got != DefaultTimeout {
		t.Errorf("GetTimeout() = %v, expected %v", got, DefaultTimeout)
	}
	if got := settings.GetBandwidthLimit(); got != nil {
		t.Errorf("GetBandwidthLimit() = %v, expected nil", *got)
	}
	if settings.GetOTelEnabled() {
		t.Error("Expected OTel disabled for an unparsable value")
	}
	if got := settings.GetDedupCapacity(); got != DefaultDedupCapacity {
		t.Errorf("GetDedupCapacity() = %d, expected %d", got, DefaultDedupCapacity)
	}
}

func TestParallelCeilingNotBelowInitial(t *testing.T) {
	settings := NewSettings(envOf(map[string]string{
		"DLSCHED_MAX_PARALLEL":         "6",
		"DLSCHED_MAX_PARALLEL_CEILING": "3",
	}))
	if got := settings.GetParallelCeiling(); got != 6 {
		t.Errorf("GetParallelCeiling() = %d, expected 6", got)
	}
}

func TestAdaptive(t *testing.T) {
	settings := NewSettings(envOf(nil))
	a := settings.Adaptive()

	if a.MaxConcurrentDownloads != DefaultMaxParallel || a.ChunkSize != DefaultChunkSize ||
		a.Timeout != DefaultTimeout || a.RetryDelay != DefaultRetryDelay || a.MaxRetries != DefaultMaxRetries {
		t.Errorf("Unexpected adaptive defaults: %+v", a)
	}
	if a.BandwidthLimitKbps != nil {
		t.Error("Expected no bandwidth limit by default")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	content := "# retries\nDLSCHED_MAX_RETRIES=7\n"
	if err := os.WriteFile(envFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DLSCHED_MAX_RETRIES", "")
	os.Unsetenv("DLSCHED_MAX_RETRIES")

	settings, err := Load(filepath.Join(dir, "missing.env"), envFile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := settings.GetMaxRetries(); got != 7 {
		t.Errorf("GetMaxRetries() = %d, expected 7", got)
	}
}

func TestLoadKeepsExistingEnvironment(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	if err := os.WriteFile(envFile, []byte("DLSCHED_CHUNK_SIZE=2048\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DLSCHED_CHUNK_SIZE", "4096")

	settings, err := Load(envFile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := settings.GetChunkSize(); got != 4096 {
		t.Errorf("GetChunkSize() = %d, expected 4096", got)
	}
}
