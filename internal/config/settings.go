package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/ytget/dlsched/internal/model"
	"github.com/ytget/dlsched/internal/platform"
)

// EnvPrefix is prepended to every key
const EnvPrefix = "DLSCHED_"

// Settings keys
const (
	KeyDownloadDir      = "DOWNLOAD_DIR"
	KeyMaxParallel      = "MAX_PARALLEL"
	KeyParallelCeiling  = "MAX_PARALLEL_CEILING"
	KeyChunkSize        = "CHUNK_SIZE"
	KeyTimeout          = "TIMEOUT"
	KeyRetryDelay       = "RETRY_DELAY"
	KeyMaxRetries       = "MAX_RETRIES"
	KeyMaxBackoff       = "MAX_BACKOFF"
	KeyDedupCapacity    = "DEDUP_CAPACITY"
	KeyBandwidthLimit   = "BANDWIDTH_LIMIT_KBPS"
	KeyDatabaseURL      = "DATABASE_URL"
	KeyWebhookURL       = "WEBHOOK_URL"
	KeyAPIAddr          = "API_ADDR"
	KeyOTelEnabled      = "OTEL_ENABLED"
	KeyOptimizeInterval = "OPTIMIZE_INTERVAL"
	KeyNotifyBufferSize = "NOTIFY_BUFFER"
)

// Default values
const (
	DefaultMaxParallel      = 2
	DefaultParallelCeiling  = 10
	DefaultChunkSize        = 64 * 1024
	DefaultTimeout          = 30 * time.Second
	DefaultRetryDelay       = 2 * time.Second
	DefaultMaxRetries       = 3
	DefaultMaxBackoff       = 2 * time.Minute
	DefaultDedupCapacity    = 1024
	DefaultOptimizeInterval = time.Minute
	DefaultNotifyBuffer     = 256
	DefaultDownloadDir      = "/tmp/downloads"
)

// Bounds
const (
	MaxParallelLimit = 10
	CeilingLimit     = 64
)

// DefaultEnvFiles are loaded by Load when no files are given
var DefaultEnvFiles = []string{".env"}

// Settings reads configuration from the environment. Values set through the
// setters take precedence over the environment.
type Settings struct {
	mu        sync.RWMutex
	lookup    func(string) (string, bool)
	overrides map[string]string
}

// Load reads the given .env files into the process environment, skipping
// missing ones, and returns settings backed by it. Variables already set in
// the environment are not overwritten.
func Load(files ...string) (*Settings, error) {
	if len(files) == 0 {
		files = DefaultEnvFiles
	}
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", f, err)
		}
		existing = append(existing, f)
	}
	if len(existing) > 0 {
		if err := godotenv.Load(existing...); err != nil {
			return nil, fmt.Errorf("load env files: %w", err)
		}
	}
	return NewSettings(os.LookupEnv), nil
}

// NewSettings creates settings reading keys through lookup; nil uses the
// process environment
func NewSettings(lookup func(string) (string, bool)) *Settings {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return &Settings{
		lookup:    lookup,
		overrides: make(map[string]string),
	}
}

func (s *Settings) get(key string) string {
	s.mu.RLock()
	v, ok := s.overrides[key]
	s.mu.RUnlock()
	if ok {
		return v
	}
	v, _ = s.lookup(EnvPrefix + key)
	return strings.TrimSpace(v)
}

func (s *Settings) set(key, value string) {
	s.mu.Lock()
	s.overrides[key] = value
	s.mu.Unlock()
}

func (s *Settings) getInt(key string, def int) int {
	v, err := strconv.Atoi(s.get(key))
	if err != nil {
		return def
	}
	return v
}

// getDuration accepts Go durations ("90s") and plain seconds ("90")
func (s *Settings) getDuration(key string, def time.Duration) time.Duration {
	v := s.get(key)
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}

// GetDownloadDirectory returns the configured download directory
func (s *Settings) GetDownloadDirectory() string {
	dir := s.get(KeyDownloadDir)
	if dir == "" {
		// Use system default Downloads directory
		defaultDir, err := platform.GetHomeDownloadsDir()
		if err != nil {
			defaultDir = DefaultDownloadDir
		}
		return defaultDir
	}
	return dir
}

// SetDownloadDirectory sets the download directory
func (s *Settings) SetDownloadDirectory(dir string) {
	s.set(KeyDownloadDir, dir)
}

// GetMaxParallelDownloads returns the initial concurrency, 1 to 10
func (s *Settings) GetMaxParallelDownloads() int {
	value := s.getInt(KeyMaxParallel, DefaultMaxParallel)
	if value <= 0 {
		return DefaultMaxParallel
	}
	return min(value, MaxParallelLimit)
}

// SetMaxParallelDownloads sets the initial concurrency
func (s *Settings) SetMaxParallelDownloads(count int) {
	if count < 1 {
		count = 1
	}
	if count > MaxParallelLimit {
		count = MaxParallelLimit
	}
	s.set(KeyMaxParallel, strconv.Itoa(count))
}

// GetParallelCeiling returns the most concurrent downloads the controller
// may grow to. It is never below GetMaxParallelDownloads.
func (s *Settings) GetParallelCeiling() int {
	value := s.getInt(KeyParallelCeiling, DefaultParallelCeiling)
	if value <= 0 {
		value = DefaultParallelCeiling
	}
	value = min(value, CeilingLimit)
	return max(value, s.GetMaxParallelDownloads())
}

// GetChunkSize returns the transfer chunk size in bytes
func (s *Settings) GetChunkSize() int {
	return max(model.MinChunkSize, s.getInt(KeyChunkSize, DefaultChunkSize))
}

// GetTimeout returns the stall timeout of a transfer
func (s *Settings) GetTimeout() time.Duration {
	return max(model.MinTimeout, s.getDuration(KeyTimeout, DefaultTimeout))
}

// GetRetryDelay returns the base retry delay
func (s *Settings) GetRetryDelay() time.Duration {
	return max(model.MinRetry, s.getDuration(KeyRetryDelay, DefaultRetryDelay))
}

// GetMaxRetries returns the attempts per task
func (s *Settings) GetMaxRetries() int {
	return max(model.MinRetries, s.getInt(KeyMaxRetries, DefaultMaxRetries))
}

// GetMaxBackoff returns the cap of the exponential retry delay
func (s *Settings) GetMaxBackoff() time.Duration {
	d := s.getDuration(KeyMaxBackoff, DefaultMaxBackoff)
	if d <= 0 {
		return DefaultMaxBackoff
	}
	return max(d, s.GetRetryDelay())
}

// GetDedupCapacity returns the size of the dedup cache
func (s *Settings) GetDedupCapacity() int {
	value := s.getInt(KeyDedupCapacity, DefaultDedupCapacity)
	if value <= 0 {
		return DefaultDedupCapacity
	}
	return value
}

// GetBandwidthLimit returns the limit in KiB/s, nil when unlimited
func (s *Settings) GetBandwidthLimit() *float64 {
	v, err := strconv.ParseFloat(s.get(KeyBandwidthLimit), 64)
	if err != nil || v <= 0 {
		return nil
	}
	return &v
}

// GetDatabaseURL returns the PostgreSQL DSN, empty for the in-memory store
func (s *Settings) GetDatabaseURL() string {
	return s.get(KeyDatabaseURL)
}

// GetWebhookURL returns where notifications are posted, empty to disable
func (s *Settings) GetWebhookURL() string {
	return s.get(KeyWebhookURL)
}

// GetAPIAddr returns the listen address of the HTTP API, empty to disable
func (s *Settings) GetAPIAddr() string {
	return s.get(KeyAPIAddr)
}

// SetAPIAddr sets the listen address of the HTTP API
func (s *Settings) SetAPIAddr(addr string) {
	s.set(KeyAPIAddr, addr)
}

// GetOTelEnabled returns whether the OpenTelemetry SDK is installed
func (s *Settings) GetOTelEnabled() bool {
	v, err := strconv.ParseBool(s.get(KeyOTelEnabled))
	return err == nil && v
}

// GetOptimizeInterval returns how often the queue optimization pass runs
func (s *Settings) GetOptimizeInterval() time.Duration {
	d := s.getDuration(KeyOptimizeInterval, DefaultOptimizeInterval)
	if d <= 0 {
		return DefaultOptimizeInterval
	}
	return d
}

// GetNotifyBuffer returns the capacity of the notification dispatcher
func (s *Settings) GetNotifyBuffer() int {
	value := s.getInt(KeyNotifyBufferSize, DefaultNotifyBuffer)
	if value <= 0 {
		return DefaultNotifyBuffer
	}
	return value
}

// Adaptive returns the baseline settings of the adaptive controller
func (s *Settings) Adaptive() model.AdaptiveSettings {
	return model.AdaptiveSettings{
		MaxConcurrentDownloads: s.GetMaxParallelDownloads(),
		ChunkSize:              s.GetChunkSize(),
		Timeout:                s.GetTimeout(),
		RetryDelay:             s.GetRetryDelay(),
		MaxRetries:             s.GetMaxRetries(),
		BandwidthLimitKbps:     s.GetBandwidthLimit(),
	}
}
