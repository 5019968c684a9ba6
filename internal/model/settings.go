package model

import "time"

// Adaptive settings bounds
const (
	MinChunkSize = 1024
	MinTimeout   = 10 * time.Second
	MinRetry     = time.Second
	MinRetries   = 1
)

// AdaptiveSettings are the tunable execution parameters. The adaptive
// controller owns the live record; everyone else reads copies.
type AdaptiveSettings struct {
	MaxConcurrentDownloads int           `json:"max_concurrent_downloads"`
	ChunkSize              int           `json:"chunk_size"` // bytes
	Timeout                time.Duration `json:"timeout"`
	RetryDelay             time.Duration `json:"retry_delay"`
	MaxRetries             int           `json:"max_retries"`
	BandwidthLimitKbps     *float64      `json:"bandwidth_limit_kbps,omitempty"` // nil means unlimited
}

// Normalize clamps every field into its allowed range. ceiling bounds
// MaxConcurrentDownloads; values below 1 disable the upper bound.
func (s AdaptiveSettings) Normalize(ceiling int) AdaptiveSettings {
	if s.MaxConcurrentDownloads < 1 {
		s.MaxConcurrentDownloads = 1
	}
	if ceiling > 0 && s.MaxConcurrentDownloads > ceiling {
		s.MaxConcurrentDownloads = ceiling
	}
	if s.ChunkSize < MinChunkSize {
		s.ChunkSize = MinChunkSize
	}
	if s.Timeout < MinTimeout {
		s.Timeout = MinTimeout
	}
	if s.RetryDelay < MinRetry {
		s.RetryDelay = MinRetry
	}
	if s.MaxRetries < MinRetries {
		s.MaxRetries = MinRetries
	}
	if s.BandwidthLimitKbps != nil {
		limit := *s.BandwidthLimitKbps
		s.BandwidthLimitKbps = &limit
	}
	return s
}
