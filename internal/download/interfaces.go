package download

import (
	"context"
	"time"

	"github.com/ytget/dlsched/internal/model"
	"github.com/ytget/dlsched/internal/queue"
)

// TransferRequest describes one transfer attempt
type TransferRequest struct {
	TaskID      string
	URL         string
	Destination string // final artifact path
	Partial     string // where resumable transfers write
	Offset      int64  // bytes already in Partial
	ChunkSize   int
	Timeout     time.Duration // stall timeout
	// BandwidthLimitKbps caps the transfer rate when non-nil
	BandwidthLimitKbps *float64
	// Progress is called with the bytes present in the artifact and the
	// expected total (0 when unknown)
	Progress func(done, total int64)
}

// TransferResult is what an attempt produced. It is meaningful alongside an
// error too: Bytes and Latency describe the failed attempt.
type TransferResult struct {
	Bytes     int64         // bytes written by this attempt
	TotalSize int64         // size announced by the remote side, 0 when unknown
	Path      string        // file holding the data
	Latency   time.Duration // time to first byte
}

// Transfer moves the bytes of one source. Implementations return
// *RateLimitedError or *TransientError for retryable conditions; any other
// error is permanent.
type Transfer interface {
	Start(ctx context.Context, req TransferRequest) (TransferResult, error)
}

// TransferFunc adapts a function to Transfer
type TransferFunc func(ctx context.Context, req TransferRequest) (TransferResult, error)

// Start calls f
func (f TransferFunc) Start(ctx context.Context, req TransferRequest) (TransferResult, error) {
	return f(ctx, req)
}

// Scheduler is the surface the API serves
type Scheduler interface {
	Submit(task model.Task) error
	SubmitBatch(id, title string, tasks []model.Task) (string, error)
	Withdraw(id string) bool
	Reprioritize(id string, p model.Priority) bool
	Task(id string) (model.Task, bool)
	BatchProgress(id string) (model.BatchProgress, bool)
	Status() Status
}

// Status combines queue counters with execution state
type Status struct {
	Queue    queue.Status           `json:"queue"`
	Settings model.AdaptiveSettings `json:"settings"`
	Gate     GateStatus             `json:"gate"`
	Active   int                    `json:"active"`
	Dedup    int                    `json:"dedup_entries"`
}
