package download

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"

	"github.com/ytget/dlsched/internal/platform"
)

// progressInterval throttles yt-dlp progress callbacks
const progressInterval = 500 * time.Millisecond

// YTDLPTransfer downloads video pages with yt-dlp. yt-dlp keeps its own
// partial files and continues them, so the request offset is ignored.
type YTDLPTransfer struct {
	clock func() time.Time
}

// NewYTDLPTransfer creates a yt-dlp transfer
func NewYTDLPTransfer() *YTDLPTransfer {
	return &YTDLPTransfer{clock: time.Now}
}

// Start implements Transfer
func (t *YTDLPTransfer) Start(ctx context.Context, req TransferRequest) (TransferResult, error) {
	var res TransferResult

	stem := strings.TrimSuffix(req.Destination, filepath.Ext(req.Destination))
	dl := ytdlp.New().
		Continue().
		RestrictFilenames().
		Output(stem + ".%(ext)s")
	if req.BandwidthLimitKbps != nil && *req.BandwidthLimitKbps > 0 {
		dl.LimitRate(fmt.Sprintf("%.0fK", *req.BandwidthLimitKbps))
	}

	started := t.clock()
	firstByte := false
	dl.ProgressFunc(progressInterval, func(update ytdlp.ProgressUpdate) {
		if !firstByte && update.DownloadedBytes > 0 {
			firstByte = true
			res.Latency = t.clock().Sub(started)
		}
		res.Bytes = int64(update.DownloadedBytes)
		res.TotalSize = int64(update.TotalBytes)
		if req.Progress != nil {
			req.Progress(res.Bytes, res.TotalSize)
		}
	})

	result, err := dl.Run(ctx, req.URL)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		// yt-dlp exits non-zero for throttling and network failures alike
		return res, &TransientError{Err: fmt.Errorf("yt-dlp: %w", err)}
	}

	// merged output sizes differ from the stream sizes reported in progress
	res.TotalSize = 0
	if result != nil {
		if info, err := result.GetExtractedInfo(); err == nil && len(info) > 0 && info[0].Filename != nil {
			res.Path = *info[0].Filename
		}
	}
	if res.Path == "" {
		path, err := platform.FindArtifact(req.Destination)
		if err != nil {
			return res, fmt.Errorf("locate yt-dlp output: %w", err)
		}
		res.Path = path
	}
	return res, nil
}
