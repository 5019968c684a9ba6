package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/ytget/dlsched/internal/model"
	"github.com/ytget/dlsched/internal/platform"
)

// DefaultUserAgent is sent by HTTPTransfer
const DefaultUserAgent = "dlsched/1.0"

// errTransferStalled cancels a transfer that received no data for Timeout
var errTransferStalled = errors.New("transfer stalled")

// HTTPTransfer downloads plain HTTP(S) sources with range requests
type HTTPTransfer struct {
	client    *http.Client
	userAgent string
	clock     func() time.Time
}

// NewHTTPTransfer creates a transfer; a nil client gets an instrumented
// default one
func NewHTTPTransfer(client *http.Client) *HTTPTransfer {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &HTTPTransfer{
		client:    client,
		userAgent: DefaultUserAgent,
		clock:     time.Now,
	}
}

// Start implements Transfer. Data goes to req.Partial; a non-zero offset is
// requested with a Range header and appended when the server honors it.
func (t *HTTPTransfer) Start(ctx context.Context, req TransferRequest) (TransferResult, error) {
	res := TransferResult{Path: req.Partial}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var watchdog *time.Timer
	if req.Timeout > 0 {
		watchdog = time.AfterFunc(req.Timeout, func() { cancel(errTransferStalled) })
		defer watchdog.Stop()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return res, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("User-Agent", t.userAgent)
	if req.Offset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", req.Offset))
	}

	started := t.clock()
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return res, t.networkError(ctx, err)
	}
	defer resp.Body.Close()
	res.Latency = t.clock().Sub(started)

	flags := os.O_CREATE | os.O_WRONLY
	offset := req.Offset
	switch {
	case resp.StatusCode == http.StatusOK:
		// range ignored, start over
		flags |= os.O_TRUNC
		offset = 0
		if resp.ContentLength >= 0 {
			res.TotalSize = resp.ContentLength
		}
	case resp.StatusCode == http.StatusPartialContent:
		start, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != req.Offset {
			return res, fmt.Errorf("unexpected content range %q for offset %d",
				resp.Header.Get("Content-Range"), req.Offset)
		}
		flags |= os.O_APPEND
		res.TotalSize = total
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		_, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if ok && total == req.Offset {
			res.TotalSize = total
			return res, nil
		}
		_ = os.Remove(req.Partial)
		return res, &TransientError{Err: fmt.Errorf("range %d not satisfiable", req.Offset)}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return res, &RateLimitedError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), t.clock()),
			Err:        fmt.Errorf("server returned %s", resp.Status),
		}
	case resp.StatusCode >= http.StatusInternalServerError:
		return res, &TransientError{Err: fmt.Errorf("server returned %s", resp.Status)}
	default:
		return res, fmt.Errorf("server returned %s", resp.Status)
	}

	f, err := os.OpenFile(req.Partial, flags, platform.DefaultFilePermissions)
	if err != nil {
		return res, fmt.Errorf("open partial artifact: %w", err)
	}
	defer f.Close()

	chunk := max(req.ChunkSize, model.MinChunkSize)
	var limiter *rate.Limiter
	if req.BandwidthLimitKbps != nil && *req.BandwidthLimitKbps > 0 {
		limiter = rate.NewLimiter(rate.Limit(*req.BandwidthLimitKbps*1024), chunk)
	}

	buf := make([]byte, chunk)
	done := offset
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if watchdog != nil {
				watchdog.Reset(req.Timeout)
			}
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return res, t.networkError(ctx, err)
				}
			}
			if _, err := f.Write(buf[:n]); err != nil {
				return res, fmt.Errorf("write partial artifact: %w", err)
			}
			res.Bytes += int64(n)
			done += int64(n)
			if req.Progress != nil {
				req.Progress(done, res.TotalSize)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return res, t.networkError(ctx, rerr)
		}
	}

	if err := f.Close(); err != nil {
		return res, fmt.Errorf("close partial artifact: %w", err)
	}
	return res, nil
}

// networkError classifies a failure while talking to the server. Stalls and
// connection errors are transient; cancellation by the caller is returned
// as is.
func (t *HTTPTransfer) networkError(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); errors.Is(cause, errTransferStalled) {
		return &TransientError{Err: cause}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &TransientError{Err: err}
}

// parseContentRange reads "bytes start-end/total" and "bytes */total".
// total is 0 when the server sent "*".
func parseContentRange(v string) (start, total int64, ok bool) {
	v, found := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !found {
		return 0, 0, false
	}
	span, size, found := strings.Cut(v, "/")
	if !found {
		return 0, 0, false
	}
	if size != "*" {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		total = n
	}
	if span == "*" {
		return 0, total, true
	}
	first, _, found := strings.Cut(span, "-")
	if !found {
		return 0, 0, false
	}
	n, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return n, total, true
}

// parseRetryAfter accepts delta seconds or an HTTP date
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(v); err == nil {
		if d := when.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
