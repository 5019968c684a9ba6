package download

// Package download executes queued tasks. A Service pulls ready tasks from
// the priority queue, admits them through the adaptive controller and a
// resizable execution gate, and runs each transfer with dedup, resume,
// retry/backoff and post-transfer verification. Transfers are pluggable:
// plain HTTP range requests, yt-dlp (github.com/lrstanley/go-ytdlp), or a
// Router choosing between them by URL.
