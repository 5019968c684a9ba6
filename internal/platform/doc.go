package platform

// Package platform contains OS integration and external tooling glue:
// host load sampling, artifact path helpers, and playlist expansion via the
// ytdlp library.
