package adaptive

// Package adaptive samples system and transfer metrics and retunes the shared
// execution settings (concurrency, chunk size, timeout, retry policy) from
// them with fixed threshold rules.
