package api

// Package api serves the scheduler over HTTP: task admission and lookup,
// batch progress, a status snapshot and a Prometheus scrape endpoint.
