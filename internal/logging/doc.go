package logging

// Package logging wires log/slog, metrics and traces to OpenTelemetry.
// Loggers, meters and tracers obtained here forward to whatever providers
// SetupOTelSDK installs; before that they are no-ops.
