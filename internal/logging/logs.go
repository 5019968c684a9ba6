package logging

import (
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName scopes every logger, meter and tracer of the module
const InstrumentationName = "github.com/ytget/dlsched"

var (
	meter  = otel.Meter(InstrumentationName)
	tracer = otel.Tracer(InstrumentationName)
	logger = otelslog.NewLogger(InstrumentationName)
)

// NewLogger returns a slog logger bridged to the OpenTelemetry log pipeline,
// tagged with the component name.
func NewLogger(component string) *slog.Logger {
	return otelslog.NewLogger(InstrumentationName).With("component", component)
}

// Logger returns the module-wide logger
func Logger() *slog.Logger {
	return logger
}

// Tracer returns the module tracer
func Tracer() trace.Tracer {
	return tracer
}

// InitializeFloatCounter creates a counter; on failure it logs and returns a
// no-op counter so callers never handle nil instruments.
func InitializeFloatCounter(name, description, unit string) metric.Float64Counter {
	counter, err := meter.Float64Counter(name,
		metric.WithDescription(description),
		metric.WithUnit(unit))
	if err != nil {
		logger.Error("failed to create metric", "name", name, "error", err)
		return noop.Float64Counter{}
	}
	return counter
}

// InitializeIntCounter creates an integer counter, see InitializeFloatCounter
func InitializeIntCounter(name, description, unit string) metric.Int64Counter {
	counter, err := meter.Int64Counter(name,
		metric.WithDescription(description),
		metric.WithUnit(unit))
	if err != nil {
		logger.Error("failed to create metric", "name", name, "error", err)
		return noop.Int64Counter{}
	}
	return counter
}

// InitializeHistogram creates a histogram, see InitializeFloatCounter
func InitializeHistogram(name, description, unit string) metric.Float64Histogram {
	hist, err := meter.Float64Histogram(name,
		metric.WithDescription(description),
		metric.WithUnit(unit))
	if err != nil {
		logger.Error("failed to create metric", "name", name, "error", err)
		return noop.Float64Histogram{}
	}
	return hist
}
