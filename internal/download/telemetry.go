package download

import (
	"go.opentelemetry.io/otel/metric"

	"github.com/ytget/dlsched/internal/logging"
)

// instruments of the orchestrator; created once per process
type telemetry struct {
	completed metric.Int64Counter
	failed    metric.Int64Counter
	retries   metric.Int64Counter
	bytes     metric.Int64Counter
	dedupHits metric.Int64Counter
	duration  metric.Float64Histogram
}

func newTelemetry() *telemetry {
	return &telemetry{
		completed: logging.InitializeIntCounter("dlsched_tasks_completed_total",
			"Tasks that reached the completed state", "{task}"),
		failed: logging.InitializeIntCounter("dlsched_tasks_failed_total",
			"Tasks that reached the failed state", "{task}"),
		retries: logging.InitializeIntCounter("dlsched_task_retries_total",
			"Transfer attempts after the first", "{attempt}"),
		bytes: logging.InitializeIntCounter("dlsched_bytes_downloaded_total",
			"Bytes written by transfers", "By"),
		dedupHits: logging.InitializeIntCounter("dlsched_dedup_hits_total",
			"Tasks completed from the dedup cache", "{task}"),
		duration: logging.InitializeHistogram("dlsched_transfer_duration_seconds",
			"Wall time of a task execution", "s"),
	}
}
