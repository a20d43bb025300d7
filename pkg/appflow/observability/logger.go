// Package observability provides structured logging, metrics, and tracing
// for appflow threads.
//
// Logging goes through slog. Metrics and tracing use OpenTelemetry and are
// opt-in; the no-op implementations cost nothing when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds thread context to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, "thread-123", "build", 4)
//	enriched.Info("doing work") // includes thread_id, node_id, step
func EnrichLogger(logger *slog.Logger, threadID, nodeID string, step int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("thread_id", threadID),
		slog.String("node_id", nodeID),
		slog.Int("step", step),
	)
}

// LogRunStart logs the start of a run call.
func LogRunStart(logger *slog.Logger, graph, threadID string) {
	if logger == nil {
		return
	}
	logger.Info("thread run starting",
		slog.String("graph", graph),
		slog.String("thread_id", threadID),
	)
}

// LogResume logs re-entry into a suspended node.
func LogResume(logger *slog.Logger, threadID, nodeID string) {
	if logger == nil {
		return
	}
	logger.Info("thread resuming",
		slog.String("thread_id", threadID),
		slog.String("node_id", nodeID),
	)
}

// LogRunComplete logs a thread reaching END.
func LogRunComplete(logger *slog.Logger, threadID string, durationMs float64, steps int) {
	if logger == nil {
		return
	}
	logger.Info("thread completed",
		slog.String("thread_id", threadID),
		slog.Float64("duration_ms", durationMs),
		slog.Int("nodes_executed", steps),
	)
}

// LogRunInterrupted logs a thread suspending for input.
func LogRunInterrupted(logger *slog.Logger, threadID, nodeID string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("thread interrupted",
		slog.String("thread_id", threadID),
		slog.String("node_id", nodeID),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogRunError logs a failed run.
func LogRunError(logger *slog.Logger, threadID string, err error, durationMs float64, lastNode string) {
	if logger == nil {
		return
	}
	logger.Error("thread failed",
		slog.String("thread_id", threadID),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
		slog.String("last_node", lastNode),
	)
}

// LogNodeStart logs node execution start.
func LogNodeStart(logger *slog.Logger, nodeID string) {
	if logger == nil {
		return
	}
	logger.Debug("node starting",
		slog.String("node_id", nodeID),
	)
}

// LogNodeComplete logs successful node completion.
func LogNodeComplete(logger *slog.Logger, nodeID string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("node completed",
		slog.String("node_id", nodeID),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogNodeError logs node execution error.
func LogNodeError(logger *slog.Logger, nodeID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("node failed",
		slog.String("node_id", nodeID),
		slog.String("error", err.Error()),
	)
}

// LogCheckpoint logs checkpoint persistence.
func LogCheckpoint(logger *slog.Logger, threadID string, sequence, sizeBytes int) {
	if logger == nil {
		return
	}
	logger.Debug("checkpoint saved",
		slog.String("thread_id", threadID),
		slog.Int("sequence", sequence),
		slog.Int("size_bytes", sizeBytes),
	)
}

// TimedOperation measures the duration of an operation.
// The returned function reports elapsed milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
