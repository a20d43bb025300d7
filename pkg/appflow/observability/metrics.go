package observability

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/randalmurphal/appflow"

// MetricsRecorder records appflow metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	RecordNodeExecution(ctx context.Context, nodeID string, duration time.Duration, err error)

	// RecordThreadRun records the outcome of one Run or Resume call.
	// status is "completed", "interrupted" or "failed".
	RecordThreadRun(ctx context.Context, status string, duration time.Duration)

	RecordInterrupt(ctx context.Context, nodeID string)

	RecordCheckpoint(ctx context.Context, nodeID string, sizeBytes int64)
}

type otelMetrics struct {
	nodeExecutions metric.Int64Counter
	nodeLatency    metric.Float64Histogram
	nodeErrors     metric.Int64Counter
	threadRuns     metric.Int64Counter
	threadLatency  metric.Float64Histogram
	interrupts     metric.Int64Counter
	checkpointSize metric.Int64Histogram
}

func newOtelMetrics(provider metric.MeterProvider) (*otelMetrics, error) {
	meter := provider.Meter(instrumentationName)
	m := &otelMetrics{}
	var err error

	if m.nodeExecutions, err = meter.Int64Counter("appflow.node.executions",
		metric.WithDescription("Number of node executions"),
	); err != nil {
		return nil, err
	}
	if m.nodeLatency, err = meter.Float64Histogram("appflow.node.latency_ms",
		metric.WithDescription("Node execution latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.nodeErrors, err = meter.Int64Counter("appflow.node.errors",
		metric.WithDescription("Number of node execution errors"),
	); err != nil {
		return nil, err
	}
	if m.threadRuns, err = meter.Int64Counter("appflow.thread.runs",
		metric.WithDescription("Number of thread run calls by outcome"),
	); err != nil {
		return nil, err
	}
	if m.threadLatency, err = meter.Float64Histogram("appflow.thread.latency_ms",
		metric.WithDescription("Thread run call latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.interrupts, err = meter.Int64Counter("appflow.thread.interrupts",
		metric.WithDescription("Number of suspensions at input boundaries"),
	); err != nil {
		return nil, err
	}
	if m.checkpointSize, err = meter.Int64Histogram("appflow.checkpoint.size_bytes",
		metric.WithDescription("Checkpoint size in bytes"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder backed by the global OTel
// meter provider. Configure the provider first with otel.SetMeterProvider.
// If instrument creation fails, a no-op recorder is returned.
func NewMetricsRecorder() MetricsRecorder {
	return NewMetricsRecorderFrom(otel.GetMeterProvider())
}

// NewMetricsRecorderFrom returns a MetricsRecorder using the given provider.
func NewMetricsRecorderFrom(provider metric.MeterProvider) MetricsRecorder {
	m, err := newOtelMetrics(provider)
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordNodeExecution records a node execution.
func (m *otelMetrics) RecordNodeExecution(ctx context.Context, nodeID string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("node_id", nodeID))

	m.nodeExecutions.Add(ctx, 1, attrs)
	m.nodeLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.nodeErrors.Add(ctx, 1, attrs)
	}
}

// RecordThreadRun records a run outcome.
func (m *otelMetrics) RecordThreadRun(ctx context.Context, status string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.threadRuns.Add(ctx, 1, attrs)
	m.threadLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordInterrupt records a suspension.
func (m *otelMetrics) RecordInterrupt(ctx context.Context, nodeID string) {
	m.interrupts.Add(ctx, 1, metric.WithAttributes(attribute.String("node_id", nodeID)))
}

// RecordCheckpoint records a checkpoint save.
func (m *otelMetrics) RecordCheckpoint(ctx context.Context, nodeID string, sizeBytes int64) {
	m.checkpointSize.Record(ctx, sizeBytes, metric.WithAttributes(attribute.String("node_id", nodeID)))
}
