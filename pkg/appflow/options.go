package appflow

import (
	"log/slog"

	"github.com/randalmurphal/appflow/pkg/appflow/event"
	"github.com/randalmurphal/appflow/pkg/appflow/observability"
)

const defaultMaxSteps = 1000

type executorConfig struct {
	logger         *slog.Logger
	metrics        observability.MetricsRecorder
	spans          observability.SpanManager
	tracingEnabled bool
	events         event.Bus
	maxSteps       int
	rejectBusy     bool
}

func defaultExecutorConfig() executorConfig {
	return executorConfig{
		logger:   slog.Default(),
		metrics:  observability.NoopMetrics{},
		spans:    observability.NoopSpanManager{},
		maxSteps: defaultMaxSteps,
	}
}

// Option configures an Executor.
type Option func(*executorConfig)

// WithLogger sets the logger used for thread and node logs.
// Nodes receive it enriched with thread_id, node_id, and step.
func WithLogger(logger *slog.Logger) Option {
	return func(c *executorConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics enables OpenTelemetry metrics on the global meter provider.
func WithMetrics(enabled bool) Option {
	return func(c *executorConfig) {
		if enabled {
			c.metrics = observability.NewMetricsRecorder()
		} else {
			c.metrics = observability.NoopMetrics{}
		}
	}
}

// WithMetricsRecorder sets a specific metrics recorder.
func WithMetricsRecorder(m observability.MetricsRecorder) Option {
	return func(c *executorConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTracing enables OpenTelemetry spans on the global tracer provider.
func WithTracing(enabled bool) Option {
	return func(c *executorConfig) {
		c.tracingEnabled = enabled
		if enabled {
			c.spans = observability.NewSpanManager()
		} else {
			c.spans = observability.NoopSpanManager{}
		}
	}
}

// WithSpanManager sets a specific span manager and enables tracing.
func WithSpanManager(s observability.SpanManager) Option {
	return func(c *executorConfig) {
		if s != nil {
			c.spans = s
			c.tracingEnabled = true
		}
	}
}

// WithEventBus publishes thread and node lifecycle events on bus and makes
// it available to nodes through Context.Events.
func WithEventBus(bus event.Bus) Option {
	return func(c *executorConfig) {
		c.events = bus
	}
}

// WithMaxSteps sets the maximum number of node executions per Run call.
// Default: 1000
func WithMaxSteps(n int) Option {
	return func(c *executorConfig) {
		if n > 0 {
			c.maxSteps = n
		}
	}
}

// WithRejectConcurrent makes a Run on a thread that is already running
// fail with ErrThreadBusy instead of waiting its turn.
func WithRejectConcurrent() Option {
	return func(c *executorConfig) {
		c.rejectBusy = true
	}
}
