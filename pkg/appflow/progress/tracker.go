package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/randalmurphal/appflow/pkg/appflow/command"
	"github.com/randalmurphal/appflow/pkg/appflow/event"
)

// Heartbeat is one progress notification.
type Heartbeat struct {
	Task    string        `json:"task,omitempty"`
	Phase   string        `json:"phase"`
	Percent int           `json:"percent"`
	Elapsed time.Duration `json:"elapsed"`
	Final   bool          `json:"final,omitempty"`
}

// Sink receives heartbeats.
type Sink interface {
	Heartbeat(ctx context.Context, hb Heartbeat)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, hb Heartbeat)

// Heartbeat implements Sink.
func (f SinkFunc) Heartbeat(ctx context.Context, hb Heartbeat) { f(ctx, hb) }

// DefaultInterval is the heartbeat period and minimum emission interval.
const DefaultInterval = time.Second

// Tracker follows one process run: it folds output lines through an
// Estimator, ticks between lines, and emits heartbeats to a sink no more
// often than its interval.
//
// Example:
//
//	tr := progress.NewTracker(progress.Gradle(), sink, progress.WithTask("build"))
//	tr.Start(ctx)
//	res := runner.Run(ctx, "./gradlew", args, command.Options{OnOutputLine: tr.Observe})
//	tr.Finish(res.Success)
type Tracker struct {
	est      Estimator
	sink     Sink
	task     string
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	snap    Snapshot
	started time.Time
	ctx     context.Context

	emitGate  rate.Sometimes
	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithInterval sets the heartbeat period. Default: 1s
func WithInterval(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithTask labels heartbeats.
func WithTask(name string) TrackerOption {
	return func(t *Tracker) { t.task = name }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker creates a tracker. A nil sink discards heartbeats.
func NewTracker(est Estimator, sink Sink, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		est:      est,
		sink:     sink,
		interval: DefaultInterval,
		now:      time.Now,
		ctx:      context.Background(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.emitGate = rate.Sometimes{Interval: t.interval}
	t.started = t.now()
	t.snap.LastAdvance = t.started
	return t
}

// Start begins periodic ticks until Finish is called or ctx ends.
func (t *Tracker) Start(ctx context.Context) {
	t.startOnce.Do(func() {
		t.mu.Lock()
		t.ctx = ctx
		t.mu.Unlock()
		go t.loop(ctx)
	})
}

func (t *Tracker) loop(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.update(func(s Snapshot, now time.Time) Snapshot { return t.est.Tick(s, now) })
		case <-t.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Observe folds an output line into the estimate. It matches the
// command.Options.OnOutputLine signature.
func (t *Tracker) Observe(line command.Line) {
	t.update(func(s Snapshot, now time.Time) Snapshot { return t.est.Estimate(s, line.Text, now) })
}

func (t *Tracker) update(step func(Snapshot, time.Time) Snapshot) {
	t.mu.Lock()
	now := t.now()
	t.snap = step(t.snap, now)
	hb := t.heartbeat(now)
	ctx := t.ctx
	t.mu.Unlock()

	if t.sink != nil {
		t.emitGate.Do(func() { t.sink.Heartbeat(ctx, hb) })
	}
}

func (t *Tracker) heartbeat(now time.Time) Heartbeat {
	return Heartbeat{
		Task:    t.task,
		Phase:   t.snap.Phase,
		Percent: t.snap.Percent,
		Elapsed: now.Sub(t.started),
	}
}

// Snapshot returns the current estimate.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// Finish stops ticking and always emits a final heartbeat. Success reports
// 100 percent; failure keeps the last estimate.
func (t *Tracker) Finish(success bool) Snapshot {
	t.stopOnce.Do(func() { close(t.stop) })
	t.startOnce.Do(func() { close(t.done) })
	<-t.done

	t.mu.Lock()
	if success {
		t.snap = t.est.Complete(t.snap)
	}
	hb := t.heartbeat(t.now())
	hb.Final = true
	snap := t.snap
	ctx := t.ctx
	t.mu.Unlock()

	if t.sink != nil {
		t.sink.Heartbeat(ctx, hb)
	}
	return snap
}

// BusSink publishes heartbeats as progress.heartbeat events.
type BusSink struct {
	Bus      event.Bus
	ThreadID string
	Logger   *slog.Logger
}

// Heartbeat implements Sink. Publish failures are logged and dropped.
func (s BusSink) Heartbeat(ctx context.Context, hb Heartbeat) {
	if s.Bus == nil {
		return
	}
	if err := s.Bus.Publish(ctx, event.New(event.ProgressHeartbeat, "progress", s.ThreadID, hb)); err != nil && s.Logger != nil {
		s.Logger.Debug("heartbeat dropped", "error", err.Error())
	}
}

// LogSink writes heartbeats as log lines.
type LogSink struct {
	Logger *slog.Logger
}

// Heartbeat implements Sink.
func (s LogSink) Heartbeat(ctx context.Context, hb Heartbeat) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "progress",
		"task", hb.Task,
		"phase", hb.Phase,
		"percent", hb.Percent,
		"elapsed_ms", hb.Elapsed.Milliseconds(),
		"final", hb.Final,
	)
}

// MultiSink fans heartbeats out to several sinks.
type MultiSink []Sink

// Heartbeat implements Sink.
func (m MultiSink) Heartbeat(ctx context.Context, hb Heartbeat) {
	for _, s := range m {
		if s != nil {
			s.Heartbeat(ctx, hb)
		}
	}
}
