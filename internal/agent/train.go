package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/signalsfoundry/rail-simulator/core"
	"github.com/signalsfoundry/rail-simulator/internal/logging"
	"github.com/signalsfoundry/rail-simulator/timectrl"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/signalsfoundry/rail-simulator/internal/agent"

// State is the lifecycle of a train run.
type State int32

const (
	Pending State = iota
	Running
	Finished
	Stopped
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Outcome summarises a run once the train has exited.
type Outcome struct {
	TrainID         string
	State           State
	StepsCompleted  int
	LegsAbandoned   int
	StationsSkipped int
	Panicked        bool
}

// MetricsRecorder receives train lifecycle events.
type MetricsRecorder interface {
	TrainStarted(trainID string)
	TrainEnded(trainID, state string)
	LegAbandoned(trainID, section string)
	StationSkipped(trainID, station string)
}

type noopMetrics struct{}

func (noopMetrics) TrainStarted(string)           {}
func (noopMetrics) TrainEnded(string, string)     {}
func (noopMetrics) LegAbandoned(string, string)   {}
func (noopMetrics) StationSkipped(string, string) {}

// Option customises a Train.
type Option func(*Train)

// WithClock sets the clock behind the start delay, dwell and travel sleeps.
func WithClock(c timectrl.Clock) Option {
	return func(t *Train) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithLogger sets the base logger. The train binds its own unit to it.
func WithLogger(l logging.Logger) Option {
	return func(t *Train) {
		if l != nil {
			t.log = l
		}
	}
}

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(t *Train) {
		if m != nil {
			t.metrics = m
		}
	}
}

// WithTracer overrides the tracer from the global provider.
func WithTracer(tr trace.Tracer) Option {
	return func(t *Train) {
		if tr != nil {
			t.tracer = tr
		}
	}
}

// Train walks a route: arrive, dwell, depart, then cross the outgoing
// section, step after step. It coordinates with other trains only through
// the shared Section and Station values.
type Train struct {
	ID    string
	route core.Route
	cfg   Config

	clock   timectrl.Clock
	log     logging.Logger
	metrics MetricsRecorder
	tracer  trace.Tracer

	stop      atomic.Bool
	state     atomic.Int32
	startOnce sync.Once
	done      chan struct{}

	mu      sync.Mutex
	outcome Outcome
}

// New constructs a pending train. cfg is normalised with ApplyDefaults.
func New(id string, route core.Route, cfg Config, opts ...Option) *Train {
	t := &Train{
		ID:      id,
		route:   route,
		cfg:     cfg.ApplyDefaults(),
		clock:   timectrl.RealClock{},
		log:     logging.Noop(),
		metrics: noopMetrics{},
		done:    make(chan struct{}),
		outcome: Outcome{TrainID: id, State: Pending},
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.tracer == nil {
		t.tracer = otel.Tracer(tracerName)
	}
	t.log = t.log.With(logging.Unit(id))
	return t
}

// Config returns the normalised run parameters.
func (t *Train) Config() Config { return t.cfg }

// Route returns the route the train runs.
func (t *Train) Route() core.Route { return t.route }

// State returns the current lifecycle state.
func (t *Train) State() State { return State(t.state.Load()) }

// Outcome returns the run summary so far.
func (t *Train) Outcome() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	o := t.outcome
	o.State = t.State()
	return o
}

// Start launches the run in its own goroutine. Later calls do nothing.
// Cancelling ctx aborts pending resource waits and the start delay; it is
// meant for process shutdown, not for stopping one train.
func (t *Train) Start(ctx context.Context) {
	t.startOnce.Do(func() {
		go t.run(ctx)
	})
}

// RequestStop asks the train to stop at its next step boundary. A step in
// progress, including any blocking wait or sleep, completes first.
func (t *Train) RequestStop() { t.stop.Store(true) }

// Done is closed once the run has exited.
func (t *Train) Done() <-chan struct{} { return t.done }

// Join blocks until the train is Finished or Stopped and returns its
// outcome. It never returns for a train that was not started.
func (t *Train) Join() Outcome {
	<-t.done
	return t.Outcome()
}

func (t *Train) run(ctx context.Context) {
	ctx = logging.ContextWithLogger(ctx, t.log)
	ctx, span := t.tracer.Start(ctx, "train.run", trace.WithAttributes(
		attribute.String("train.id", t.ID),
		attribute.String("train.route", t.route.String()),
		attribute.Int64("train.start_delay_ms", t.cfg.StartDelay.Milliseconds()),
		attribute.Float64("train.speed_multiplier", t.cfg.SpeedMultiplier),
	))

	defer func() {
		if r := recover(); r != nil {
			t.mu.Lock()
			t.outcome.Panicked = true
			t.mu.Unlock()
			t.state.Store(int32(Stopped))
			err := fmt.Errorf("panic: %v", r)
			t.log.Error(ctx, "train failed", logging.Err(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "panic")
		}
		o := t.Outcome()
		span.SetAttributes(
			attribute.String("train.state", o.State.String()),
			attribute.Int("train.steps_completed", o.StepsCompleted),
			attribute.Int("train.legs_abandoned", o.LegsAbandoned),
			attribute.Int("train.stations_skipped", o.StationsSkipped),
		)
		t.log.Info(ctx, "route ended", logging.String("state", o.State.String()))
		t.metrics.TrainEnded(t.ID, o.State.String())
		span.End()
		close(t.done)
	}()

	if !t.waitStartDelay(ctx) {
		t.state.Store(int32(Stopped))
		t.log.Info(ctx, "stopped")
		return
	}

	t.state.Store(int32(Running))
	t.metrics.TrainStarted(t.ID)
	t.log.Info(ctx, "starting route", logging.String("route", t.route.String()))

	for _, step := range t.route {
		if t.stop.Load() || ctx.Err() != nil {
			t.state.Store(int32(Stopped))
			t.log.Info(ctx, "stopped")
			return
		}

		if err := step.Station.Arrive(ctx, t.ID); err != nil {
			t.log.Warn(ctx, "could not arrive", logging.String("station", step.Station.Name), logging.Err(err))
			t.mu.Lock()
			t.outcome.StationsSkipped++
			t.mu.Unlock()
			t.metrics.StationSkipped(t.ID, step.Station.Name)
			continue
		}
		timectrl.Sleep(t.clock, t.cfg.scale(step.Dwell))
		step.Station.Depart(ctx, t.ID)

		if step.Terminal() {
			t.completeStep()
			t.state.Store(int32(Finished))
			t.log.Info(ctx, "finished at "+step.Station.Name, logging.String("station", step.Station.Name))
			span.SetStatus(codes.Ok, "")
			return
		}

		if !t.travel(ctx, step.Section) {
			if ctx.Err() != nil {
				continue
			}
			t.mu.Lock()
			t.outcome.LegsAbandoned++
			t.mu.Unlock()
			t.metrics.LegAbandoned(t.ID, step.Section.Name)
			continue
		}
		t.completeStep()
	}

	// Only reached when the terminal step could not be served.
	if t.stop.Load() || ctx.Err() != nil {
		t.state.Store(int32(Stopped))
		t.log.Info(ctx, "stopped")
		return
	}
	t.state.Store(int32(Finished))
}

// waitStartDelay holds the train in Pending. It reports false when ctx was
// cancelled first.
func (t *Train) waitStartDelay(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if t.cfg.StartDelay <= 0 {
		return true
	}
	select {
	case <-t.clock.After(t.cfg.StartDelay):
		return true
	case <-ctx.Done():
		return false
	}
}

// travel crosses sec. When the section cannot be acquired the leg is
// abandoned and the train carries on with its next step from where it is.
func (t *Train) travel(ctx context.Context, sec *core.Section) bool {
	if !sec.Acquire(ctx, t.ID, t.cfg.SectionTimeout) {
		if ctx.Err() != nil {
			return false
		}
		t.log.Warn(ctx, "could not acquire "+sec.Name, logging.String("section", sec.Name))
		return false
	}
	timectrl.Sleep(t.clock, t.cfg.scale(sec.TravelTime))
	sec.Release(ctx, t.ID)
	return true
}

func (t *Train) completeStep() {
	t.mu.Lock()
	t.outcome.StepsCompleted++
	t.mu.Unlock()
}
