// Package runtime wires the trains and the dispatcher of one simulation
// run and owns their lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/rail-simulator/core"
	"github.com/signalsfoundry/rail-simulator/internal/agent"
	"github.com/signalsfoundry/rail-simulator/internal/dispatch"
	"github.com/signalsfoundry/rail-simulator/internal/logging"
	"github.com/signalsfoundry/rail-simulator/internal/planner"
	"github.com/signalsfoundry/rail-simulator/kb"
	"github.com/signalsfoundry/rail-simulator/timectrl"
	"go.opentelemetry.io/otel/trace"
)

// clockTick is the wall-clock granularity of an accelerated clock.
const clockTick = 10 * time.Millisecond

// ErrAlreadyRun is returned by a second call to Run.
var ErrAlreadyRun = errors.New("runtime already run")

// Departure is one train as the runtime starts it. Start is the offset from
// the beginning of the run at which the train leaves Pending.
type Departure struct {
	ID              string
	Route           core.Route
	Start           time.Duration
	SpeedMultiplier float64
}

// FromSchedule pairs planned trains with their specs. Trains the planner
// dropped are left out.
func FromSchedule(scheduled []planner.ScheduledTrain, specs []kb.TrainSpec) []Departure {
	speed := make(map[string]float64, len(specs))
	for _, s := range specs {
		speed[s.ID] = s.SpeedMultiplier
	}
	out := make([]Departure, 0, len(scheduled))
	for _, st := range scheduled {
		out = append(out, Departure{
			ID:              st.ID,
			Route:           st.Route,
			Start:           st.ScheduledStart,
			SpeedMultiplier: speed[st.ID],
		})
	}
	return out
}

// FromDesired starts every train at its desired time with no planning.
func FromDesired(specs []kb.TrainSpec) []Departure {
	out := make([]Departure, 0, len(specs))
	for _, s := range specs {
		out = append(out, Departure{
			ID:              s.ID,
			Route:           s.Route,
			Start:           s.DesiredStart,
			SpeedMultiplier: s.SpeedMultiplier,
		})
	}
	return out
}

// Requests converts specs into planner input.
func Requests(specs []kb.TrainSpec) []planner.TrainRequest {
	out := make([]planner.TrainRequest, 0, len(specs))
	for _, s := range specs {
		out = append(out, planner.TrainRequest{ID: s.ID, Route: s.Route, DesiredStart: s.DesiredStart})
	}
	return out
}

// AcceleratedClock returns a controller that advances scale seconds of
// simulated time per wall second, or nil when scale does not exceed 1.
// Resources and the runtime must share it.
func AcceleratedClock(scale float64) *timectrl.TimeController {
	if scale <= 1 {
		return nil
	}
	tc := timectrl.NewTimeController(time.Now(), clockTick, timectrl.Accelerated)
	tc.Scale = scale
	return tc
}

// Config holds the run-wide parameters.
type Config struct {
	// DispatchTick is the dispatcher interval in simulated time.
	// Default: dispatch.DefaultTick
	DispatchTick time.Duration

	// SectionTimeout bounds every section acquisition. Zero waits forever.
	SectionTimeout time.Duration
}

// Report is the result of one run.
type Report struct {
	RunID    string
	Outcomes []agent.Outcome
	Elapsed  time.Duration
	Ticks    uint64
}

// Count returns how many trains ended in state s.
func (r Report) Count(s agent.State) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.State == s {
			n++
		}
	}
	return n
}

// Option customises a SimRuntime.
type Option func(*SimRuntime)

// WithClock sets the clock shared by the trains and the dispatcher. It
// must be the clock the resources were built with.
func WithClock(c timectrl.Clock) Option {
	return func(r *SimRuntime) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithDrivenClock uses tc as the clock and runs its ticker loop for the
// duration of Run.
func WithDrivenClock(tc *timectrl.TimeController) Option {
	return func(r *SimRuntime) {
		if tc != nil {
			r.clock = tc
			r.driven = tc
		}
	}
}

// WithLogger sets the base logger.
func WithLogger(l logging.Logger) Option {
	return func(r *SimRuntime) {
		if l != nil {
			r.log = l
		}
	}
}

// WithAgentMetrics attaches a recorder to every train.
func WithAgentMetrics(m agent.MetricsRecorder) Option {
	return func(r *SimRuntime) {
		if m != nil {
			r.agentOpts = append(r.agentOpts, agent.WithMetricsRecorder(m))
		}
	}
}

// WithDispatchMetrics attaches a recorder to the dispatcher.
func WithDispatchMetrics(m dispatch.MetricsRecorder) Option {
	return func(r *SimRuntime) {
		if m != nil {
			r.dispatchOpts = append(r.dispatchOpts, dispatch.WithMetricsRecorder(m))
		}
	}
}

// WithPublisher forwards every dispatcher snapshot to p.
func WithPublisher(p dispatch.Publisher) Option {
	return func(r *SimRuntime) {
		if p != nil {
			r.dispatchOpts = append(r.dispatchOpts, dispatch.WithPublisher(p))
		}
	}
}

// WithTracer sets the tracer for train spans.
func WithTracer(tr trace.Tracer) Option {
	return func(r *SimRuntime) {
		if tr != nil {
			r.agentOpts = append(r.agentOpts, agent.WithTracer(tr))
		}
	}
}

// SimRuntime owns the trains and the dispatcher of one run. Trains and the
// dispatcher are built up front, so Stop is valid before Run.
type SimRuntime struct {
	// Agents holds one train per departure, in departure order.
	Agents []*agent.Train

	// Dispatcher monitors every section in the knowledge base.
	Dispatcher *dispatch.Dispatcher

	cfg    Config
	clock  timectrl.Clock
	driven *timectrl.TimeController
	log    logging.Logger

	agentOpts    []agent.Option
	dispatchOpts []dispatch.Option

	runID string

	mu  sync.Mutex
	ran bool
}

// New builds a runtime for departures over the sections of base.
func New(base *kb.KnowledgeBase, departures []Departure, cfg Config, opts ...Option) (*SimRuntime, error) {
	if base == nil {
		return nil, fmt.Errorf("knowledge base is nil")
	}
	r := &SimRuntime{
		cfg:   cfg,
		clock: timectrl.RealClock{},
		log:   logging.Noop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.runID = logging.NewRunID()
	r.log = r.log.With(logging.String("run_id", r.runID))

	seen := make(map[string]bool, len(departures))
	r.Agents = make([]*agent.Train, 0, len(departures))
	for _, d := range departures {
		if d.ID == "" {
			return nil, fmt.Errorf("departure with empty train id")
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("duplicate train id %q", d.ID)
		}
		seen[d.ID] = true
		if err := d.Route.Validate(); err != nil {
			return nil, fmt.Errorf("train %s: %w", d.ID, err)
		}

		acfg := agent.Config{
			StartDelay:      d.Start,
			SpeedMultiplier: d.SpeedMultiplier,
			SectionTimeout:  cfg.SectionTimeout,
		}
		aopts := append([]agent.Option{agent.WithClock(r.clock), agent.WithLogger(r.log)}, r.agentOpts...)
		r.Agents = append(r.Agents, agent.New(d.ID, d.Route, acfg, aopts...))
	}

	dopts := append([]dispatch.Option{dispatch.WithClock(r.clock), dispatch.WithLogger(r.log)}, r.dispatchOpts...)
	r.Dispatcher = dispatch.New(base.ListSections(), cfg.DispatchTick, dopts...)
	return r, nil
}

// Run starts the dispatcher and every train, waits for all trains to end,
// then stops the dispatcher. Cancelling ctx requests a stop of every train
// and aborts their pending waits; Run still returns once they have ended.
func (r *SimRuntime) Run(ctx context.Context) (Report, error) {
	r.mu.Lock()
	if r.ran {
		r.mu.Unlock()
		return Report{}, ErrAlreadyRun
	}
	r.ran = true
	r.mu.Unlock()

	ctx = logging.ContextWithRunID(ctx, r.runID)
	log := r.log.With(logging.Unit("Simulation"))

	if r.driven != nil {
		stopClock := make(chan struct{})
		clockDone := r.driven.Start(0, stopClock)
		defer func() {
			close(stopClock)
			<-clockDone
		}()
	}

	started := r.clock.Now()
	log.Info(ctx, "Simulation started", logging.Int("trains", len(r.Agents)))

	r.Dispatcher.Start(ctx)
	for _, a := range r.Agents {
		a.Start(ctx)
	}

	all := make(chan struct{})
	go func() {
		defer close(all)
		for _, a := range r.Agents {
			<-a.Done()
		}
	}()
	select {
	case <-all:
	case <-ctx.Done():
		log.Warn(ctx, "run cancelled, stopping trains", logging.Err(ctx.Err()))
		r.Stop()
		<-all
	}

	r.Dispatcher.RequestStop()
	r.Dispatcher.Join()

	report := Report{
		RunID:    r.runID,
		Outcomes: make([]agent.Outcome, 0, len(r.Agents)),
		Elapsed:  r.clock.Now().Sub(started),
		Ticks:    r.Dispatcher.Last().Seq,
	}
	for _, a := range r.Agents {
		report.Outcomes = append(report.Outcomes, a.Join())
	}
	log.Info(ctx, "Simulation finished",
		logging.Int("finished", report.Count(agent.Finished)),
		logging.Int("stopped", report.Count(agent.Stopped)),
		logging.Duration("elapsed", report.Elapsed))
	return report, nil
}

// RunID identifies this run in every log line it emits.
func (r *SimRuntime) RunID() string { return r.runID }

// Stop asks every train to stop at its next step boundary.
func (r *SimRuntime) Stop() {
	for _, a := range r.Agents {
		a.RequestStop()
	}
}
