package planner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/signalsfoundry/rail-simulator/core"
	"github.com/signalsfoundry/rail-simulator/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/signalsfoundry/rail-simulator/internal/planner"

var (
	ErrInvalidStep   = errors.New("planner step must be positive")
	ErrInvalidBudget = errors.New("planner delay budget must not be negative")
)

// TrainRequest asks for a train to start at DesiredStart.
type TrainRequest struct {
	ID           string
	Route        core.Route
	DesiredStart time.Duration
}

// ScheduledTrain is a placed request. Delay is ScheduledStart minus the
// desired start and is never negative.
type ScheduledTrain struct {
	ID             string
	Route          core.Route
	ScheduledStart time.Duration
	Delay          time.Duration
}

// MetricsRecorder receives per-request planning outcomes.
type MetricsRecorder interface {
	RecordPlanned(delay time.Duration, candidates int)
	RecordDropped(candidates int)
	ObservePlanDuration(d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordPlanned(time.Duration, int)  {}
func (noopMetrics) RecordDropped(int)                 {}
func (noopMetrics) ObservePlanDuration(time.Duration) {}

// Planner places train requests greedily in desired-start order.
type Planner struct {
	log     logging.Logger
	metrics MetricsRecorder
	tracer  trace.Tracer
}

// Option customises a Planner.
type Option func(*Planner)

// WithLogger sets the logger for planned and dropped lines.
func WithLogger(l logging.Logger) Option {
	return func(p *Planner) {
		if l != nil {
			p.log = l
		}
	}
}

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(p *Planner) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithTracer overrides the tracer from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(p *Planner) {
		if t != nil {
			p.tracer = t
		}
	}
}

// New constructs a Planner. Without options it logs nowhere and traces
// through the global otel provider.
func New(opts ...Option) *Planner {
	p := &Planner{
		log:     logging.Noop(),
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer(tracerName)
	}
	p.log = p.log.With(logging.Unit("Planner"))
	return p
}

// Plan is the uninstrumented entry point.
func Plan(requests []TrainRequest, maxDelay, step time.Duration) ([]ScheduledTrain, error) {
	return New().Plan(context.Background(), requests, maxDelay, step)
}

// Plan assigns each request the earliest start in
// desired, desired+step, ... desired+maxDelay whose occupancy does not
// conflict with the trains already placed. Requests are visited by desired
// start with ties in input order, and that order decides who gets delayed.
// A request with no feasible start is dropped and the rest of the batch
// still plans. The result lists placed trains in placement order.
func (p *Planner) Plan(ctx context.Context, requests []TrainRequest, maxDelay, step time.Duration) ([]ScheduledTrain, error) {
	if step <= 0 {
		return nil, fmt.Errorf("step %s: %w", step, ErrInvalidStep)
	}
	if maxDelay < 0 {
		return nil, fmt.Errorf("max delay %s: %w", maxDelay, ErrInvalidBudget)
	}

	ctx, span := p.tracer.Start(ctx, "planner.plan", trace.WithAttributes(
		attribute.Int("planner.requests", len(requests)),
		attribute.String("planner.max_delay", maxDelay.String()),
		attribute.String("planner.step", step.String()),
	))
	defer span.End()

	began := time.Now()
	defer func() { p.metrics.ObservePlanDuration(time.Since(began)) }()

	ordered := make([]TrainRequest, len(requests))
	copy(ordered, requests)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].DesiredStart < ordered[j].DesiredStart
	})

	committed := NewCommitted()
	scheduled := make([]ScheduledTrain, 0, len(ordered))
	dropped := 0

	for _, req := range ordered {
		limit := searchLimit(req.DesiredStart, maxDelay)
		tried := 0
		placed := false

		for candidate, ok := req.DesiredStart, true; ok; candidate, ok = nextCandidate(candidate, limit, step) {
			tried++
			occ := ComputeOccupancy(req.Route, candidate)
			if HasConflict(occ, committed) {
				continue
			}
			committed.Commit(occ)
			delay := candidate - req.DesiredStart
			scheduled = append(scheduled, ScheduledTrain{
				ID:             req.ID,
				Route:          req.Route,
				ScheduledStart: candidate,
				Delay:          delay,
			})
			p.log.Info(ctx, "planned",
				logging.String("train", req.ID),
				logging.Duration("start", candidate),
				logging.Duration("delay", delay),
			)
			p.metrics.RecordPlanned(delay, tried)
			span.AddEvent("train.planned", trace.WithAttributes(
				attribute.String("train.id", req.ID),
				attribute.Int64("train.start_ms", candidate.Milliseconds()),
				attribute.Int64("train.delay_ms", delay.Milliseconds()),
				attribute.Int("train.candidates", tried),
			))
			placed = true
			break
		}

		if !placed {
			dropped++
			p.log.Warn(ctx, "dropped",
				logging.String("train", req.ID),
				logging.Duration("max_delay", maxDelay),
				logging.Int("candidates", tried),
			)
			p.metrics.RecordDropped(tried)
			span.AddEvent("train.dropped", trace.WithAttributes(
				attribute.String("train.id", req.ID),
				attribute.Int("train.candidates", tried),
			))
		}
	}

	span.SetAttributes(
		attribute.Int("planner.scheduled", len(scheduled)),
		attribute.Int("planner.dropped", dropped),
	)
	return scheduled, nil
}

// Dropped returns the ids of requests absent from scheduled, in input order.
func Dropped(requests []TrainRequest, scheduled []ScheduledTrain) []string {
	placed := make(map[string]bool, len(scheduled))
	for _, s := range scheduled {
		placed[s.ID] = true
	}
	var out []string
	for _, r := range requests {
		if !placed[r.ID] {
			out = append(out, r.ID)
		}
	}
	return out
}

// searchLimit is desired+maxDelay saturated at the largest Duration.
func searchLimit(desired, maxDelay time.Duration) time.Duration {
	if desired > math.MaxInt64-maxDelay {
		return math.MaxInt64
	}
	return desired + maxDelay
}

// nextCandidate advances candidate by step and reports false once the next
// start would pass limit. It never wraps.
func nextCandidate(candidate, limit, step time.Duration) (time.Duration, bool) {
	if candidate > limit-step {
		return 0, false
	}
	return candidate + step, true
}
