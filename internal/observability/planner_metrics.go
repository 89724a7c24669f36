package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PlannerCollector exposes timetable planner metrics. It satisfies
// planner.MetricsRecorder.
type PlannerCollector struct {
	gatherer prometheus.Gatherer

	PlanDuration     prometheus.Histogram
	TrainsScheduled  prometheus.Counter
	TrainsDropped    prometheus.Counter
	ScheduledDelay   prometheus.Histogram
	CandidatesPerReq prometheus.Histogram
}

// NewPlannerCollector registers planner metrics against the provided registerer.
func NewPlannerCollector(reg prometheus.Registerer) (*PlannerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "railsim_plan_duration_seconds",
		Help:    "Wall time spent planning one batch of train requests.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
	duration, err := registerHistogram(reg, duration, "railsim_plan_duration_seconds")
	if err != nil {
		return nil, err
	}

	scheduled := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "railsim_plan_trains_scheduled_total",
		Help: "Train requests placed in a timetable.",
	})
	scheduled, err = registerCounter(reg, scheduled, "railsim_plan_trains_scheduled_total")
	if err != nil {
		return nil, err
	}

	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "railsim_plan_trains_dropped_total",
		Help: "Train requests with no conflict-free start inside the delay budget.",
	})
	dropped, err = registerCounter(reg, dropped, "railsim_plan_trains_dropped_total")
	if err != nil {
		return nil, err
	}

	delay := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "railsim_plan_delay_seconds",
		Help:    "Delay assigned to each scheduled train.",
		Buckets: []float64{0, 1, 5, 15, 30, 60, 120, 300, 900, 1800, 3600},
	})
	delay, err = registerHistogram(reg, delay, "railsim_plan_delay_seconds")
	if err != nil {
		return nil, err
	}

	candidates := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "railsim_plan_candidates",
		Help:    "Candidate start times tried per request.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
	candidates, err = registerHistogram(reg, candidates, "railsim_plan_candidates")
	if err != nil {
		return nil, err
	}

	return &PlannerCollector{
		gatherer:         gatherer,
		PlanDuration:     duration,
		TrainsScheduled:  scheduled,
		TrainsDropped:    dropped,
		ScheduledDelay:   delay,
		CandidatesPerReq: candidates,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *PlannerCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// RecordPlanned counts a placed request.
func (c *PlannerCollector) RecordPlanned(delay time.Duration, candidates int) {
	if c == nil {
		return
	}
	c.TrainsScheduled.Inc()
	c.ScheduledDelay.Observe(delay.Seconds())
	c.CandidatesPerReq.Observe(float64(candidates))
}

// RecordDropped counts a request left out of the timetable.
func (c *PlannerCollector) RecordDropped(candidates int) {
	if c == nil {
		return
	}
	c.TrainsDropped.Inc()
	c.CandidatesPerReq.Observe(float64(candidates))
}

// ObservePlanDuration records how long one Plan call took.
func (c *PlannerCollector) ObservePlanDuration(d time.Duration) {
	if c == nil || c.PlanDuration == nil {
		return
	}
	c.PlanDuration.Observe(d.Seconds())
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
