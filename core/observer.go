package core

import (
	"time"

	"github.com/signalsfoundry/rail-simulator/internal/logging"
	"github.com/signalsfoundry/rail-simulator/timectrl"
)

// ResourceObserver receives resource state changes. Section callbacks run
// while the section's lock is held and station callbacks while the
// station's lock is held, so the order an observer sees matches the order
// the state actually changed. Implementations must not block or call back
// into the resource.
type ResourceObserver interface {
	SectionWaiting(section, agentID, owner string)
	SectionEntered(section, agentID string, waited time.Duration)
	SectionLeft(section, agentID string)
	SectionReleaseRejected(section, agentID, owner string)
	SectionTimedOut(section, agentID string)
	StationArrived(station, agentID string, occupied, capacity int)
	StationDeparted(station, agentID string, occupied, capacity int)
}

// NoopObserver ignores every callback.
type NoopObserver struct{}

func (NoopObserver) SectionWaiting(string, string, string)         {}
func (NoopObserver) SectionEntered(string, string, time.Duration)  {}
func (NoopObserver) SectionLeft(string, string)                    {}
func (NoopObserver) SectionReleaseRejected(string, string, string) {}
func (NoopObserver) SectionTimedOut(string, string)                {}
func (NoopObserver) StationArrived(string, string, int, int)       {}
func (NoopObserver) StationDeparted(string, string, int, int)      {}

// MultiObserver fans callbacks out to several observers in order.
type MultiObserver []ResourceObserver

func (m MultiObserver) SectionWaiting(section, agentID, owner string) {
	for _, o := range m {
		o.SectionWaiting(section, agentID, owner)
	}
}

func (m MultiObserver) SectionEntered(section, agentID string, waited time.Duration) {
	for _, o := range m {
		o.SectionEntered(section, agentID, waited)
	}
}

func (m MultiObserver) SectionLeft(section, agentID string) {
	for _, o := range m {
		o.SectionLeft(section, agentID)
	}
}

func (m MultiObserver) SectionReleaseRejected(section, agentID, owner string) {
	for _, o := range m {
		o.SectionReleaseRejected(section, agentID, owner)
	}
}

func (m MultiObserver) SectionTimedOut(section, agentID string) {
	for _, o := range m {
		o.SectionTimedOut(section, agentID)
	}
}

func (m MultiObserver) StationArrived(station, agentID string, occupied, capacity int) {
	for _, o := range m {
		o.StationArrived(station, agentID, occupied, capacity)
	}
}

func (m MultiObserver) StationDeparted(station, agentID string, occupied, capacity int) {
	for _, o := range m {
		o.StationDeparted(station, agentID, occupied, capacity)
	}
}

// Option customises Section and Station construction.
type Option func(*resourceOptions)

type resourceOptions struct {
	observer ResourceObserver
	clock    timectrl.Clock
	log      logging.Logger
}

// WithObserver attaches an observer for resource state changes.
func WithObserver(o ResourceObserver) Option {
	return func(opts *resourceOptions) {
		if o != nil {
			opts.observer = o
		}
	}
}

// WithClock sets the clock used for timed acquisition and wait durations.
func WithClock(c timectrl.Clock) Option {
	return func(opts *resourceOptions) {
		if c != nil {
			opts.clock = c
		}
	}
}

// WithLogger sets the fallback logger used when the caller's context
// carries none.
func WithLogger(l logging.Logger) Option {
	return func(opts *resourceOptions) {
		if l != nil {
			opts.log = l
		}
	}
}

func buildOptions(opts []Option) resourceOptions {
	o := resourceOptions{
		observer: NoopObserver{},
		clock:    timectrl.RealClock{},
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
