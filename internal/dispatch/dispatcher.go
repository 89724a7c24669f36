// Package dispatch implements the periodic section-occupancy monitor.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/signalsfoundry/rail-simulator/core"
	"github.com/signalsfoundry/rail-simulator/internal/logging"
	"github.com/signalsfoundry/rail-simulator/timectrl"
)

// DefaultTick applies when the configured tick is not positive.
const DefaultTick = time.Second

// SectionState is one section as seen by a tick.
type SectionState struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Owner string `json:"owner,omitempty"`
}

// Snapshot is the occupancy read by one tick. Owners are read without the
// section locks, so a snapshot may straddle a concurrent handover.
type Snapshot struct {
	Seq      uint64         `json:"seq"`
	Elapsed  time.Duration  `json:"elapsed_ns"`
	Sections []SectionState `json:"sections"`
}

// Occupied returns the held sections formatted as name:owner.
func (s Snapshot) Occupied() []string {
	var out []string
	for _, sec := range s.Sections {
		if sec.Owner != "" {
			out = append(out, sec.Name+":"+sec.Owner)
		}
	}
	return out
}

// Publisher receives every snapshot. Publish must not block.
type Publisher interface {
	Publish(Snapshot)
}

// MetricsRecorder receives per-tick results.
type MetricsRecorder interface {
	DispatchTick(occupied int)
	DispatchTickFailed()
}

type noopMetrics struct{}

func (noopMetrics) DispatchTick(int)    {}
func (noopMetrics) DispatchTickFailed() {}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithClock sets the clock driving the tick interval and elapsed stamps.
func WithClock(c timectrl.Clock) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.clock = c
		}
	}
}

// WithLogger sets the base logger. The dispatcher binds its own unit.
func WithLogger(l logging.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithPublisher adds a snapshot subscriber.
func WithPublisher(p Publisher) Option {
	return func(d *Dispatcher) {
		if p != nil {
			d.publishers = append(d.publishers, p)
		}
	}
}

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// Dispatcher reads every section's owner once per tick and logs the held
// ones. It never changes simulation state.
type Dispatcher struct {
	sections []*core.Section
	tick     time.Duration

	clock      timectrl.Clock
	log        logging.Logger
	publishers []Publisher
	metrics    MetricsRecorder

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}

	// tickHook runs inside each tick before owners are read. Tests use it
	// to inject failures.
	tickHook func()

	mu      sync.Mutex
	started time.Time
	seq     uint64
	last    Snapshot
}

// New constructs a stopped dispatcher over sections.
func New(sections []*core.Section, tick time.Duration, opts ...Option) *Dispatcher {
	if tick <= 0 {
		tick = DefaultTick
	}
	d := &Dispatcher{
		sections: append([]*core.Section(nil), sections...),
		tick:     tick,
		clock:    timectrl.RealClock{},
		log:      logging.Noop(),
		metrics:  noopMetrics{},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With(logging.Unit("Dispatcher"))
	return d
}

// Tick returns the monitoring interval.
func (d *Dispatcher) Tick() time.Duration { return d.tick }

// Start launches the monitor loop. Later calls do nothing.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		d.mu.Lock()
		d.started = d.clock.Now()
		d.mu.Unlock()
		go d.run(ctx)
	})
}

// RequestStop asks the loop to exit. It is safe to call more than once.
func (d *Dispatcher) RequestStop() {
	d.stopOnce.Do(func() { close(d.stop) })
}

// Join blocks until the loop has exited.
func (d *Dispatcher) Join() { <-d.done }

// Last returns the most recent snapshot.
func (d *Dispatcher) Last() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	defer func() {
		if r := recover(); r != nil {
			d.log.Error(ctx, "dispatcher failed", logging.Err(fmt.Errorf("panic: %v", r)))
		}
		d.log.Info(ctx, "dispatcher ended")
	}()

	d.log.Info(ctx, "dispatcher started", logging.Duration("tick", d.tick))
	for {
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		d.safeTick(ctx)

		select {
		case <-d.clock.After(d.tick):
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// safeTick runs one tick and contains its failure.
func (d *Dispatcher) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.DispatchTickFailed()
			d.log.Error(ctx, "dispatcher tick failed", logging.Err(fmt.Errorf("panic: %v", r)))
		}
	}()
	snap := d.observe()
	occupied := snap.Occupied()
	if len(occupied) > 0 {
		d.log.Info(ctx, "occupied sections", logging.String("sections", strings.Join(occupied, ", ")))
	}
	d.metrics.DispatchTick(len(occupied))
	for _, p := range d.publishers {
		p.Publish(snap)
	}
}

func (d *Dispatcher) observe() Snapshot {
	if d.tickHook != nil {
		d.tickHook()
	}
	states := make([]SectionState, len(d.sections))
	for i, s := range d.sections {
		states[i] = SectionState{ID: s.ID, Name: s.Name, Owner: s.Owner()}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	d.last = Snapshot{
		Seq:      d.seq,
		Elapsed:  d.clock.Now().Sub(d.started),
		Sections: states,
	}
	return d.last
}
