package timectrl

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source shared by resources, train agents and the
// dispatcher. Sleeps are expressed as a receive on After so tests can drive
// them from a simulated TimeController instead of the wall clock.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After returns a channel that receives the current time once d has
	// elapsed on this clock.
	After(d time.Duration) <-chan time.Time
}

// RealClock implements Clock with the time package.
type RealClock struct{}

// Now returns the current wall-clock time.
func (RealClock) Now() time.Time { return time.Now() }

// After delegates to time.After.
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Sleep blocks for d on clock c. It cannot be interrupted.
func Sleep(c Clock, d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime advances one simulated Tick per real Tick.
	RealTime Mode = iota
	// Accelerated advances Tick*Scale of simulated time per real Tick.
	Accelerated
)

func (m Mode) String() string {
	switch m {
	case Accelerated:
		return "accelerated"
	default:
		return "realtime"
	}
}

type timer struct {
	when time.Time
	seq  uint64
	ch   chan time.Time
}

// TimeController drives simulated time and fires timers registered through
// After once their deadline is reached. It implements Clock.
//
// Time only moves through SetTime, Advance, or the ticker loop started by
// Start, so tests can step it explicitly.
type TimeController struct {
	mu        sync.Mutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode
	Scale     float64

	currentTime time.Time
	seq         uint64
	timers      []*timer

	listeners []func(time.Time)
}

// NewTimeController constructs a controller positioned at start.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		Scale:       1,
		currentTime: start,
	}
}

// Now returns the current simulation time.
func (tc *TimeController) Now() time.Time {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.currentTime
}

// After registers a timer that fires when simulated time reaches Now()+d.
// A non-positive d fires immediately.
func (tc *TimeController) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)

	tc.mu.Lock()
	defer tc.mu.Unlock()

	if d <= 0 {
		ch <- tc.currentTime
		return ch
	}
	tc.seq++
	tc.timers = append(tc.timers, &timer{
		when: tc.currentTime.Add(d),
		seq:  tc.seq,
		ch:   ch,
	})
	return ch
}

// PendingTimers reports how many registered timers have not fired yet.
func (tc *TimeController) PendingTimers() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.timers)
}

// SetTime moves simulated time to t and fires due timers. Moving backwards
// is allowed but fires nothing.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	tc.currentTime = t
	due := tc.collectDueLocked()
	tc.mu.Unlock()

	fire(due, t)
}

// Advance moves simulated time forward by d and fires due timers in
// deadline order.
func (tc *TimeController) Advance(d time.Duration) {
	tc.mu.Lock()
	tc.currentTime = tc.currentTime.Add(d)
	now := tc.currentTime
	due := tc.collectDueLocked()
	tc.mu.Unlock()

	fire(due, now)
}

// AddListener registers a callback invoked on every tick of Start.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Start runs the ticker loop in a separate goroutine. A zero duration runs
// until stop is closed. The returned channel is closed when the loop exits.
func (tc *TimeController) Start(duration time.Duration, stop <-chan struct{}) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		step := tc.Tick
		if tc.Mode == Accelerated && tc.Scale > 1 {
			step = time.Duration(float64(tc.Tick) * tc.Scale)
		}

		ticker := time.NewTicker(tc.Tick)
		defer ticker.Stop()

		var elapsed time.Duration
		for {
			if duration > 0 && elapsed >= duration {
				return
			}
			select {
			case <-stop:
				return
			case <-ticker.C:
			}

			tc.Advance(step)
			elapsed += step

			now := tc.Now()
			tc.mu.Lock()
			listeners := append([]func(time.Time){}, tc.listeners...)
			tc.mu.Unlock()
			for _, fn := range listeners {
				fn(now)
			}
		}
	}()
	return done
}

// collectDueLocked removes and returns the timers whose deadline has been
// reached, ordered by deadline then registration. Caller must hold tc.mu.
func (tc *TimeController) collectDueLocked() []*timer {
	var due, rest []*timer
	for _, t := range tc.timers {
		if !t.when.After(tc.currentTime) {
			due = append(due, t)
		} else {
			rest = append(rest, t)
		}
	}
	tc.timers = rest
	sort.Slice(due, func(i, j int) bool {
		if due[i].when.Equal(due[j].when) {
			return due[i].seq < due[j].seq
		}
		return due[i].when.Before(due[j].when)
	})
	return due
}

func fire(due []*timer, now time.Time) {
	for _, t := range due {
		t.ch <- now
	}
}
