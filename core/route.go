package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrEmptyName           = errors.New("empty name")
	ErrNegativeDuration    = errors.New("negative duration")
	ErrInvalidCapacity     = errors.New("station needs at least one platform")
	ErrEmptyRoute          = errors.New("route has no steps")
	ErrMissingStation      = errors.New("route step has no station")
	ErrNonTerminalLastStep = errors.New("last route step has an outgoing section")
	ErrTerminalBeforeEnd   = errors.New("route step without outgoing section before the end")
)

// RouteStep is one stop of a route: dwell at Station, then cross Section.
// The last step of a route has no Section.
type RouteStep struct {
	Station *Station
	Section *Section
	Dwell   time.Duration
}

// Terminal reports whether the route ends at this step.
func (s RouteStep) Terminal() bool { return s.Section == nil }

// Route is an ordered, read-only sequence of steps shared by the train
// agent that runs it and by the planner.
type Route []RouteStep

// Validate checks the structural rules of a route.
func (r Route) Validate() error {
	if len(r) == 0 {
		return ErrEmptyRoute
	}
	for i, step := range r {
		if step.Station == nil {
			return fmt.Errorf("step %d: %w", i, ErrMissingStation)
		}
		if step.Dwell < 0 {
			return fmt.Errorf("step %d at %s: dwell: %w", i, step.Station.Name, ErrNegativeDuration)
		}
		last := i == len(r)-1
		if last && !step.Terminal() {
			return fmt.Errorf("step %d at %s: %w", i, step.Station.Name, ErrNonTerminalLastStep)
		}
		if !last && step.Terminal() {
			return fmt.Errorf("step %d at %s: %w", i, step.Station.Name, ErrTerminalBeforeEnd)
		}
	}
	return nil
}

// Duration is the nominal running time at speed 1: every dwell plus every
// section travel time.
func (r Route) Duration() time.Duration {
	var total time.Duration
	for _, step := range r {
		total += step.Dwell
		if step.Section != nil {
			total += step.Section.TravelTime
		}
	}
	return total
}

// Sections returns the distinct sections the route crosses, in order.
func (r Route) Sections() []*Section {
	seen := make(map[*Section]bool)
	var out []*Section
	for _, step := range r {
		if step.Section != nil && !seen[step.Section] {
			seen[step.Section] = true
			out = append(out, step.Section)
		}
	}
	return out
}

func (r Route) String() string {
	var b strings.Builder
	for i, step := range r {
		if i > 0 {
			b.WriteString(" ")
		}
		if step.Station != nil {
			b.WriteString(step.Station.Name)
		}
		if step.Section != nil {
			fmt.Fprintf(&b, " -%s->", step.Section.Name)
		}
	}
	return b.String()
}
