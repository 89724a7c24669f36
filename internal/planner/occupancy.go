package planner

import (
	"fmt"
	"time"

	"github.com/signalsfoundry/rail-simulator/core"
)

// Interval is a half-open window [Start, End) measured from the batch
// epoch.
type Interval struct {
	Start time.Duration
	End   time.Duration
}

func (iv Interval) String() string {
	return fmt.Sprintf("[%s,%s)", iv.Start, iv.End)
}

// IntervalsOverlap reports whether [a,b) and [c,d) share any instant.
// Touching endpoints do not overlap.
func IntervalsOverlap(a, b, c, d time.Duration) bool {
	return a < d && c < b
}

// Overlaps is IntervalsOverlap on two Interval values.
func (iv Interval) Overlaps(other Interval) bool {
	return IntervalsOverlap(iv.Start, iv.End, other.Start, other.End)
}

// Occupancy holds the windows during which one run of a route holds each
// resource. Resources are keyed by identity.
type Occupancy struct {
	Sections map[*core.Section][]Interval
	Stations map[*core.Station][]Interval
}

func newOccupancy() Occupancy {
	return Occupancy{
		Sections: make(map[*core.Section][]Interval),
		Stations: make(map[*core.Station][]Interval),
	}
}

// ComputeOccupancy walks route from start, accumulating dwell at each
// station and travel on each outgoing section. It stops at the first
// terminal step.
func ComputeOccupancy(route core.Route, start time.Duration) Occupancy {
	occ := newOccupancy()
	t := start
	for _, step := range route {
		dep := t + step.Dwell
		occ.Stations[step.Station] = append(occ.Stations[step.Station], Interval{Start: t, End: dep})
		t = dep

		if step.Section == nil {
			break
		}
		leave := t + step.Section.TravelTime
		occ.Sections[step.Section] = append(occ.Sections[step.Section], Interval{Start: t, End: leave})
		t = leave
	}
	return occ
}
