package planner

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/signalsfoundry/rail-simulator/core"
)

// Violation is one broken resource invariant in a timetable.
type Violation struct {
	Resource string
	Trains   []string
	At       time.Duration
	Detail   string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s at %s: %s (%s)", v.Resource, v.At, v.Detail, strings.Join(v.Trains, ", "))
}

type window struct {
	train string
	iv    Interval
}

// Verify recomputes the occupancy of every scheduled train and reports each
// section held by two trains at once and each station whose concurrent
// occupancy exceeds its platforms. An empty result means the timetable is
// conflict-free. Violations are ordered by resource name then time.
func Verify(scheduled []ScheduledTrain) []Violation {
	sections := make(map[*core.Section][]window)
	stations := make(map[*core.Station][]window)
	for _, s := range scheduled {
		occ := ComputeOccupancy(s.Route, s.ScheduledStart)
		for sec, ivs := range occ.Sections {
			for _, iv := range ivs {
				sections[sec] = append(sections[sec], window{train: s.ID, iv: iv})
			}
		}
		for st, ivs := range occ.Stations {
			for _, iv := range ivs {
				stations[st] = append(stations[st], window{train: s.ID, iv: iv})
			}
		}
	}

	var out []Violation
	for sec, ws := range sections {
		for i := 0; i < len(ws); i++ {
			for j := i + 1; j < len(ws); j++ {
				if !ws[i].iv.Overlaps(ws[j].iv) {
					continue
				}
				at := ws[i].iv.Start
				if ws[j].iv.Start > at {
					at = ws[j].iv.Start
				}
				out = append(out, Violation{
					Resource: "section " + sec.Name,
					Trains:   []string{ws[i].train, ws[j].train},
					At:       at,
					Detail:   fmt.Sprintf("%s overlaps %s", ws[i].iv, ws[j].iv),
				})
			}
		}
	}
	for st, ws := range stations {
		if v, ok := peakOver(st, ws); ok {
			out = append(out, v)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Resource != out[j].Resource {
			return out[i].Resource < out[j].Resource
		}
		return out[i].At < out[j].At
	})
	return out
}

// peakOver sweeps the station's windows and reports the first instant at
// which more trains are present than it has platforms.
func peakOver(st *core.Station, ws []window) (Violation, bool) {
	type edge struct {
		at    time.Duration
		delta int
		train string
	}
	edges := make([]edge, 0, 2*len(ws))
	for _, w := range ws {
		if w.iv.End <= w.iv.Start {
			continue
		}
		edges = append(edges, edge{w.iv.Start, +1, w.train}, edge{w.iv.End, -1, w.train})
	}
	// Departures sort before arrivals at the same instant: windows are
	// half-open.
	sort.SliceStable(edges, func(i, j int) bool {
		if edges[i].at != edges[j].at {
			return edges[i].at < edges[j].at
		}
		return edges[i].delta < edges[j].delta
	})

	present := make(map[string]int)
	count := 0
	for _, e := range edges {
		count += e.delta
		present[e.train] += e.delta
		if e.delta > 0 && count > st.Capacity() {
			var trains []string
			for id, n := range present {
				if n > 0 {
					trains = append(trains, id)
				}
			}
			sort.Strings(trains)
			return Violation{
				Resource: "station " + st.Name,
				Trains:   trains,
				At:       e.at,
				Detail:   fmt.Sprintf("%d trains on %d platforms", count, st.Capacity()),
			}, true
		}
	}
	return Violation{}, false
}
