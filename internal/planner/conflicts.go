package planner

// Committed accumulates the occupancy of every train placed so far in one
// batch. It only grows and is owned by a single Plan call.
type Committed struct {
	occ Occupancy
}

// NewCommitted returns an empty accumulator.
func NewCommitted() *Committed {
	return &Committed{occ: newOccupancy()}
}

// Commit merges occ into the accumulator.
func (c *Committed) Commit(occ Occupancy) {
	for sec, ivs := range occ.Sections {
		c.occ.Sections[sec] = append(c.occ.Sections[sec], ivs...)
	}
	for st, ivs := range occ.Stations {
		c.occ.Stations[st] = append(c.occ.Stations[st], ivs...)
	}
}

// Occupancy exposes the committed windows. Callers must not modify them.
func (c *Committed) Occupancy() Occupancy {
	return c.occ
}

// HasConflict reports whether placing occ would break a resource invariant
// against committed. A section tolerates no overlap at all. A station
// conflicts when, for one of the new windows, the committed windows that
// overlap it already number at least the platform count.
func HasConflict(occ Occupancy, committed *Committed) bool {
	for sec, ivs := range occ.Sections {
		existing := committed.occ.Sections[sec]
		for _, n := range ivs {
			for _, e := range existing {
				if n.Overlaps(e) {
					return true
				}
			}
		}
	}

	for st, ivs := range occ.Stations {
		existing := committed.occ.Stations[st]
		for _, n := range ivs {
			concurrent := 0
			for _, e := range existing {
				if n.Overlaps(e) {
					concurrent++
				}
			}
			if concurrent >= st.Capacity() {
				return true
			}
		}
	}
	return false
}
