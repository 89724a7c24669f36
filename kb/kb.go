package kb

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/rail-simulator/core"
	"github.com/signalsfoundry/rail-simulator/model"
)

var (
	ErrSectionExists   = errors.New("section already exists")
	ErrStationExists   = errors.New("station already exists")
	ErrSectionNotFound = errors.New("section not found")
	ErrStationNotFound = errors.New("station not found")
)

// KnowledgeBase is an in-memory, thread-safe registry of the rail topology:
// stations by name and sections by name and id. Resources are created once
// and never removed during a run.
type KnowledgeBase struct {
	mu sync.RWMutex

	sections    map[string]*core.Section
	sectionByID map[int]*core.Section
	stations    map[string]*core.Station
}

// NewKnowledgeBase constructs an empty KB.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{
		sections:    make(map[string]*core.Section),
		sectionByID: make(map[int]*core.Section),
		stations:    make(map[string]*core.Station),
	}
}

// AddSection registers s. Both its name and its id must be unused.
func (kb *KnowledgeBase) AddSection(s *core.Section) error {
	if s == nil {
		return fmt.Errorf("add section: nil section")
	}
	kb.mu.Lock()
	defer kb.mu.Unlock()

	if _, exists := kb.sections[s.Name]; exists {
		return fmt.Errorf("section %q: %w", s.Name, ErrSectionExists)
	}
	if other, exists := kb.sectionByID[s.ID]; exists {
		return fmt.Errorf("section id %d already used by %q: %w", s.ID, other.Name, ErrSectionExists)
	}
	kb.sections[s.Name] = s
	kb.sectionByID[s.ID] = s
	return nil
}

// AddStation registers st under its name.
func (kb *KnowledgeBase) AddStation(st *core.Station) error {
	if st == nil {
		return fmt.Errorf("add station: nil station")
	}
	kb.mu.Lock()
	defer kb.mu.Unlock()

	if _, exists := kb.stations[st.Name]; exists {
		return fmt.Errorf("station %q: %w", st.Name, ErrStationExists)
	}
	kb.stations[st.Name] = st
	return nil
}

// GetSection returns the section with the given name, or nil if not found.
func (kb *KnowledgeBase) GetSection(name string) *core.Section {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return kb.sections[name]
}

// GetSectionByID returns the section with the given id, or nil.
func (kb *KnowledgeBase) GetSectionByID(id int) *core.Section {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return kb.sectionByID[id]
}

// GetStation returns the station with the given name, or nil if not found.
func (kb *KnowledgeBase) GetStation(name string) *core.Station {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return kb.stations[name]
}

// ListSections returns all sections ordered by id.
func (kb *KnowledgeBase) ListSections() []*core.Section {
	kb.mu.RLock()
	res := make([]*core.Section, 0, len(kb.sections))
	for _, s := range kb.sections {
		res = append(res, s)
	}
	kb.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// ListStations returns all stations ordered by name.
func (kb *KnowledgeBase) ListStations() []*core.Station {
	kb.mu.RLock()
	res := make([]*core.Station, 0, len(kb.stations))
	for _, st := range kb.stations {
		res = append(res, st)
	}
	kb.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res
}

// BuildRoute resolves station and section names into a validated route.
func (kb *KnowledgeBase) BuildRoute(steps []model.StepDefinition) (core.Route, error) {
	route := make(core.Route, 0, len(steps))
	for i, step := range steps {
		st := kb.GetStation(step.Station)
		if st == nil {
			return nil, fmt.Errorf("step %d: station %q: %w", i, step.Station, ErrStationNotFound)
		}
		rs := core.RouteStep{Station: st, Dwell: step.Dwell()}
		if step.Section != "" {
			sec := kb.GetSection(step.Section)
			if sec == nil {
				return nil, fmt.Errorf("step %d: section %q: %w", i, step.Section, ErrSectionNotFound)
			}
			rs.Section = sec
		}
		route = append(route, rs)
	}
	if err := route.Validate(); err != nil {
		return nil, err
	}
	return route, nil
}
