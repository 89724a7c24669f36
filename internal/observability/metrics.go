package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/signalsfoundry/rail-simulator/core"
)

// RailCollector bundles Prometheus metrics for a simulation run. It
// satisfies core.ResourceObserver, agent.MetricsRecorder and
// dispatch.MetricsRecorder, so one value can be handed to every layer.
type RailCollector struct {
	gatherer prometheus.Gatherer

	SectionEntries  *prometheus.CounterVec
	SectionWaits    *prometheus.HistogramVec
	SectionRejected *prometheus.CounterVec
	SectionTimeouts *prometheus.CounterVec
	SectionOccupied *prometheus.GaugeVec

	StationOccupancy *prometheus.GaugeVec
	StationCapacity  *prometheus.GaugeVec

	TrainsStarted   prometheus.Counter
	TrainsEnded     *prometheus.CounterVec
	LegsAbandoned   *prometheus.CounterVec
	StationsSkipped *prometheus.CounterVec

	DispatchTicks       prometheus.Counter
	DispatchTickErrors  prometheus.Counter
	DispatchOccupiedNow prometheus.Gauge
}

// NewRailCollector registers simulation metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewRailCollector(reg prometheus.Registerer) (*RailCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &RailCollector{gatherer: gatherer}

	var err error
	if c.SectionEntries, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "railsim_section_entries_total",
		Help: "Successful section acquisitions, labeled by section.",
	}, []string{"section"}), "railsim_section_entries_total"); err != nil {
		return nil, err
	}
	if c.SectionWaits, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "railsim_section_wait_seconds",
		Help:    "Time a train waited before entering a section.",
		Buckets: []float64{0, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"section"}), "railsim_section_wait_seconds"); err != nil {
		return nil, err
	}
	if c.SectionRejected, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "railsim_section_release_rejected_total",
		Help: "Section releases by a train that did not own the section.",
	}, []string{"section"}), "railsim_section_release_rejected_total"); err != nil {
		return nil, err
	}
	if c.SectionTimeouts, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "railsim_section_acquire_timeouts_total",
		Help: "Timed section acquisitions whose deadline elapsed.",
	}, []string{"section"}), "railsim_section_acquire_timeouts_total"); err != nil {
		return nil, err
	}
	if c.SectionOccupied, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "railsim_section_occupied",
		Help: "1 while a section is held by a train, 0 otherwise.",
	}, []string{"section"}), "railsim_section_occupied"); err != nil {
		return nil, err
	}
	if c.StationOccupancy, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "railsim_station_occupancy",
		Help: "Trains currently at a station.",
	}, []string{"station"}), "railsim_station_occupancy"); err != nil {
		return nil, err
	}
	if c.StationCapacity, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "railsim_station_capacity",
		Help: "Platform count of a station.",
	}, []string{"station"}), "railsim_station_capacity"); err != nil {
		return nil, err
	}
	if c.TrainsStarted, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "railsim_trains_started_total",
		Help: "Trains that left the pending state.",
	}), "railsim_trains_started_total"); err != nil {
		return nil, err
	}
	if c.TrainsEnded, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "railsim_trains_ended_total",
		Help: "Trains whose run exited, labeled by final state.",
	}, []string{"state"}), "railsim_trains_ended_total"); err != nil {
		return nil, err
	}
	if c.LegsAbandoned, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "railsim_legs_abandoned_total",
		Help: "Route legs skipped because the section could not be acquired.",
	}, []string{"section"}), "railsim_legs_abandoned_total"); err != nil {
		return nil, err
	}
	if c.StationsSkipped, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "railsim_stations_skipped_total",
		Help: "Route steps skipped because arrival at the station failed.",
	}, []string{"station"}), "railsim_stations_skipped_total"); err != nil {
		return nil, err
	}
	if c.DispatchTicks, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "railsim_dispatch_ticks_total",
		Help: "Completed dispatcher monitoring ticks.",
	}), "railsim_dispatch_ticks_total"); err != nil {
		return nil, err
	}
	if c.DispatchTickErrors, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "railsim_dispatch_tick_failures_total",
		Help: "Dispatcher ticks that failed and were skipped.",
	}), "railsim_dispatch_tick_failures_total"); err != nil {
		return nil, err
	}
	if c.DispatchOccupiedNow, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "railsim_dispatch_occupied_sections",
		Help: "Occupied sections seen by the last dispatcher tick.",
	}), "railsim_dispatch_occupied_sections"); err != nil {
		return nil, err
	}
	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *RailCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *RailCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// PrimeTopology publishes zero occupancy for every resource so idle
// sections and stations appear before their first event.
func (c *RailCollector) PrimeTopology(sections []*core.Section, stations []*core.Station) {
	if c == nil {
		return
	}
	for _, s := range sections {
		c.SectionOccupied.WithLabelValues(s.Name).Set(0)
	}
	for _, st := range stations {
		c.setStation(st.Name, st.Occupied(), st.Capacity())
	}
}

func (c *RailCollector) SectionWaiting(section, agentID, owner string) {}

func (c *RailCollector) SectionEntered(section, agentID string, waited time.Duration) {
	if c == nil {
		return
	}
	c.SectionEntries.WithLabelValues(section).Inc()
	c.SectionWaits.WithLabelValues(section).Observe(waited.Seconds())
	c.SectionOccupied.WithLabelValues(section).Set(1)
}

func (c *RailCollector) SectionLeft(section, agentID string) {
	if c == nil {
		return
	}
	c.SectionOccupied.WithLabelValues(section).Set(0)
}

func (c *RailCollector) SectionReleaseRejected(section, agentID, owner string) {
	if c == nil {
		return
	}
	c.SectionRejected.WithLabelValues(section).Inc()
}

func (c *RailCollector) SectionTimedOut(section, agentID string) {
	if c == nil {
		return
	}
	c.SectionTimeouts.WithLabelValues(section).Inc()
}

func (c *RailCollector) StationArrived(station, agentID string, occupied, capacity int) {
	c.setStation(station, occupied, capacity)
}

func (c *RailCollector) StationDeparted(station, agentID string, occupied, capacity int) {
	c.setStation(station, occupied, capacity)
}

func (c *RailCollector) setStation(station string, occupied, capacity int) {
	if c == nil {
		return
	}
	c.StationOccupancy.WithLabelValues(station).Set(float64(occupied))
	c.StationCapacity.WithLabelValues(station).Set(float64(capacity))
}

func (c *RailCollector) TrainStarted(trainID string) {
	if c == nil {
		return
	}
	c.TrainsStarted.Inc()
}

func (c *RailCollector) TrainEnded(trainID, state string) {
	if c == nil {
		return
	}
	c.TrainsEnded.WithLabelValues(state).Inc()
}

func (c *RailCollector) LegAbandoned(trainID, section string) {
	if c == nil {
		return
	}
	c.LegsAbandoned.WithLabelValues(section).Inc()
}

func (c *RailCollector) StationSkipped(trainID, station string) {
	if c == nil {
		return
	}
	c.StationsSkipped.WithLabelValues(station).Inc()
}

func (c *RailCollector) DispatchTick(occupied int) {
	if c == nil {
		return
	}
	c.DispatchTicks.Inc()
	c.DispatchOccupiedNow.Set(float64(occupied))
}

func (c *RailCollector) DispatchTickFailed() {
	if c == nil {
		return
	}
	c.DispatchTickErrors.Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
