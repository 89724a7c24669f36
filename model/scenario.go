package model

import "time"

// DefaultDwell applies when a route step omits its dwell time.
const DefaultDwell = time.Second

// ScenarioDefinition is the JSON or YAML form of a rail world: its stations, the
// sections linking them, and the trains that will run over it.
type ScenarioDefinition struct {
	Name     string              `json:"name,omitempty" yaml:"name,omitempty"`
	Stations []StationDefinition `json:"stations" yaml:"stations"`
	Sections []SectionDefinition `json:"sections" yaml:"sections"`
	Trains   []TrainDefinition   `json:"trains" yaml:"trains"`
}

// StationDefinition declares a stop and its platform count.
type StationDefinition struct {
	Name      string `json:"name" yaml:"name"`
	Platforms int    `json:"platforms" yaml:"platforms"`
}

// SectionDefinition declares an exclusive track section.
type SectionDefinition struct {
	ID          int     `json:"id" yaml:"id"`
	Name        string  `json:"name" yaml:"name"`
	TravelTimeS float64 `json:"travel_time_s" yaml:"travel_time_s"`
}

// TravelTime converts the JSON seconds into a duration.
func (s SectionDefinition) TravelTime() time.Duration {
	return Seconds(s.TravelTimeS)
}

// TrainDefinition declares one train request.
type TrainDefinition struct {
	ID              string           `json:"id" yaml:"id"`
	DesiredStartS   float64          `json:"desired_start_s" yaml:"desired_start_s"`
	SpeedMultiplier float64          `json:"speed_multiplier,omitempty" yaml:"speed_multiplier,omitempty"`
	Route           []StepDefinition `json:"route" yaml:"route"`
}

// DesiredStart converts the JSON seconds into an offset from t=0.
func (t TrainDefinition) DesiredStart() time.Duration {
	return Seconds(t.DesiredStartS)
}

// StepDefinition is one route step. Section is empty on the terminal step.
type StepDefinition struct {
	Station    string   `json:"station" yaml:"station"`
	Section    string   `json:"section,omitempty" yaml:"section,omitempty"`
	DwellTimeS *float64 `json:"dwell_time_s,omitempty" yaml:"dwell_time_s,omitempty"`
}

// Dwell returns the step's dwell time, or DefaultDwell when unset.
func (s StepDefinition) Dwell() time.Duration {
	if s.DwellTimeS == nil {
		return DefaultDwell
	}
	return Seconds(*s.DwellTimeS)
}

// Seconds converts fractional seconds to a duration rounded to the
// nearest microsecond, so 2.5 and 0.1 map to exact durations.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second)).Round(time.Microsecond)
}
