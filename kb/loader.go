package kb

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/signalsfoundry/rail-simulator/core"
	"github.com/signalsfoundry/rail-simulator/model"
	"gopkg.in/yaml.v3"
)

// TrainSpec is a train resolved against a KnowledgeBase: its route points
// at the registered Section and Station values.
type TrainSpec struct {
	ID              string
	Route           core.Route
	DesiredStart    time.Duration
	SpeedMultiplier float64
}

// DecodeScenario reads a JSON scenario from r. Unknown fields are rejected.
func DecodeScenario(r io.Reader) (model.ScenarioDefinition, error) {
	var def model.ScenarioDefinition
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return model.ScenarioDefinition{}, fmt.Errorf("decode scenario: %w", err)
	}
	return def, nil
}

// DecodeScenarioYAML reads a YAML scenario from r. Unknown fields are
// rejected.
func DecodeScenarioYAML(r io.Reader) (model.ScenarioDefinition, error) {
	var def model.ScenarioDefinition
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return model.ScenarioDefinition{}, fmt.Errorf("decode scenario yaml: %w", err)
	}
	return def, nil
}

// LoadScenario decodes a JSON scenario from r, registers its stations and
// sections in kb, and returns the resolved trains in file order.
func LoadScenario(kb *KnowledgeBase, r io.Reader, opts ...core.Option) ([]TrainSpec, error) {
	def, err := DecodeScenario(r)
	if err != nil {
		return nil, err
	}
	return Populate(kb, def, opts...)
}

// LoadScenarioFile loads the named file. Files ending in .yaml or .yml are
// decoded as YAML, anything else as JSON.
func LoadScenarioFile(kb *KnowledgeBase, path string, opts ...core.Option) ([]TrainSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scenario: %w", err)
	}
	defer f.Close()

	decode := DecodeScenario
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		decode = DecodeScenarioYAML
	}
	def, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return Populate(kb, def, opts...)
}

// Populate builds the resources of def with opts, registers them in kb and
// resolves every train route. It stops at the first invalid entry.
func Populate(kb *KnowledgeBase, def model.ScenarioDefinition, opts ...core.Option) ([]TrainSpec, error) {
	if kb == nil {
		return nil, fmt.Errorf("populate: kb is nil")
	}

	for _, sd := range def.Stations {
		st, err := core.NewStation(sd.Name, sd.Platforms, opts...)
		if err != nil {
			return nil, err
		}
		if err := kb.AddStation(st); err != nil {
			return nil, err
		}
	}
	for _, sd := range def.Sections {
		sec, err := core.NewSection(sd.ID, sd.Name, sd.TravelTime(), opts...)
		if err != nil {
			return nil, err
		}
		if err := kb.AddSection(sec); err != nil {
			return nil, err
		}
	}

	trains := make([]TrainSpec, 0, len(def.Trains))
	seen := make(map[string]bool, len(def.Trains))
	for _, td := range def.Trains {
		if td.ID == "" {
			return nil, fmt.Errorf("train: %w", core.ErrEmptyName)
		}
		if seen[td.ID] {
			return nil, fmt.Errorf("train %q declared twice", td.ID)
		}
		seen[td.ID] = true
		if td.DesiredStartS < 0 {
			return nil, fmt.Errorf("train %q desired start: %w", td.ID, core.ErrNegativeDuration)
		}
		route, err := kb.BuildRoute(td.Route)
		if err != nil {
			return nil, fmt.Errorf("train %q: %w", td.ID, err)
		}
		trains = append(trains, TrainSpec{
			ID:              td.ID,
			Route:           route,
			DesiredStart:    td.DesiredStart(),
			SpeedMultiplier: td.SpeedMultiplier,
		})
	}
	return trains, nil
}
