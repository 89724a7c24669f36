package kb

import "github.com/signalsfoundry/rail-simulator/model"

func dwell(s float64) *float64 { return &s }

// DemoDefinition is the built-in world: four single-platform stations on a
// Y-shaped line with B as the junction, and three trains that all want BC.
func DemoDefinition() model.ScenarioDefinition {
	return model.ScenarioDefinition{
		Name: "demo",
		Stations: []model.StationDefinition{
			{Name: "A", Platforms: 1},
			{Name: "B", Platforms: 1},
			{Name: "C", Platforms: 1},
			{Name: "D", Platforms: 1},
		},
		Sections: []model.SectionDefinition{
			{ID: 1, Name: "AB", TravelTimeS: 2.5},
			{ID: 2, Name: "BC", TravelTimeS: 2.0},
			{ID: 3, Name: "BD", TravelTimeS: 3.0},
		},
		Trains: []model.TrainDefinition{
			{
				ID:              "T1",
				DesiredStartS:   0,
				SpeedMultiplier: 1,
				Route: []model.StepDefinition{
					{Station: "A", Section: "AB", DwellTimeS: dwell(1.0)},
					{Station: "B", Section: "BC", DwellTimeS: dwell(1.2)},
					{Station: "C", DwellTimeS: dwell(0.5)},
				},
			},
			{
				ID:              "T2",
				DesiredStartS:   0.5,
				SpeedMultiplier: 1,
				Route: []model.StepDefinition{
					{Station: "C", Section: "BC", DwellTimeS: dwell(0.8)},
					{Station: "B", Section: "AB", DwellTimeS: dwell(1.0)},
					{Station: "A", DwellTimeS: dwell(0.5)},
				},
			},
			{
				ID:              "T3",
				DesiredStartS:   1.0,
				SpeedMultiplier: 1,
				Route: []model.StepDefinition{
					{Station: "D", Section: "BD", DwellTimeS: dwell(0.7)},
					{Station: "B", Section: "BC", DwellTimeS: dwell(1.1)},
					{Station: "C", DwellTimeS: dwell(0.5)},
				},
			},
		},
	}
}
