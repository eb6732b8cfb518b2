// core/scenario_loader.go
package core

import (
	"fmt"
	"io"
	"strings"

	"github.com/signalsfoundry/utility-network-simulator/model"
	"gopkg.in/yaml.v3"
)

// ScenarioSettings are the simulation knobs a scenario file may set.
type ScenarioSettings struct {
	TickIntervalSeconds float64
	MaxEndpointsPerGrid int
	ThresholdMode       ThresholdMode
}

// Scenario is the decoded content of a scenario file.
type Scenario struct {
	Settings ScenarioSettings
	Devices  []*model.DeviceDefinition
}

// internal YAML shapes – keep them unexported so we're free to evolve them.
type scenarioYAML struct {
	Simulation simulationYAML `yaml:"simulation"`
	Devices    []deviceYAML   `yaml:"devices"`
}

type simulationYAML struct {
	TickIntervalSeconds float64 `yaml:"tick_interval_seconds"`
	MaxEndpointsPerGrid int     `yaml:"max_endpoints_per_grid"`
	ThresholdMode       string  `yaml:"threshold_mode"`
}

// Numeric device attributes are kept as strings so that blank or
// malformed values read as zero instead of failing the whole file.
type deviceYAML struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Utility     string `yaml:"utility"`
	InputRate   string `yaml:"input_rate"`
	OutputRate  string `yaml:"output_rate"`
	Capacity    string `yaml:"capacity"`
	Accumulated string `yaml:"accumulated"`
}

// LoadScenario decodes a YAML scenario from r.
//
// It fails on YAML errors, devices without an id and duplicate ids.
// Semantic checks (negative rates, over-full stores) are left to whoever
// instantiates the devices.
func LoadScenario(r io.Reader) (*Scenario, error) {
	var payload scenarioYAML
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&payload); err != nil && err != io.EOF {
		return nil, fmt.Errorf("LoadScenario: decode failed: %w", err)
	}

	settings := ScenarioSettings{
		TickIntervalSeconds: payload.Simulation.TickIntervalSeconds,
		MaxEndpointsPerGrid: payload.Simulation.MaxEndpointsPerGrid,
		ThresholdMode:       ParseThresholdMode(payload.Simulation.ThresholdMode),
	}
	if settings.TickIntervalSeconds <= 0 {
		settings.TickIntervalSeconds = DefaultTickInterval
	}

	result := &Scenario{
		Settings: settings,
		Devices:  make([]*model.DeviceDefinition, 0, len(payload.Devices)),
	}

	seen := make(map[string]struct{}, len(payload.Devices))
	for i, dy := range payload.Devices {
		id := strings.TrimSpace(dy.ID)
		if id == "" {
			return nil, fmt.Errorf("LoadScenario: device #%d has empty id", i)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("LoadScenario: duplicate device id %q", id)
		}
		seen[id] = struct{}{}

		utility := strings.ToLower(strings.TrimSpace(dy.Utility))
		if utility == "" {
			utility = string(UtilityPower)
		}

		result.Devices = append(result.Devices, &model.DeviceDefinition{
			ID:               id,
			Name:             dy.Name,
			Utility:          utility,
			InputRate:        ParseRate(dy.InputRate),
			OutputRate:       ParseRate(dy.OutputRate),
			Capacity:         ParseRate(dy.Capacity),
			AccumulatedPower: ParseRate(dy.Accumulated),
		})
	}

	return result, nil
}
