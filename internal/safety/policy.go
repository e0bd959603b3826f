package safety

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/verdantlabs/canopy/internal/twin"
)

// Range bounds a sensor reading. Code is the station-side tag carried
// in trip events so operators can cross-reference the physical sensor.
type Range struct {
	Code string  `yaml:"code"`
	Min  float64 `yaml:"min"`
	Max  float64 `yaml:"max"`
}

// Policy declares the hard limits the watchdog enforces and the
// actuator pairs that must never be energized together.
type Policy struct {
	Ranges         map[string]Range `yaml:"ranges"`
	Conflicts      [][2]string      `yaml:"conflicts"`
	CommandTimeout time.Duration    `yaml:"command_timeout"`
}

// DefaultPolicy returns the built-in limits used when no policy file
// is configured.
func DefaultPolicy() Policy {
	return Policy{
		Ranges: map[string]Range{
			twin.SensorTemperature: {Code: "S02_TEMP", Min: 10, Max: 45},
			twin.SensorHumidity:    {Code: "S03_HUM", Min: 10, Max: 95},
			twin.SensorPH:          {Code: "S04_PH", Min: 4, Max: 9},
		},
		Conflicts: [][2]string{
			{twin.ActPHUpPump, twin.ActPHDownPump},
		},
		CommandTimeout: 30 * time.Second,
	}
}

// LoadPolicy reads a policy overlay from a YAML file. Fields absent
// from the file keep their built-in values.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("failed to read safety policy: %w", err)
	}

	var overlay Policy
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return p, fmt.Errorf("failed to parse safety policy: %w", err)
	}

	for id, r := range overlay.Ranges {
		p.Ranges[id] = r
	}
	if len(overlay.Conflicts) > 0 {
		p.Conflicts = overlay.Conflicts
	}
	if overlay.CommandTimeout > 0 {
		p.CommandTimeout = overlay.CommandTimeout
	}
	return p, p.validate()
}

func (p Policy) validate() error {
	for id, r := range p.Ranges {
		if r.Min >= r.Max {
			return fmt.Errorf("safety range for %s is empty: min %f >= max %f", id, r.Min, r.Max)
		}
	}
	if p.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be positive, got %s", p.CommandTimeout)
	}
	return nil
}
