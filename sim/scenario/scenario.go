// Package scenario loads building topologies and their environment series.
//
// A scenario file is YAML (JSON is accepted as a YAML subset). Environment
// series are given inline or as CSV files referenced relative to the scenario
// file. Loading is a pure parse step; the result feeds sim.NewSimulator.
package scenario

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bfsim/bfsim/sim"
)

// Scenario is the top-level scenario configuration.
// Loaded from YAML via LoadScenario(path).
type Scenario struct {
	StartTime              string                    `yaml:"start_time"`
	Areas                  []AreaSpec                `yaml:"areas"`
	ExternalEnvironment    []sim.ExternalEnvironment `yaml:"external_environment,omitempty"`
	ExternalEnvironmentCSV string                    `yaml:"external_environment_csv,omitempty"`

	// dir resolves relative CSV paths; empty means the working directory.
	dir string
}

// AreaSpec declares one area. Declaration order fixes the area id.
type AreaSpec struct {
	Name               string                `yaml:"name"`
	Capacity           *float64              `yaml:"capacity,omitempty"` // [m^3]; omitted = pass-through zone
	InitialTemperature float64               `yaml:"initial_temperature"`
	Facilities         []FacilitySpec        `yaml:"facilities"`
	Environment        []sim.AreaEnvironment `yaml:"environment,omitempty"`
	EnvironmentCSV     string                `yaml:"environment_csv,omitempty"`
}

// FacilitySpec declares one facility. Declaration order fixes the facility id.
type FacilitySpec struct {
	Type       string             `yaml:"type"`
	Parameters map[string]float64 `yaml:"parameters"`
}

// Built is a scenario materialized into simulator inputs.
type Built struct {
	Areas       []*sim.Area
	Environment []sim.BuildingEnvironment
	StartTime   time.Time
}

// LoadScenario reads and parses a scenario file.
// Uses strict parsing: unrecognized keys (typos) are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	s.dir = filepath.Dir(path)
	return s, nil
}

// Parse decodes a scenario document. CSV paths resolve against the working directory.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	return &s, nil
}

// Validate checks the topology and the shape of the environment declarations.
// Facility parameters are validated by building each facility once.
func (s *Scenario) Validate() error {
	if s.StartTime != "" {
		if _, err := ParseTime(s.StartTime); err != nil {
			return fmt.Errorf("start_time: %w", err)
		}
	}
	if len(s.Areas) == 0 {
		return fmt.Errorf("at least one area required")
	}
	hasInline, hasCSV := len(s.ExternalEnvironment) > 0, s.ExternalEnvironmentCSV != ""
	if hasInline == hasCSV {
		return fmt.Errorf("exactly one of external_environment or external_environment_csv required")
	}
	names := make(map[string]bool, len(s.Areas))
	for i := range s.Areas {
		if err := s.Areas[i].validate(i); err != nil {
			return err
		}
		if names[s.Areas[i].Name] {
			return fmt.Errorf("area[%d]: duplicate name %q", i, s.Areas[i].Name)
		}
		names[s.Areas[i].Name] = true
	}
	return nil
}

func (a *AreaSpec) validate(idx int) error {
	prefix := fmt.Sprintf("area[%d]", idx)
	if a.Name == "" {
		return fmt.Errorf("%s: name required", prefix)
	}
	if a.Capacity != nil && *a.Capacity <= 0 {
		return fmt.Errorf("%s: capacity must be positive, got %v", prefix, *a.Capacity)
	}
	if len(a.Environment) > 0 && a.EnvironmentCSV != "" {
		return fmt.Errorf("%s: environment and environment_csv are mutually exclusive", prefix)
	}
	for j, f := range a.Facilities {
		if _, err := f.build(); err != nil {
			return fmt.Errorf("%s.facilities[%d]: %w", prefix, j, err)
		}
	}
	return nil
}

func (f FacilitySpec) build() (sim.Facility, error) {
	return sim.NewFacility(sim.Kind(f.Type), f.Parameters)
}

// Build validates the scenario, reads any CSV series and constructs fresh
// areas plus the zipped environment series. The series is as long as the
// shortest of the external series and every present area series.
func (s *Scenario) Build() (*Built, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	external := s.ExternalEnvironment
	if s.ExternalEnvironmentCSV != "" {
		var err error
		if external, err = ReadExternalCSV(s.resolve(s.ExternalEnvironmentCSV)); err != nil {
			return nil, err
		}
	}
	length := len(external)

	areas := make([]*sim.Area, len(s.Areas))
	series := make([][]sim.AreaEnvironment, len(s.Areas))
	for i, spec := range s.Areas {
		facilities := make([]sim.Facility, len(spec.Facilities))
		for j, f := range spec.Facilities {
			facility, err := f.build()
			if err != nil {
				return nil, fmt.Errorf("area %q facility %d: %w", spec.Name, j, err)
			}
			facilities[j] = facility
		}
		var capacity *float64
		if spec.Capacity != nil {
			c := *spec.Capacity
			capacity = &c
		}
		areas[i] = sim.NewArea(spec.Name, capacity, spec.InitialTemperature, facilities)

		series[i] = spec.Environment
		if spec.EnvironmentCSV != "" {
			env, err := ReadAreaCSV(s.resolve(spec.EnvironmentCSV))
			if err != nil {
				return nil, fmt.Errorf("area %q: %w", spec.Name, err)
			}
			series[i] = env
		}
		if series[i] != nil {
			length = min(length, len(series[i]))
		}
	}
	if length == 0 {
		return nil, fmt.Errorf("environment series is empty")
	}

	envs := make([]sim.BuildingEnvironment, length)
	for t := range envs {
		envs[t] = sim.BuildingEnvironment{
			External: external[t],
			Areas:    make([]*sim.AreaEnvironment, len(areas)),
		}
		for i := range areas {
			if series[i] != nil {
				env := series[i][t]
				envs[t].Areas[i] = &env
			}
		}
	}

	start, err := s.Start()
	if err != nil {
		return nil, err
	}
	return &Built{Areas: areas, Environment: envs, StartTime: start}, nil
}

// Start returns the calendar time of step 0, or the zero time if unset.
func (s *Scenario) Start() (time.Time, error) {
	if s.StartTime == "" {
		return time.Time{}, nil
	}
	return ParseTime(s.StartTime)
}

func (s *Scenario) resolve(path string) string {
	if filepath.IsAbs(path) || s.dir == "" {
		return path
	}
	return filepath.Join(s.dir, path)
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTime accepts RFC 3339 or "YYYY-MM-DD[ hh:mm[:ss]]" (UTC).
func ParseTime(v string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized datetime %q", v)
}
