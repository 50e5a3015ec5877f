package sim

import (
	"encoding/json"
	"fmt"
)

const (
	// ThermalLossCoefficient is α, the per-minute fraction of the inside/outside
	// temperature difference lost through the envelope.
	ThermalLossCoefficient = 0.02
	// AirDensity [kg/m^3] converts area capacity into a heat capacity.
	AirDensity = 1.189
)

// Area is a thermal zone that exclusively owns an ordered list of facilities.
// Facility order is fixed at load time and indexes every action and state vector.
type Area struct {
	Name string
	// Capacity enables the lumped thermal model. Nil means the area is a
	// pass-through zone whose temperature mirrors the outside temperature.
	Capacity         *float64
	Temperature      float64
	PowerConsumption float64
	People           int
	Facilities       []Facility
}

// NewArea creates an area. A nil capacity makes it a pass-through zone.
// Panics if capacity is non-positive.
func NewArea(name string, capacity *float64, initialTemperature float64, facilities []Facility) *Area {
	if capacity != nil && *capacity <= 0 {
		panic(fmt.Sprintf("NewArea(%s): capacity must be positive, got %v", name, *capacity))
	}
	return &Area{
		Name:        name,
		Capacity:    capacity,
		Temperature: initialTemperature,
		Facilities:  facilities,
	}
}

// SimulatesTemperature reports whether the thermal model is integrated for this area.
func (a *Area) SimulatesTemperature() bool {
	return a.Capacity != nil
}

// Update feeds every facility its action, sums their effects and advances
// the area temperature by one minute. actions must align with Facilities.
func (a *Area) Update(actions []FacilityAction, ext ExternalEnvironment, env *AreaEnvironment) AreaState {
	if len(actions) != len(a.Facilities) {
		panic(fmt.Sprintf("Area(%s).Update: %d actions for %d facilities", a.Name, len(actions), len(a.Facilities)))
	}

	// heat accumulates kJ delivered during this minute
	var heat float64
	a.People = 0
	if env != nil {
		a.People = env.People
		heat = env.Heat()
	}

	a.PowerConsumption = 0
	for i, f := range a.Facilities {
		_, effect := f.Update(actions[i], ext, a.Temperature)
		heat += effect.Heat * 60
		a.PowerConsumption += effect.Power
	}

	if a.SimulatesTemperature() {
		a.Temperature += -ThermalLossCoefficient*(a.Temperature-ext.Temperature) + heat/(*a.Capacity*AirDensity)
	} else {
		a.Temperature = ext.Temperature
	}
	return a.State()
}

// State returns an immutable snapshot of the area.
func (a *Area) State() AreaState {
	facilities := make([]FacilityState, len(a.Facilities))
	for i, f := range a.Facilities {
		facilities[i] = f.State()
	}
	return AreaState{
		PowerConsumption: a.PowerConsumption,
		Temperature:      a.Temperature,
		People:           a.People,
		Facilities:       facilities,
	}
}

// Clone returns a deep copy of the area and its facilities.
func (a *Area) Clone() *Area {
	c := *a
	if a.Capacity != nil {
		capacity := *a.Capacity
		c.Capacity = &capacity
	}
	c.Facilities = make([]Facility, len(a.Facilities))
	for i, f := range a.Facilities {
		c.Facilities[i] = f.Clone()
	}
	return &c
}

// CloneAreas deep-copies a topology.
func CloneAreas(areas []*Area) []*Area {
	out := make([]*Area, len(areas))
	for i, a := range areas {
		out[i] = a.Clone()
	}
	return out
}

type areaJSON struct {
	Name             string           `json:"name"`
	Capacity         *float64         `json:"capacity,omitempty"`
	Temperature      float64          `json:"temperature"`
	PowerConsumption float64          `json:"power_consumption"`
	People           int              `json:"people"`
	Facilities       []facilityRecord `json:"facilities"`
}

func (a *Area) MarshalJSON() ([]byte, error) {
	records := make([]facilityRecord, len(a.Facilities))
	for i, f := range a.Facilities {
		records[i] = recordOf(f)
	}
	return json.Marshal(areaJSON{
		Name:             a.Name,
		Capacity:         a.Capacity,
		Temperature:      a.Temperature,
		PowerConsumption: a.PowerConsumption,
		People:           a.People,
		Facilities:       records,
	})
}

func (a *Area) UnmarshalJSON(data []byte) error {
	var aj areaJSON
	if err := json.Unmarshal(data, &aj); err != nil {
		return err
	}
	facilities := make([]Facility, len(aj.Facilities))
	for i, r := range aj.Facilities {
		f, err := r.facility()
		if err != nil {
			return fmt.Errorf("area %q facility %d: %w", aj.Name, i, err)
		}
		facilities[i] = f
	}
	*a = Area{
		Name:             aj.Name,
		Capacity:         aj.Capacity,
		Temperature:      aj.Temperature,
		PowerConsumption: aj.PowerConsumption,
		People:           aj.People,
		Facilities:       facilities,
	}
	return nil
}

// AreaState is an immutable per-tick snapshot of an area.
type AreaState struct {
	PowerConsumption float64         `json:"power_consumption"`
	Temperature      float64         `json:"temperature"`
	People           int             `json:"people"`
	Facilities       []FacilityState `json:"facilities"`
}

// areaStateElems is the number of area-level elements appended after the facility states.
const areaStateElems = 3

// Vector flattens the state: facility states in topology order, then power,
// temperature and occupant count.
func (s AreaState) Vector() []float64 {
	out := make([]float64, 0, areaStateElems)
	for _, f := range s.Facilities {
		out = append(out, f.Values...)
	}
	return append(out, s.PowerConsumption, s.Temperature, float64(s.People))
}
