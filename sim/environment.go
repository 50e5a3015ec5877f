package sim

// ExternalEnvironment holds the building-wide environment for one tick.
type ExternalEnvironment struct {
	SolarRadiation    float64 `json:"solar_radiation" yaml:"solar_radiation"`         // [W/m^2]
	Temperature       float64 `json:"temperature" yaml:"temperature"`                 // [°C]
	ElectricPriceUnit float64 `json:"electric_price_unit" yaml:"electric_price_unit"` // [price/kWh]
}

// AreaEnvironment holds the per-area environment for one tick.
type AreaEnvironment struct {
	People     int     `json:"people" yaml:"people"`
	HeatSource float64 `json:"heat_source" yaml:"heat_source"` // [W]
}

// Heat returns the internal heat released during one tick, in kJ.
func (e AreaEnvironment) Heat() float64 {
	return e.HeatSource * 60 / 1000
}

// BuildingEnvironment is the environment of every area at one absolute step.
// Areas is indexed by area id; a nil entry means the area has no environment
// series and sees no occupants and no internal heat.
type BuildingEnvironment struct {
	External ExternalEnvironment `json:"external"`
	Areas    []*AreaEnvironment  `json:"areas,omitempty"`
}

// Area returns the environment of the given area, or nil if it has none.
func (e BuildingEnvironment) Area(id int) *AreaEnvironment {
	if id < 0 || id >= len(e.Areas) {
		return nil
	}
	return e.Areas[id]
}
