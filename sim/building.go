package sim

import (
	"errors"
	"fmt"
)

// ErrActionWidth is returned when a flat action vector does not match the topology.
var ErrActionWidth = errors.New("action vector width mismatch")

// BuildingState is the snapshot of the whole building produced once per tick.
// It is never mutated after creation.
type BuildingState struct {
	Areas []AreaState `json:"areas"`
	// PowerBalance is the sum of area power consumption: positive = grid draw,
	// negative = net generation.
	PowerBalance      float64 `json:"power_balance"`
	ElectricPriceUnit float64 `json:"electric_price_unit"`
	SolarRadiation    float64 `json:"solar_radiation"`
	Temperature       float64 `json:"temperature"`
}

// buildingStateElems is the number of building-level elements appended after the area states.
const buildingStateElems = 4

// NewBuildingState aggregates area snapshots with the external environment.
func NewBuildingState(areas []AreaState, ext ExternalEnvironment) BuildingState {
	var balance float64
	for _, a := range areas {
		balance += a.PowerConsumption
	}
	return BuildingState{
		Areas:             areas,
		PowerBalance:      balance,
		ElectricPriceUnit: ext.ElectricPriceUnit,
		SolarRadiation:    ext.SolarRadiation,
		Temperature:       ext.Temperature,
	}
}

// Vector flattens the state for the model: every area in topology order,
// then power balance, price, solar radiation and outside temperature.
func (s BuildingState) Vector() []float64 {
	var out []float64
	for _, a := range s.Areas {
		out = append(out, a.Vector()...)
	}
	return append(out, s.PowerBalance, s.ElectricPriceUnit, s.SolarRadiation, s.Temperature)
}

// BuildingAction holds one decoded action per facility, indexed [area][facility].
type BuildingAction struct {
	Areas [][]FacilityAction
}

// DecodeBuildingAction walks the flat vector with a cursor, consuming each
// facility's fixed width in topology order. The vector must be consumed exactly.
func DecodeBuildingAction(v []float64, areas []*Area) (BuildingAction, error) {
	if want := ActionWidthOf(areas); len(v) != want {
		return BuildingAction{}, fmt.Errorf("%w: topology expects %d elements, got %d", ErrActionWidth, want, len(v))
	}
	action := BuildingAction{Areas: make([][]FacilityAction, len(areas))}
	cursor := 0
	for i, area := range areas {
		action.Areas[i] = make([]FacilityAction, len(area.Facilities))
		for j, f := range area.Facilities {
			next := cursor + ActionWidth(f.Kind())
			fa, err := DecodeFacilityAction(f.Kind(), v[cursor:next])
			if err != nil {
				return BuildingAction{}, fmt.Errorf("area %d facility %d: %w", i, j, err)
			}
			action.Areas[i][j] = fa
			cursor = next
		}
	}
	return action, nil
}

// Vector encodes the action back into its flat form.
func (a BuildingAction) Vector() []float64 {
	out := []float64{}
	for _, area := range a.Areas {
		for _, fa := range area {
			out = append(out, fa.Vector()...)
		}
	}
	return out
}

// ActionWidthOf returns the flat action width of a topology.
func ActionWidthOf(areas []*Area) int {
	width := 0
	for _, area := range areas {
		for _, f := range area.Facilities {
			width += ActionWidth(f.Kind())
		}
	}
	return width
}

// StateWidthOf returns the flat state width of a topology.
func StateWidthOf(areas []*Area) int {
	width := buildingStateElems
	for _, area := range areas {
		width += areaStateElems
		for _, f := range area.Facilities {
			width += StateWidth(f.Kind())
		}
	}
	return width
}
