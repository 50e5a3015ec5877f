package sim

import (
	"fmt"
	"math"
)

// HVACMode is the internal operating mode of an HVAC unit. It is never
// commanded directly; the controller derives it from on/off and the setpoint.
type HVACMode string

const (
	HVACOff  HVACMode = "off"
	HVACCool HVACMode = "cool"
	HVACHeat HVACMode = "heat"
)

// opposite returns the mode an HVAC flips to when it overshoots the mode band.
func (m HVACMode) opposite() HVACMode {
	switch m {
	case HVACCool:
		return HVACHeat
	case HVACHeat:
		return HVACCool
	default:
		return HVACOff
	}
}

const (
	// ModeGuardTemperature is the outer hysteresis band: a running unit whose
	// deficit drops below -ModeGuardTemperature switches between heat and cool.
	ModeGuardTemperature = 3.0
	// StandByGuardTemperature is the inner band that toggles the compressor
	// between running and stand-by.
	StandByGuardTemperature = 0.5
	// EfficiencyThresholdTemperature is the outside-vs-area differential above
	// which the coefficient of performance stops benefiting from mild weather.
	EfficiencyThresholdTemperature = 10.0
)

// Setpoint decoding maps the action range [-1, 1] onto [15, 30] °C.
const (
	setpointScale  = 7.5
	setpointOffset = 22.5
)

// HVACAction turns the unit on or off and sets its target temperature.
type HVACAction struct {
	On             bool
	SetTemperature float64
}

func (HVACAction) Kind() Kind { return KindHVAC }

func (a HVACAction) Vector() []float64 {
	status := -1.0
	if a.On {
		status = 1.0
	}
	return []float64{status, (a.SetTemperature - setpointOffset) / setpointScale}
}

func decodeHVACAction(v []float64) FacilityAction {
	return HVACAction{
		On:             v[0] > 0,
		SetTemperature: math.Round(v[1]*setpointScale + setpointOffset),
	}
}

// HVACControl is the internal two-level hysteresis controller of an HVAC unit.
type HVACControl struct {
	Mode    HVACMode `json:"mode"`
	StandBy bool     `json:"stand_by"`
}

// Update advances the controller one tick.
func (c *HVACControl) Update(on bool, areaTemperature, setTemperature float64) {
	if !on {
		c.Mode = HVACOff
		return
	}
	if c.Mode == HVACOff {
		if setTemperature > areaTemperature {
			c.Mode = HVACHeat
		} else {
			c.Mode = HVACCool
		}
		c.StandBy = c.deficit(areaTemperature, setTemperature) < StandByGuardTemperature
		return
	}

	deficit := c.deficit(areaTemperature, setTemperature)
	if deficit < -ModeGuardTemperature {
		c.Mode = c.Mode.opposite()
	}
	if c.StandBy && deficit >= StandByGuardTemperature {
		c.StandBy = false
	} else if !c.StandBy && deficit <= -StandByGuardTemperature {
		c.StandBy = true
	}
}

// deficit is how far the area is from the setpoint in the direction the
// current mode pushes: positive means more work to do.
func (c *HVACControl) deficit(areaTemperature, setTemperature float64) float64 {
	if c.Mode == HVACHeat {
		return setTemperature - areaTemperature
	}
	return areaTemperature - setTemperature
}

// Running reports whether the unit produces output this tick.
func (c *HVACControl) Running() bool {
	return c.Mode != HVACOff && !c.StandBy
}

// HVAC is a heat pump that can heat or cool its area.
type HVAC struct {
	CoolMaxPower float64 `json:"cool_max_power"` // [kW]
	HeatMaxPower float64 `json:"heat_max_power"` // [kW]
	CoolCOP      float64 `json:"cool_cop"`
	HeatCOP      float64 `json:"heat_cop"`

	Control HVACControl `json:"control"`

	On             bool    `json:"on"`
	SetTemperature float64 `json:"set_temperature"` // [°C]
}

func newHVACFromParams(params map[string]float64) (Facility, error) {
	if err := requireParams(params, "cool_max_power", "heat_max_power", "cool_cop", "heat_cop"); err != nil {
		return nil, err
	}
	return &HVAC{
		CoolMaxPower: params["cool_max_power"],
		HeatMaxPower: params["heat_max_power"],
		CoolCOP:      params["cool_cop"],
		HeatCOP:      params["heat_cop"],
		Control:      HVACControl{Mode: HVACOff},
	}, nil
}

func (h *HVAC) Kind() Kind { return KindHVAC }

func (h *HVAC) Update(action FacilityAction, ext ExternalEnvironment, areaTemperature float64) (FacilityState, Effect) {
	a := action.(HVACAction)
	h.On = a.On
	h.SetTemperature = a.SetTemperature

	h.Control.Update(h.On, areaTemperature, h.SetTemperature)
	if !h.Control.Running() {
		return h.State(), Effect{}
	}

	var outsideDeficit, cop, power float64
	if h.Control.Mode == HVACCool {
		outsideDeficit, cop, power = ext.Temperature-areaTemperature, -h.CoolCOP, h.CoolMaxPower
	} else {
		outsideDeficit, cop, power = areaTemperature-ext.Temperature, h.HeatCOP, h.HeatMaxPower
	}
	return h.State(), Effect{
		Power: power,
		Heat:  efficiencyCoefficient(outsideDeficit) * cop * power,
	}
}

// efficiencyCoefficient scales output by how hard the unit works against the
// outside: up to 2x in mild conditions, falling linearly to 1x at the threshold.
func efficiencyCoefficient(outsideDeficit float64) float64 {
	if outsideDeficit >= EfficiencyThresholdTemperature {
		return 1
	}
	return 2 - math.Max(0, outsideDeficit/EfficiencyThresholdTemperature)
}

func (h *HVAC) State() FacilityState {
	return FacilityState{Kind: KindHVAC}
}

func (h *HVAC) Clone() Facility {
	c := *h
	return &c
}

func (h *HVAC) String() string {
	return fmt.Sprintf("HVAC(mode=%s, stand_by=%v, temp_setting=%.1f)", h.Control.Mode, h.Control.StandBy, h.SetTemperature)
}
