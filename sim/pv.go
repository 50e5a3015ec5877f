package sim

import "fmt"

// PVAction is the empty setting of a PV station; PV is not controllable.
type PVAction struct{}

func (PVAction) Kind() Kind        { return KindPV }
func (PVAction) Vector() []float64 { return []float64{} }

// PV is a photovoltaic station. Its output is a stateless function of solar radiation.
type PV struct {
	MaxPower float64 `json:"max_power"` // [kW] at 1000 W/m^2
}

func newPVFromParams(params map[string]float64) (Facility, error) {
	if err := requireParams(params, "max_power"); err != nil {
		return nil, err
	}
	return &PV{MaxPower: params["max_power"]}, nil
}

func (p *PV) Kind() Kind { return KindPV }

func (p *PV) Update(_ FacilityAction, ext ExternalEnvironment, _ float64) (FacilityState, Effect) {
	return p.State(), Effect{
		Power: -p.MaxPower * ext.SolarRadiation / 1000,
		Heat:  0,
	}
}

func (p *PV) State() FacilityState {
	return FacilityState{Kind: KindPV}
}

func (p *PV) Clone() Facility {
	c := *p
	return &c
}

func (p *PV) String() string {
	return fmt.Sprintf("PV(max_power=%.1f)", p.MaxPower)
}
