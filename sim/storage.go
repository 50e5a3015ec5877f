package sim

import (
	"fmt"
	"math"
)

// StorageMode is the commanded operating mode of an electric storage unit.
type StorageMode string

const (
	StorageStandby   StorageMode = "stand_by"
	StorageCharge    StorageMode = "charge"
	StorageDischarge StorageMode = "discharge"
)

const (
	// Charging stops at or above this ratio.
	storageFullRatio = 0.98
	// Discharging stops at or below this ratio.
	storageEmptyRatio = 0.03
)

// StorageAction commands the storage mode.
type StorageAction struct {
	Mode StorageMode
}

func (StorageAction) Kind() Kind { return KindStorage }

func (a StorageAction) Vector() []float64 {
	switch a.Mode {
	case StorageCharge:
		return []float64{1}
	case StorageDischarge:
		return []float64{-1}
	default:
		return []float64{0}
	}
}

func decodeStorageAction(v []float64) FacilityAction {
	switch {
	case v[0] > 1.0/3:
		return StorageAction{Mode: StorageCharge}
	case v[0] < -1.0/3:
		return StorageAction{Mode: StorageDischarge}
	default:
		return StorageAction{Mode: StorageStandby}
	}
}

// ElectricStorage is a battery driven purely by the latest commanded mode.
type ElectricStorage struct {
	ChargePower    float64 `json:"charge_power"`    // [kW]
	DischargePower float64 `json:"discharge_power"` // [kW]
	Capacity       float64 `json:"capacity"`        // [kWh]

	ChargeRatio float64     `json:"charge_ratio"`
	Mode        StorageMode `json:"mode"`
}

func newStorageFromParams(params map[string]float64) (Facility, error) {
	if err := requireParams(params, "charge_power", "discharge_power", "capacity"); err != nil {
		return nil, err
	}
	if params["capacity"] <= 0 {
		return nil, fmt.Errorf("parameter \"capacity\" must be positive, got %v", params["capacity"])
	}
	es := &ElectricStorage{
		ChargePower:    params["charge_power"],
		DischargePower: params["discharge_power"],
		Capacity:       params["capacity"],
		Mode:           StorageStandby,
	}
	if r, ok := params["charge_ratio"]; ok {
		es.ChargeRatio = math.Min(math.Max(r, 0), 1)
	}
	return es, nil
}

func (s *ElectricStorage) Kind() Kind { return KindStorage }

func (s *ElectricStorage) Update(action FacilityAction, _ ExternalEnvironment, _ float64) (FacilityState, Effect) {
	s.Mode = action.(StorageAction).Mode

	delta := (s.ChargePower / 60) / s.Capacity
	var power float64
	switch {
	case s.Mode == StorageCharge && s.ChargeRatio < storageFullRatio:
		s.ChargeRatio += delta
		power = s.ChargePower
	case s.Mode == StorageDischarge && s.ChargeRatio > storageEmptyRatio:
		s.ChargeRatio -= delta
		power = -s.DischargePower
	}
	s.ChargeRatio = math.Min(math.Max(s.ChargeRatio, 0), 1)

	return s.State(), Effect{Power: power, Heat: 0}
}

func (s *ElectricStorage) State() FacilityState {
	return FacilityState{Kind: KindStorage, Values: []float64{s.ChargeRatio}}
}

func (s *ElectricStorage) Clone() Facility {
	c := *s
	return &c
}

func (s *ElectricStorage) String() string {
	return fmt.Sprintf("ES(charge_ratio=%.3f, mode=%s)", s.ChargeRatio, s.Mode)
}
