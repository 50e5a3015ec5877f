package sim

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Kind identifies a facility variant. The kind fixes the width of the
// facility's slice in the flat action vector and in the state vector.
type Kind string

const (
	KindPV      Kind = "PV"
	KindHVAC    Kind = "HVAC"
	KindStorage Kind = "ES"
)

// Effect is the physical effect a facility exerts on its area during one tick.
type Effect struct {
	Power float64 // electrical draw [kW]; negative = generation or feed-in
	Heat  float64 // heat flow into the area [kW]
}

// FacilityState is the observable state a facility exposes to the model.
// Values has exactly StateWidth(Kind) elements.
type FacilityState struct {
	Kind   Kind      `json:"kind"`
	Values []float64 `json:"values,omitempty"`
}

// FacilityAction is one facility's decoded slice of a BuildingAction.
// Variants: PVAction, HVACAction, StorageAction.
type FacilityAction interface {
	Kind() Kind
	// Vector encodes the action back into its fixed-width flat form.
	Vector() []float64
}

// Facility is a controllable physical subsystem owned by exactly one Area.
type Facility interface {
	Kind() Kind
	// Update applies the setting, advances the facility one tick and returns
	// its new observable state and the effect on the area.
	Update(action FacilityAction, ext ExternalEnvironment, areaTemperature float64) (FacilityState, Effect)
	State() FacilityState
	Clone() Facility
	String() string
}

type kindInfo struct {
	actionWidth int
	stateWidth  int
	decode      func(v []float64) FacilityAction
	build       func(params map[string]float64) (Facility, error)
}

// kinds is the dispatch table from a facility kind to its widths and constructors.
var kinds = map[Kind]kindInfo{
	KindPV: {
		actionWidth: 0,
		stateWidth:  0,
		decode:      func([]float64) FacilityAction { return PVAction{} },
		build:       newPVFromParams,
	},
	KindHVAC: {
		actionWidth: 2,
		stateWidth:  0,
		decode:      decodeHVACAction,
		build:       newHVACFromParams,
	},
	KindStorage: {
		actionWidth: 1,
		stateWidth:  1,
		decode:      decodeStorageAction,
		build:       newStorageFromParams,
	},
}

// IsValidKind returns true if the kind is a registered facility variant.
func IsValidKind(k Kind) bool {
	_, ok := kinds[k]
	return ok
}

// ValidKindNames returns the registered facility kinds, sorted.
func ValidKindNames() []string {
	names := make([]string, 0, len(kinds))
	for k := range kinds {
		names = append(names, string(k))
	}
	sort.Strings(names)
	return names
}

// ActionWidth returns the number of flat action elements a facility of kind k consumes.
// Panics on an unknown kind.
func ActionWidth(k Kind) int {
	return mustKind(k).actionWidth
}

// StateWidth returns the number of state vector elements a facility of kind k produces.
// Panics on an unknown kind.
func StateWidth(k Kind) int {
	return mustKind(k).stateWidth
}

func mustKind(k Kind) kindInfo {
	info, ok := kinds[k]
	if !ok {
		panic(fmt.Sprintf("unknown facility kind %q", k))
	}
	return info
}

// NewFacility builds a facility of the given kind from named static parameters.
func NewFacility(k Kind, params map[string]float64) (Facility, error) {
	info, ok := kinds[k]
	if !ok {
		return nil, fmt.Errorf("unknown facility type %q; valid: %s", k, strings.Join(ValidKindNames(), ", "))
	}
	f, err := info.build(params)
	if err != nil {
		return nil, fmt.Errorf("facility %s: %w", k, err)
	}
	return f, nil
}

// DecodeFacilityAction decodes the fixed-width slice v into an action for kind k.
func DecodeFacilityAction(k Kind, v []float64) (FacilityAction, error) {
	info, ok := kinds[k]
	if !ok {
		return nil, fmt.Errorf("unknown facility type %q", k)
	}
	if len(v) != info.actionWidth {
		return nil, fmt.Errorf("%w: %s expects %d elements, got %d", ErrActionWidth, k, info.actionWidth, len(v))
	}
	return info.decode(v), nil
}

func requireParams(params map[string]float64, names ...string) error {
	for _, name := range names {
		v, ok := params[name]
		if !ok {
			return fmt.Errorf("missing parameter %q", name)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("parameter %q must be a finite number, got %v", name, v)
		}
		if v < 0 {
			return fmt.Errorf("parameter %q must be non-negative, got %v", name, v)
		}
	}
	return nil
}

// facilityRecord is the serialized form of a Facility. Exactly one variant
// pointer is set, matching Kind.
type facilityRecord struct {
	Kind    Kind             `json:"kind"`
	PV      *PV              `json:"pv,omitempty"`
	HVAC    *HVAC            `json:"hvac,omitempty"`
	Storage *ElectricStorage `json:"storage,omitempty"`
}

func recordOf(f Facility) facilityRecord {
	switch v := f.(type) {
	case *PV:
		return facilityRecord{Kind: KindPV, PV: v}
	case *HVAC:
		return facilityRecord{Kind: KindHVAC, HVAC: v}
	case *ElectricStorage:
		return facilityRecord{Kind: KindStorage, Storage: v}
	default:
		panic(fmt.Sprintf("unserializable facility %T", f))
	}
}

func (r facilityRecord) facility() (Facility, error) {
	switch {
	case r.Kind == KindPV && r.PV != nil:
		return r.PV, nil
	case r.Kind == KindHVAC && r.HVAC != nil:
		return r.HVAC, nil
	case r.Kind == KindStorage && r.Storage != nil:
		return r.Storage, nil
	}
	return nil, fmt.Errorf("facility record of kind %q has no matching body", r.Kind)
}
