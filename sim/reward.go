package sim

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// RewardFunc computes the reward vector for a tick. It is injected into the
// simulator at construction and must be deterministic.
type RewardFunc func(state BuildingState, action BuildingAction) []float64

const (
	comfortTarget     = 25.0
	comfortMin        = 20.0
	comfortMax        = 30.0
	comfortSharpness  = 0.2
	comfortBandWeight = 0.1
	comfortPriceScale = 0.1
	occupancyWeight   = 0.05
)

// ComfortReward rewards area temperatures near the comfort target, penalizes
// leaving the comfort band and charges for grid draw at the current price.
func ComfortReward(state BuildingState, _ BuildingAction) []float64 {
	var r float64
	for _, a := range state.Areas {
		d := a.Temperature - comfortTarget
		r += math.Exp(-comfortSharpness * d * d)
		r -= comfortBandWeight * (math.Max(0, comfortMin-a.Temperature) + math.Max(0, a.Temperature-comfortMax))
	}
	draw := math.Max(0, state.PowerBalance) / 60 // kWh this minute
	r -= comfortPriceScale * state.ElectricPriceUnit * draw
	return []float64{r}
}

// OccupancyReward rewards HVAC units that run exactly when their area is
// occupied and penalizes occupant-weighted deviation from the comfort target.
func OccupancyReward(state BuildingState, action BuildingAction) []float64 {
	var r float64
	for id, a := range state.Areas {
		if id >= len(action.Areas) {
			break
		}
		hvac, ok := firstHVACAction(action.Areas[id])
		if !ok {
			continue
		}
		occupied := a.People > 0
		if hvac.On == occupied {
			r++
		} else {
			r--
		}
		r -= occupancyWeight * float64(a.People) * math.Abs(a.Temperature-comfortTarget)
	}
	return []float64{r}
}

func firstHVACAction(actions []FacilityAction) (HVACAction, bool) {
	for _, fa := range actions {
		if h, ok := fa.(HVACAction); ok {
			return h, true
		}
	}
	return HVACAction{}, false
}

// rewardFuncs is the registry of named reward functions. Tags pair a
// scenario with one of these names.
var rewardFuncs = map[string]RewardFunc{
	"comfort":   ComfortReward,
	"occupancy": OccupancyReward,
}

// ValidRewardNames returns the registered reward function names, sorted.
func ValidRewardNames() []string {
	names := make([]string, 0, len(rewardFuncs))
	for name := range rewardFuncs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupReward returns the reward function registered under name.
func LookupReward(name string) (RewardFunc, error) {
	fn, ok := rewardFuncs[name]
	if !ok {
		return nil, fmt.Errorf("unknown reward function %q; valid: %s", name, strings.Join(ValidRewardNames(), ", "))
	}
	return fn, nil
}
