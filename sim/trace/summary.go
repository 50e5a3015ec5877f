package trace

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Summary aggregates statistics over a sequence of records.
type Summary struct {
	Steps          int     `json:"steps"`
	TrainedSteps   int     `json:"trained_steps"`
	MeanReward     float64 `json:"mean_reward"`
	RewardP10      float64 `json:"reward_p10"`
	RewardP50      float64 `json:"reward_p50"`
	RewardP90      float64 `json:"reward_p90"`
	MinTemperature float64 `json:"min_temperature"` // over every area and tick
	MaxTemperature float64 `json:"max_temperature"`
	EnergyDrawn    float64 `json:"energy_drawn_kwh"`  // grid import
	EnergyFedIn    float64 `json:"energy_fed_in_kwh"` // grid export
}

// Summarize computes aggregate statistics from records.
// Safe for nil or empty input (returns zero-value fields).
func Summarize(records []Record) Summary {
	var s Summary
	if len(records) == 0 {
		return s
	}
	s.MinTemperature = math.Inf(1)
	s.MaxTemperature = math.Inf(-1)

	rewards := make([]float64, 0, len(records))
	for _, r := range records {
		s.Steps++
		if r.Trained {
			s.TrainedSteps++
		}
		rewards = append(rewards, r.TotalReward())
		for _, a := range r.State.Areas {
			s.MinTemperature = math.Min(s.MinTemperature, a.Temperature)
			s.MaxTemperature = math.Max(s.MaxTemperature, a.Temperature)
		}
		kwh := r.State.PowerBalance / 60
		if kwh > 0 {
			s.EnergyDrawn += kwh
		} else {
			s.EnergyFedIn -= kwh
		}
	}
	s.MeanReward = stat.Mean(rewards, nil)
	sort.Float64s(rewards)
	s.RewardP10 = stat.Quantile(0.1, stat.LinInterp, rewards, nil)
	s.RewardP50 = stat.Quantile(0.5, stat.LinInterp, rewards, nil)
	s.RewardP90 = stat.Quantile(0.9, stat.LinInterp, rewards, nil)
	if math.IsInf(s.MinTemperature, 1) {
		s.MinTemperature, s.MaxTemperature = 0, 0
	}
	return s
}
