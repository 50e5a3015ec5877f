// Package trace records the per-tick history a worker returns with its
// checkpoint. It stores plain data; it never drives the simulator.
package trace

import (
	"time"

	"github.com/bfsim/bfsim/sim"
)

// Record captures a single simulated tick.
type Record struct {
	Step     int               `json:"step"` // absolute step index
	Datetime time.Time         `json:"datetime"`
	State    sim.BuildingState `json:"state"` // state after the tick
	Reward   []float64         `json:"reward"`
	Action   []float64         `json:"action"`
	Trained  bool              `json:"trained"` // false during catch-up
}

// TotalReward sums the reward vector.
func (r Record) TotalReward() float64 {
	var total float64
	for _, v := range r.Reward {
		total += v
	}
	return total
}
