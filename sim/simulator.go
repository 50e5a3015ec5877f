// sim/simulator.go
package sim

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrSimulationFinished is returned by Step once the clock reached the end of the series.
var ErrSimulationFinished = errors.New("simulation has finished")

// TickDuration is the simulated length of one step.
const TickDuration = time.Minute

// Simulator is the core object that holds the simulation clock, the building
// topology and the environment series it is driving through.
type Simulator struct {
	Areas []*Area

	envs      []BuildingEnvironment
	reward    RewardFunc
	startTime time.Time
	// curSteps counts elapsed ticks; totalSteps is the series length.
	curSteps   int
	totalSteps int
	lastState  BuildingState
}

// NewSimulator creates a simulator over the given areas and environment series.
// The simulator takes ownership of areas and mutates them as it steps.
// Panics if reward is nil or the series is empty.
func NewSimulator(areas []*Area, envs []BuildingEnvironment, reward RewardFunc, startTime time.Time) *Simulator {
	if reward == nil {
		panic("NewSimulator: reward function must not be nil")
	}
	if len(envs) == 0 {
		panic("NewSimulator: environment series must not be empty")
	}
	s := &Simulator{
		Areas:      areas,
		envs:       envs,
		reward:     reward,
		startTime:  startTime,
		totalSteps: len(envs),
	}
	s.lastState = s.State()
	return s
}

// HasFinished reports whether every tick of the series has been simulated.
func (s *Simulator) HasFinished() bool {
	return s.curSteps == s.totalSteps
}

// Step decodes the flat action vector, advances every area one tick and
// returns the flattened new state and the reward vector.
func (s *Simulator) Step(action []float64) ([]float64, []float64, error) {
	decoded, err := DecodeBuildingAction(action, s.Areas)
	if err != nil {
		return nil, nil, err
	}
	state, reward, err := s.Advance(decoded)
	if err != nil {
		return nil, nil, err
	}
	return state.Vector(), reward, nil
}

// Advance is Step for an already decoded action.
func (s *Simulator) Advance(action BuildingAction) (BuildingState, []float64, error) {
	if s.HasFinished() {
		return BuildingState{}, nil, ErrSimulationFinished
	}
	if len(action.Areas) != len(s.Areas) {
		return BuildingState{}, nil, fmt.Errorf("%w: %d area actions for %d areas", ErrActionWidth, len(action.Areas), len(s.Areas))
	}

	env := s.envs[s.curSteps]
	areaStates := make([]AreaState, len(s.Areas))
	for id, area := range s.Areas {
		areaStates[id] = area.Update(action.Areas[id], env.External, env.Area(id))
	}
	state := NewBuildingState(areaStates, env.External)

	s.curSteps++
	s.lastState = state
	logrus.Tracef("[tick %07d] power_balance=%.3f outside=%.2f", s.curSteps, state.PowerBalance, state.Temperature)

	return state, s.reward(state, action), nil
}

// State returns the current building state, paired with the environment of
// the next tick to simulate (or the last one once finished).
func (s *Simulator) State() BuildingState {
	areaStates := make([]AreaState, len(s.Areas))
	for id, area := range s.Areas {
		areaStates[id] = area.State()
	}
	idx := min(s.curSteps, s.totalSteps-1)
	return NewBuildingState(areaStates, s.envs[idx].External)
}

// LastState returns the state produced by the most recent Step.
func (s *Simulator) LastState() BuildingState {
	return s.lastState
}

// CurrentDatetime returns startTime + curSteps minutes. Calendar time is
// used for coordination only, never by the physics.
func (s *Simulator) CurrentDatetime() time.Time {
	return s.startTime.Add(time.Duration(s.curSteps) * TickDuration)
}

// CurSteps returns the number of ticks simulated so far.
func (s *Simulator) CurSteps() int { return s.curSteps }

// TotalSteps returns the length of the environment series.
func (s *Simulator) TotalSteps() int { return s.totalSteps }

// ActionWidth returns the flat action width the simulator expects.
func (s *Simulator) ActionWidth() int { return ActionWidthOf(s.Areas) }

// StateWidth returns the flat state width the simulator produces.
func (s *Simulator) StateWidth() int { return StateWidthOf(s.Areas) }
