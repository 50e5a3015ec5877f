package federation

import (
	"errors"
	"fmt"
	"time"

	"github.com/bfsim/bfsim/sim"
	"github.com/bfsim/bfsim/sim/scenario"
	"github.com/bfsim/bfsim/sim/wire"
)

// ErrNonMonotonicClock is returned for a checkpoint whose clock does not
// strictly advance, or that runs past the segment it was issued.
var ErrNonMonotonicClock = errors.New("checkpoint clock out of order")

// ClientManager is the coordinator's authoritative view of one client's
// simulation: its live areas and its position in the environment series.
// It survives across rounds and is only touched by the round loop.
type ClientManager struct {
	ID     int
	Tag    string
	Reward string

	areas []*sim.Area
	envs  []sim.BuildingEnvironment
	// start is the datetime of envs[0]; currentDt is the next tick to simulate.
	start     time.Time
	currentDt time.Time
	cycle     bool
	// issuedEnd is the end of the outstanding segment, zero when none is out.
	issuedEnd time.Time
}

// NewClientManager creates a manager positioned at start.
func NewClientManager(id int, ref ScenarioRef, built *scenario.Built, start time.Time, cycle bool) *ClientManager {
	return &ClientManager{
		ID:        id,
		Tag:       ref.Tag,
		Reward:    ref.Reward,
		areas:     built.Areas,
		envs:      built.Environment,
		start:     start,
		currentDt: start,
		cycle:     cycle,
	}
}

// CurrentDatetime returns the client's clock.
func (m *ClientManager) CurrentDatetime() time.Time { return m.currentDt }

// Areas returns the client's live areas.
func (m *ClientManager) Areas() []*sim.Area { return m.areas }

// CreateSegment slices [currentDt, end) out of the environment series.
// A client that missed earlier rounds gets a longer segment and trains only
// from trainStart.
func (m *ClientManager) CreateSegment(trainStart, end time.Time) (*wire.Segment, error) {
	steps := int(end.Sub(m.currentDt) / sim.TickDuration)
	if steps <= 0 {
		return nil, fmt.Errorf("client %d: segment end %s is not after clock %s", m.ID, end, m.currentDt)
	}
	cursor := int(m.currentDt.Sub(m.start) / sim.TickDuration)
	envs := make([]sim.BuildingEnvironment, steps)
	for i := range envs {
		idx := cursor + i
		if m.cycle {
			idx %= len(m.envs)
		} else if idx >= len(m.envs) {
			return nil, fmt.Errorf("client %d: environment exhausted at step %d (series length %d)", m.ID, idx, len(m.envs))
		}
		envs[i] = m.envs[idx]
	}
	if trainStart.Before(m.currentDt) {
		trainStart = m.currentDt
	}
	m.issuedEnd = end
	return &wire.Segment{
		Areas:              sim.CloneAreas(m.areas),
		Environment:        envs,
		StartStep:          cursor,
		StartDatetime:      m.currentDt,
		TrainStartDatetime: trainStart,
		EndDatetime:        end,
		Reward:             m.Reward,
	}, nil
}

// AbortSegment forgets the outstanding segment, e.g. when it could not be delivered.
func (m *ClientManager) AbortSegment() {
	m.issuedEnd = time.Time{}
}

// LoadCheckpoint folds a reported checkpoint back into the manager. On error
// the manager is left unchanged.
func (m *ClientManager) LoadCheckpoint(cp wire.Checkpoint) error {
	if !cp.CurrentDatetime.After(m.currentDt) {
		return fmt.Errorf("%w: client %d reported %s, last known %s", ErrNonMonotonicClock, m.ID, cp.CurrentDatetime, m.currentDt)
	}
	if !m.issuedEnd.IsZero() && cp.CurrentDatetime.After(m.issuedEnd) {
		return fmt.Errorf("%w: client %d reported %s past segment end %s", ErrNonMonotonicClock, m.ID, cp.CurrentDatetime, m.issuedEnd)
	}
	if err := sameTopology(m.areas, cp.Areas); err != nil {
		return fmt.Errorf("client %d: %w", m.ID, err)
	}
	m.areas = cp.Areas
	m.currentDt = cp.CurrentDatetime
	m.issuedEnd = time.Time{}
	return nil
}

func sameTopology(want, got []*sim.Area) error {
	if len(want) != len(got) {
		return fmt.Errorf("checkpoint has %d areas, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] == nil {
			return fmt.Errorf("checkpoint area %d is null", i)
		}
		if len(want[i].Facilities) != len(got[i].Facilities) {
			return fmt.Errorf("checkpoint area %q has %d facilities, want %d", got[i].Name, len(got[i].Facilities), len(want[i].Facilities))
		}
		for j := range want[i].Facilities {
			if want[i].Facilities[j].Kind() != got[i].Facilities[j].Kind() {
				return fmt.Errorf("checkpoint area %q facility %d is %s, want %s", got[i].Name, j, got[i].Facilities[j].Kind(), want[i].Facilities[j].Kind())
			}
		}
	}
	return nil
}
