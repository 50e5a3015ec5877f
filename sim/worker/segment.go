package worker

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/bfsim/bfsim/sim"
	"github.com/bfsim/bfsim/sim/model"
	"github.com/bfsim/bfsim/sim/trace"
	"github.com/bfsim/bfsim/sim/wire"
)

// RunSegment simulates a segment to completion with m choosing every action.
// Ticks before the segment's train start only replay history; from there on
// each tick feeds one transition to m and runs one update.
func RunSegment(seg *wire.Segment, m model.Model, historyLimit int) (wire.Checkpoint, error) {
	if seg == nil || seg.Steps() == 0 {
		return wire.Checkpoint{}, fmt.Errorf("empty segment")
	}
	reward, err := sim.LookupReward(seg.Reward)
	if err != nil {
		return wire.Checkpoint{}, err
	}
	s := sim.NewSimulator(seg.Areas, seg.Environment, reward, seg.StartDatetime)
	history := trace.NewHistory(historyLimit)

	logrus.Infof("resuming simulation at %s (step %d, %d steps)", seg.StartDatetime.Format("2006-01-02 15:04"), seg.StartStep, seg.Steps())
	announced := false
	for !s.HasFinished() {
		train := !s.CurrentDatetime().Before(seg.TrainStartDatetime)
		if train && !announced {
			logrus.Infof("training from %s", s.CurrentDatetime().Format("2006-01-02 15:04"))
			announced = true
		}

		state := s.State().Vector()
		action := m.SelectAction(state)
		next, r, err := s.Step(action)
		if err != nil {
			return wire.Checkpoint{}, fmt.Errorf("step %d: %w", seg.StartStep+s.CurSteps(), err)
		}
		if train {
			m.RecordTransition(model.Transition{State: state, Action: action, NextState: next, Reward: r})
			m.Update()
		}
		history.Append(trace.Record{
			Step:     seg.StartStep + s.CurSteps(),
			Datetime: s.CurrentDatetime(),
			State:    s.LastState(),
			Reward:   r,
			Action:   action,
			Trained:  train,
		})
	}

	blob, err := m.MarshalBinary()
	if err != nil {
		return wire.Checkpoint{}, fmt.Errorf("encoding model: %w", err)
	}
	return wire.Checkpoint{
		Model:           blob,
		Areas:           s.Areas,
		CurrentDatetime: s.CurrentDatetime(),
		History:         history.Records(),
		DroppedHistory:  history.Dropped,
	}, nil
}
