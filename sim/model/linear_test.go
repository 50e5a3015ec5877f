package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinearPolicy_SameSeedSameActions(t *testing.T) {
	a := NewLinearPolicy(4, 2, 7, LinearConfig{})
	b := NewLinearPolicy(4, 2, 7, LinearConfig{})
	state := []float64{20, 10, 0.3, 500}
	for i := 0; i < 5; i++ {
		assert.Equal(t, a.SelectAction(state), b.SelectAction(state))
	}
}

func TestLinearPolicy_ActionsWithinBounds(t *testing.T) {
	p := NewLinearPolicy(3, 3, 1, LinearConfig{Exploration: 5})
	for i := 0; i < 100; i++ {
		for _, v := range p.SelectAction([]float64{float64(i), -1, 1e6}) {
			if v < -1 || v > 1 {
				t.Fatalf("action %v outside [-1, 1]", v)
			}
		}
	}
}

func TestLinearPolicy_UpdateMovesTowardRewardedAction(t *testing.T) {
	// GIVEN a zero policy and a transition where +1 was rewarded
	p := NewLinearPolicy(1, 1, 3, LinearConfig{LearningRate: 0.1, Exploration: 0.5})
	for i := range p.Weights {
		p.Weights[i] = 0
	}
	state := []float64{1}
	p.RecordTransition(Transition{State: state, Action: []float64{1}, NextState: state, Reward: []float64{1}})

	// WHEN updated
	p.Update()

	// THEN the mean action increases and the buffer is drained
	assert.Greater(t, p.Mean(state)[0], 0.0)
	assert.Equal(t, 1, p.Updates)
	assert.Empty(t, p.pending)
	assert.InDelta(t, baselineRate, p.Baseline, 1e-12)
}

func TestLinearFactory_RoundTripKeepsBehavior(t *testing.T) {
	f := LinearFactory{}
	m := f.New(5, 2, 11)
	blob, err := m.MarshalBinary()
	require.NoError(t, err)

	decoded, err := f.Unmarshal(blob)
	require.NoError(t, err)

	state := []float64{1, 2, 3, 4, 5}
	assert.Equal(t, m.(*LinearPolicy).Mean(state), decoded.(*LinearPolicy).Mean(state))
	assert.Equal(t, DefaultLearningRate, decoded.(*LinearPolicy).Config.LearningRate)
}

func TestLinearFactory_Average(t *testing.T) {
	f := LinearFactory{}
	a := NewLinearPolicy(1, 1, 1, LinearConfig{})
	b := NewLinearPolicy(1, 1, 2, LinearConfig{})
	a.Weights = []float64{1, 3}
	b.Weights = []float64{3, -1}
	a.Baseline, b.Baseline = 1, 2

	avg, err := f.Average([]Model{a, b})
	require.NoError(t, err)
	p := avg.(*LinearPolicy)
	assert.Equal(t, []float64{2, 1}, p.Weights)
	assert.Equal(t, 1.5, p.Baseline)
	assert.Equal(t, int64(1), p.Seed)
	// inputs untouched
	assert.Equal(t, []float64{1, 3}, a.Weights)
}

func TestLinearFactory_AverageRejectsMismatchedShapes(t *testing.T) {
	f := LinearFactory{}
	_, err := f.Average([]Model{f.New(2, 1, 0), f.New(3, 1, 0)})
	assert.True(t, errors.Is(err, ErrArchitecture))
}

func TestLinearFactory_CheckShape(t *testing.T) {
	f := LinearFactory{}
	m := f.New(7, 2, 0)
	assert.NoError(t, f.CheckShape(m, 7, 2))
	assert.ErrorIs(t, f.CheckShape(m, 8, 2), ErrArchitecture)
	assert.ErrorIs(t, f.CheckShape(m, 7, 3), ErrArchitecture)
}

func TestLinearFactory_UnmarshalRejectsBadBlobs(t *testing.T) {
	f := LinearFactory{}
	for name, blob := range map[string]string{
		"not json":      "poison",
		"wrong weights": `{"state_dim":2,"action_dim":1,"weights":[1]}`,
	} {
		_, err := f.Unmarshal([]byte(blob))
		assert.Error(t, err, name)
	}
}

func TestAverageBlobs(t *testing.T) {
	f := LinearFactory{}
	a := NewLinearPolicy(0, 1, 0, LinearConfig{})
	b := NewLinearPolicy(0, 1, 0, LinearConfig{})
	a.Weights[0], b.Weights[0] = 10, 20
	ba, _ := a.MarshalBinary()
	bb, _ := b.MarshalBinary()

	blob, err := AverageBlobs(f, [][]byte{ba, bb})
	require.NoError(t, err)
	m, err := f.Unmarshal(blob)
	require.NoError(t, err)
	assert.Equal(t, []float64{15}, m.(*LinearPolicy).Weights)

	_, err = AverageBlobs(f, nil)
	assert.Error(t, err)
}

func TestLinearConfig_Validate(t *testing.T) {
	assert.NoError(t, LinearConfig{LearningRate: 0.1}.Validate())
	assert.Error(t, LinearConfig{LearningRate: -1}.Validate())
}
