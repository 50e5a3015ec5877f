// Package model defines the policy capability the worker trains and the
// coordinator averages. The round protocol treats a model as an opaque blob;
// only a Factory knows how to decode and merge it.
package model

import "errors"

// ErrArchitecture is returned when models of different shapes are combined.
var ErrArchitecture = errors.New("model architecture mismatch")

// Transition is one (s, a, s', r) tuple fed to a model during training.
type Transition struct {
	State     []float64
	Action    []float64
	NextState []float64
	Reward    []float64
}

// Model is a trainable control policy over flat state and action vectors.
type Model interface {
	// SelectAction returns an action vector in [-1, 1]^ActionDim for the state.
	SelectAction(state []float64) []float64
	// RecordTransition buffers one transition for the next Update.
	RecordTransition(t Transition)
	// Update performs one training step over the buffered transitions.
	Update()
	// MarshalBinary encodes the model into the blob exchanged on the wire.
	MarshalBinary() ([]byte, error)
}

// Factory creates, decodes and merges models of one architecture.
type Factory interface {
	New(stateDim, actionDim int, seed int64) Model
	Unmarshal(blob []byte) (Model, error)
	// CheckShape returns ErrArchitecture unless m maps stateDim inputs to
	// actionDim outputs with this factory's architecture.
	CheckShape(m Model, stateDim, actionDim int) error
	// Average returns the parameter-wise mean of models. All models must
	// share one architecture.
	Average(models []Model) (Model, error)
}

// AverageBlobs decodes every blob with f and returns the encoded average.
func AverageBlobs(f Factory, blobs [][]byte) ([]byte, error) {
	if len(blobs) == 0 {
		return nil, errors.New("no models to average")
	}
	models := make([]Model, len(blobs))
	for i, b := range blobs {
		m, err := f.Unmarshal(b)
		if err != nil {
			return nil, err
		}
		models[i] = m
	}
	avg, err := f.Average(models)
	if err != nil {
		return nil, err
	}
	return avg.MarshalBinary()
}
