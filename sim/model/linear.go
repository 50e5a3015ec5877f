package model

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// Defaults for LinearConfig fields left at zero.
const (
	DefaultLearningRate = 0.01
	DefaultExploration  = 0.1
	// baselineRate is the step size of the running reward baseline.
	baselineRate = 0.01
	// gradientClip bounds every weight update component.
	gradientClip = 1.0
)

// LinearConfig holds the hyperparameters of LinearPolicy.
type LinearConfig struct {
	LearningRate float64 `yaml:"learning_rate" json:"learning_rate"`
	Exploration  float64 `yaml:"exploration" json:"exploration"`
}

func (c LinearConfig) withDefaults() LinearConfig {
	if c.LearningRate == 0 {
		c.LearningRate = DefaultLearningRate
	}
	if c.Exploration == 0 {
		c.Exploration = DefaultExploration
	}
	return c
}

// Validate rejects negative or non-finite hyperparameters.
func (c LinearConfig) Validate() error {
	for name, v := range map[string]float64{"learning_rate": c.LearningRate, "exploration": c.Exploration} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("model.%s must be a finite non-negative number, got %v", name, v)
		}
	}
	return nil
}

// LinearPolicy is a Gaussian policy whose mean is tanh of a linear function of
// the soft-signed state. It learns with a REINFORCE-style update against a
// running reward baseline.
type LinearPolicy struct {
	StateDim  int `json:"state_dim"`
	ActionDim int `json:"action_dim"`
	// Weights is ActionDim rows of StateDim+1 columns, row-major; the last
	// column of each row is the bias.
	Weights  []float64    `json:"weights"`
	Baseline float64      `json:"baseline"`
	Updates  int          `json:"updates"`
	Seed     int64        `json:"seed"`
	Config   LinearConfig `json:"config"`

	rng     *rand.Rand
	pending []Transition
}

// NewLinearPolicy creates a policy with small random weights drawn from seed.
func NewLinearPolicy(stateDim, actionDim int, seed int64, cfg LinearConfig) *LinearPolicy {
	if stateDim < 0 || actionDim < 0 {
		panic(fmt.Sprintf("NewLinearPolicy: negative dimensions %dx%d", actionDim, stateDim))
	}
	p := &LinearPolicy{
		StateDim:  stateDim,
		ActionDim: actionDim,
		Weights:   make([]float64, actionDim*(stateDim+1)),
		Seed:      seed,
		Config:    cfg.withDefaults(),
	}
	p.reseed()
	for i := range p.Weights {
		p.Weights[i] = p.rng.NormFloat64() * 0.01
	}
	return p
}

// reseed derives the exploration stream from the seed and the update count,
// so a decoded policy continues deterministically.
func (p *LinearPolicy) reseed() {
	p.rng = rand.New(rand.NewSource(p.Seed + int64(p.Updates)))
}

func (p *LinearPolicy) row(i int) []float64 {
	n := p.StateDim + 1
	return p.Weights[i*n : (i+1)*n]
}

// features soft-signs the state into (-1, 1) and appends the bias input.
func (p *LinearPolicy) features(state []float64) []float64 {
	x := make([]float64, p.StateDim+1)
	for j := 0; j < p.StateDim && j < len(state); j++ {
		x[j] = state[j] / (1 + math.Abs(state[j]))
	}
	x[p.StateDim] = 1
	return x
}

// Mean returns the deterministic action for state.
func (p *LinearPolicy) Mean(state []float64) []float64 {
	x := p.features(state)
	mu := make([]float64, p.ActionDim)
	for i := range mu {
		mu[i] = math.Tanh(floats.Dot(p.row(i), x))
	}
	return mu
}

func (p *LinearPolicy) SelectAction(state []float64) []float64 {
	a := p.Mean(state)
	for i := range a {
		a[i] = clamp(a[i]+p.rng.NormFloat64()*p.Config.Exploration, -1, 1)
	}
	return a
}

func (p *LinearPolicy) RecordTransition(t Transition) {
	p.pending = append(p.pending, t)
}

// Update applies one clipped policy-gradient step per buffered transition.
func (p *LinearPolicy) Update() {
	sigma2 := math.Max(p.Config.Exploration*p.Config.Exploration, 1e-6)
	grad := make([]float64, p.StateDim+1)
	for _, t := range p.pending {
		r := floats.Sum(t.Reward)
		advantage := r - p.Baseline
		p.Baseline += baselineRate * (r - p.Baseline)

		x := p.features(t.State)
		mu := p.Mean(t.State)
		for i := 0; i < p.ActionDim && i < len(t.Action); i++ {
			// d log N(a; tanh(w·x), σ²) / dw = (a-μ)/σ² · (1-μ²) · x
			scale := p.Config.LearningRate * advantage * (t.Action[i] - mu[i]) / sigma2 * (1 - mu[i]*mu[i])
			copy(grad, x)
			floats.Scale(scale, grad)
			for j := range grad {
				grad[j] = clamp(grad[j], -gradientClip, gradientClip)
			}
			floats.Add(p.row(i), grad)
		}
		p.Updates++
	}
	p.pending = p.pending[:0]
}

func (p *LinearPolicy) MarshalBinary() ([]byte, error) {
	return json.Marshal(p)
}

func (p *LinearPolicy) String() string {
	return fmt.Sprintf("LinearPolicy(%dx%d, updates=%d, baseline=%.3f)", p.ActionDim, p.StateDim, p.Updates, p.Baseline)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

// LinearFactory builds LinearPolicy models sharing one configuration.
type LinearFactory struct {
	Config LinearConfig
}

func (f LinearFactory) New(stateDim, actionDim int, seed int64) Model {
	return NewLinearPolicy(stateDim, actionDim, seed, f.Config)
}

func (f LinearFactory) Unmarshal(blob []byte) (Model, error) {
	var p LinearPolicy
	if err := json.Unmarshal(blob, &p); err != nil {
		return nil, fmt.Errorf("decoding linear policy: %w", err)
	}
	if p.StateDim < 0 || p.ActionDim < 0 || len(p.Weights) != p.ActionDim*(p.StateDim+1) {
		return nil, fmt.Errorf("%w: %d weights for %dx%d policy", ErrArchitecture, len(p.Weights), p.ActionDim, p.StateDim)
	}
	for _, w := range p.Weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("decoding linear policy: non-finite weight %v", w)
		}
	}
	p.Config = p.Config.withDefaults()
	p.reseed()
	return &p, nil
}

func (f LinearFactory) CheckShape(m Model, stateDim, actionDim int) error {
	p, ok := m.(*LinearPolicy)
	if !ok {
		return fmt.Errorf("%w: %T is not a linear policy", ErrArchitecture, m)
	}
	if p.StateDim != stateDim || p.ActionDim != actionDim {
		return fmt.Errorf("%w: %dx%d policy, want %dx%d", ErrArchitecture, p.ActionDim, p.StateDim, actionDim, stateDim)
	}
	return nil
}

// Average returns the parameter-wise mean. The seed, configuration and update
// count of the first model are kept.
func (f LinearFactory) Average(models []Model) (Model, error) {
	if len(models) == 0 {
		return nil, fmt.Errorf("no models to average")
	}
	first, ok := models[0].(*LinearPolicy)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a linear policy", ErrArchitecture, models[0])
	}
	out := &LinearPolicy{
		StateDim:  first.StateDim,
		ActionDim: first.ActionDim,
		Weights:   make([]float64, len(first.Weights)),
		Seed:      first.Seed,
		Config:    first.Config,
	}
	for _, m := range models {
		p, ok := m.(*LinearPolicy)
		if !ok {
			return nil, fmt.Errorf("%w: %T is not a linear policy", ErrArchitecture, m)
		}
		if p.StateDim != out.StateDim || p.ActionDim != out.ActionDim {
			return nil, fmt.Errorf("%w: %dx%d vs %dx%d", ErrArchitecture, p.ActionDim, p.StateDim, out.ActionDim, out.StateDim)
		}
		floats.Add(out.Weights, p.Weights)
		out.Baseline += p.Baseline
		out.Updates = max(out.Updates, p.Updates)
	}
	n := float64(len(models))
	floats.Scale(1/n, out.Weights)
	out.Baseline /= n
	out.reseed()
	return out, nil
}
