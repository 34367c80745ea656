package training

import (
	"fmt"
	"math"

	"github.com/Torrentov/hw4-nv/tensor"
)

// Optimizer interface defines the methods that all optimizers must implement.
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
	State() *OptimizerState
	LoadState(state *OptimizerState) error
}

// OptimizerState is the serializable optimizer snapshot stored in
// checkpoints. Moment slices are indexed by parameter position, so loading
// requires the same parameter layout the state was saved from.
type OptimizerState struct {
	Type          string      `json:"type"`
	LR            float64     `json:"lr"`
	Step          int64       `json:"step"`
	FirstMoments  [][]float32 `json:"first_moments,omitempty"`
	SecondMoments [][]float32 `json:"second_moments,omitempty"`
}

// Adam implements the Adam optimizer over a fixed parameter list.
type Adam struct {
	parameters  []*tensor.Tensor
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int64
	m           [][]float32
	v           [][]float32
}

// AdamConfig holds the optimizer hyperparameters.
type AdamConfig struct {
	LR          float64 `json:"lr" mapstructure:"lr"`
	Beta1       float64 `json:"beta1" mapstructure:"beta1"`
	Beta2       float64 `json:"beta2" mapstructure:"beta2"`
	Eps         float64 `json:"eps" mapstructure:"eps"`
	WeightDecay float64 `json:"weight_decay" mapstructure:"weight_decay"`
}

// DefaultAdamConfig returns the reference vocoder training hyperparameters.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{LR: 2e-4, Beta1: 0.8, Beta2: 0.99, Eps: 1e-8}
}

// NewAdam creates an Adam optimizer for the given parameters.
func NewAdam(parameters []*tensor.Tensor, cfg AdamConfig) *Adam {
	if cfg.Beta1 == 0 {
		cfg.Beta1 = 0.9
	}
	if cfg.Beta2 == 0 {
		cfg.Beta2 = 0.999
	}
	if cfg.Eps == 0 {
		cfg.Eps = 1e-8
	}
	adam := &Adam{
		parameters:  parameters,
		lr:          cfg.LR,
		beta1:       cfg.Beta1,
		beta2:       cfg.Beta2,
		eps:         cfg.Eps,
		weightDecay: cfg.WeightDecay,
		m:           make([][]float32, len(parameters)),
		v:           make([][]float32, len(parameters)),
	}
	for i, p := range parameters {
		adam.m[i] = make([]float32, p.NumElems)
		adam.v[i] = make([]float32, p.NumElems)
	}
	return adam
}

// Step performs a single optimization step.
func (adam *Adam) Step() error {
	adam.step++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))

	for i, param := range adam.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}
		grad := param.Grad().Data
		m := adam.m[i]
		v := adam.v[i]

		for j := range param.Data {
			g := float64(grad[j])
			if adam.weightDecay > 0 {
				g += adam.weightDecay * float64(param.Data[j])
			}
			mj := adam.beta1*float64(m[j]) + (1-adam.beta1)*g
			vj := adam.beta2*float64(v[j]) + (1-adam.beta2)*g*g
			m[j] = float32(mj)
			v[j] = float32(vj)

			mHat := mj / bias1
			vHat := vj / bias2
			param.Data[j] -= float32(adam.lr * mHat / (math.Sqrt(vHat) + adam.eps))
		}
	}
	return nil
}

// ZeroGrad resets gradients to zero for all parameters.
func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

// GetLR returns the current learning rate.
func (adam *Adam) GetLR() float64 { return adam.lr }

// SetLR sets the learning rate.
func (adam *Adam) SetLR(lr float64) { adam.lr = lr }

// State snapshots the optimizer for checkpointing.
func (adam *Adam) State() *OptimizerState {
	s := &OptimizerState{
		Type:          "Adam",
		LR:            adam.lr,
		Step:          adam.step,
		FirstMoments:  make([][]float32, len(adam.m)),
		SecondMoments: make([][]float32, len(adam.v)),
	}
	for i := range adam.m {
		s.FirstMoments[i] = append([]float32(nil), adam.m[i]...)
		s.SecondMoments[i] = append([]float32(nil), adam.v[i]...)
	}
	return s
}

// LoadState restores a snapshot taken from an optimizer over the same
// parameter layout.
func (adam *Adam) LoadState(state *OptimizerState) error {
	if state.Type != "Adam" {
		return fmt.Errorf("optimizer state type %q, expected Adam", state.Type)
	}
	if len(state.FirstMoments) != len(adam.parameters) || len(state.SecondMoments) != len(adam.parameters) {
		return fmt.Errorf("optimizer state has %d moment slices for %d parameters",
			len(state.FirstMoments), len(adam.parameters))
	}
	for i, p := range adam.parameters {
		if len(state.FirstMoments[i]) != p.NumElems || len(state.SecondMoments[i]) != p.NumElems {
			return fmt.Errorf("moment slice %d has %d elements, parameter has %d",
				i, len(state.FirstMoments[i]), p.NumElems)
		}
	}
	adam.lr = state.LR
	adam.step = state.Step
	for i := range adam.parameters {
		copy(adam.m[i], state.FirstMoments[i])
		copy(adam.v[i], state.SecondMoments[i])
	}
	return nil
}
