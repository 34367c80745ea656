// Package nn provides neural network layers built on the tensor autograd
// engine. Layers implement the Module interface and compose via Sequential.
package nn

import (
	"fmt"

	"github.com/Torrentov/hw4-nv/tensor"
)

// Module defines methods that all neural network layers must implement.
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // Returns trainable parameters (tensors with requiresGrad=true)
	Train()                       // Sets module to training mode
	Eval()                        // Sets module to evaluation mode
	IsTraining() bool             // Returns true if in training mode
}

// Sequential chains modules, feeding each output into the next input.
type Sequential struct {
	modules  []Module
	training bool
}

// NewSequential creates a Sequential container from the given modules.
func NewSequential(modules ...Module) *Sequential {
	return &Sequential{modules: modules, training: true}
}

// Add appends a module to the chain.
func (s *Sequential) Add(m Module) {
	s.modules = append(s.modules, m)
}

// Modules returns the contained modules in order.
func (s *Sequential) Modules() []Module {
	return s.modules
}

func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out := input
	var err error
	for i, m := range s.modules {
		out, err = m.Forward(out)
		if err != nil {
			return nil, fmt.Errorf("sequential module %d: %w", i, err)
		}
	}
	return out, nil
}

func (s *Sequential) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, m := range s.modules {
		params = append(params, m.Parameters()...)
	}
	return params
}

func (s *Sequential) Train() {
	s.training = true
	for _, m := range s.modules {
		m.Train()
	}
}

func (s *Sequential) Eval() {
	s.training = false
	for _, m := range s.modules {
		m.Eval()
	}
}

func (s *Sequential) IsTraining() bool { return s.training }

// LeakyReLU applies the leaky rectified linear activation elementwise.
type LeakyReLU struct {
	slope    float32
	training bool
}

// NewLeakyReLU creates a LeakyReLU activation with the given negative slope.
func NewLeakyReLU(slope float32) *LeakyReLU {
	return &LeakyReLU{slope: slope, training: true}
}

func (l *LeakyReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.LeakyReLUAutograd(input, l.slope), nil
}

func (l *LeakyReLU) Parameters() []*tensor.Tensor { return nil }
func (l *LeakyReLU) Train() { l.training = true }
func (l *LeakyReLU) Eval() { l.training = false }
func (l *LeakyReLU) IsTraining() bool { return l.training }

// Tanh applies the hyperbolic tangent activation elementwise.
type Tanh struct {
	training bool
}

func NewTanh() *Tanh { return &Tanh{training: true} }

func (t *Tanh) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.TanhAutograd(input), nil
}

func (t *Tanh) Parameters() []*tensor.Tensor { return nil }
func (t *Tanh) Train() { t.training = true }
func (t *Tanh) Eval() { t.training = false }
func (t *Tanh) IsTraining() bool { return t.training }

// AvgPool1D averages over sliding windows along the last dimension.
// Padding positions count toward the divisor.
type AvgPool1D struct {
	kernelSize int
	stride     int
	padding    int
	training   bool
}

func NewAvgPool1D(kernelSize, stride, padding int) *AvgPool1D {
	return &AvgPool1D{kernelSize: kernelSize, stride: stride, padding: padding, training: true}
}

func (p *AvgPool1D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.AvgPool1D(input, p.kernelSize, p.stride, p.padding)
}

func (p *AvgPool1D) Parameters() []*tensor.Tensor { return nil }
func (p *AvgPool1D) Train() { p.training = true }
func (p *AvgPool1D) Eval() { p.training = false }
func (p *AvgPool1D) IsTraining() bool { return p.training }
