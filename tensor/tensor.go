// Package tensor implements a small CPU tensor engine with define-by-run
// automatic differentiation. Every differentiable operation records itself
// as the creator of its output; Backward walks the creator graph in reverse
// topological order and accumulates gradients into the leaf tensors.
package tensor

import (
	"fmt"
)

// Operation is the node type of the autograd graph. Inputs returns the
// tensors the operation consumed during the forward pass; Backward maps the
// gradient of the output onto a gradient per input, in the same order.
type Operation interface {
	Inputs() []*Tensor
	Backward(gradOut *Tensor) []*Tensor
}

// Tensor is a dense float32 array with shape metadata and optional autograd
// bookkeeping. Data is stored in row-major order.
type Tensor struct {
	Shape    []int
	Strides  []int
	Data     []float32
	NumElems int

	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, t.NumElems)
}

// RequiresGrad reports whether gradients are accumulated into this tensor.
func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

// SetRequiresGrad marks the tensor as a gradient sink (a learnable leaf).
func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

// Grad returns the accumulated gradient, or nil if none has been computed.
func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// Creator returns the operation that produced this tensor, or nil for leaves.
func (t *Tensor) Creator() Operation {
	return t.creator
}

// Bind attaches op as the creator of result. Custom operations outside this
// package (convolutions in nn, the differentiable mel transform) use Bind to
// join the autograd graph.
func Bind(result *Tensor, op Operation, requiresGrad bool) {
	result.creator = op
	result.requiresGrad = requiresGrad
}

// Detach returns a tensor sharing this tensor's data but severed from the
// autograd graph. Used to stop gradients at the generator output during the
// discriminator phase.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:    append([]int(nil), t.Shape...),
		Strides:  append([]int(nil), t.Strides...),
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

// Item returns the single element of a scalar tensor.
func (t *Tensor) Item() (float32, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("Item requires a scalar tensor, got shape %v", t.Shape)
	}
	return t.Data[0], nil
}

// At returns the element at the given coordinates.
func (t *Tensor) At(indices ...int) (float32, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	idx := 0
	for i, coord := range indices {
		if coord < 0 || coord >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of range for dimension %d (size %d)", coord, i, t.Shape[i])
		}
		idx += coord * t.Strides[i]
	}
	return t.Data[idx], nil
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
