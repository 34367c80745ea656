package tensor

import (
	"fmt"
	"math"
)

// Raw element-wise operations. These do not participate in the autograd
// graph; the optimizer and the op implementations build on them.

func checkShapesCompatible(a, b *Tensor) error {
	if !shapesEqual(a.Shape, b.Shape) {
		return fmt.Errorf("shape mismatch: %v vs %v", a.Shape, b.Shape)
	}
	return nil
}

// Add returns a + b element-wise.
func Add(a, b *Tensor) (*Tensor, error) {
	if err := checkShapesCompatible(a, b); err != nil {
		return nil, err
	}
	out, _ := New(a.Shape, nil)
	for i := range out.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return out, nil
}

// Sub returns a - b element-wise.
func Sub(a, b *Tensor) (*Tensor, error) {
	if err := checkShapesCompatible(a, b); err != nil {
		return nil, err
	}
	out, _ := New(a.Shape, nil)
	for i := range out.Data {
		out.Data[i] = a.Data[i] - b.Data[i]
	}
	return out, nil
}

// Mul returns a * b element-wise.
func Mul(a, b *Tensor) (*Tensor, error) {
	if err := checkShapesCompatible(a, b); err != nil {
		return nil, err
	}
	out, _ := New(a.Shape, nil)
	for i := range out.Data {
		out.Data[i] = a.Data[i] * b.Data[i]
	}
	return out, nil
}

// Scale returns t * s element-wise.
func Scale(t *Tensor, s float32) *Tensor {
	out, _ := New(t.Shape, nil)
	for i := range out.Data {
		out.Data[i] = t.Data[i] * s
	}
	return out
}

// IsFinite reports whether every element of the tensor is finite.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// Norm returns the L2 norm of the tensor's elements.
func (t *Tensor) Norm() float64 {
	var sum float64
	for _, v := range t.Data {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}
