package tensor

import (
	"fmt"
	"math/rand"
)

// Package-level random source for deterministic weight initialization.
var globalRng = rand.New(rand.NewSource(1))

// SetSeed reseeds the random source used by RandomNormal.
func SetSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// New creates a tensor with the given shape. When data is nil a zeroed
// backing slice is allocated; otherwise its length must match the shape.
func New(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, numElems)
	} else if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}
	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		Data:     data,
		NumElems: numElems,
	}, nil
}

// Zeros creates a zero-filled tensor.
func Zeros(shape []int) (*Tensor, error) {
	return New(shape, nil)
}

// Ones creates a tensor filled with 1.
func Ones(shape []int) (*Tensor, error) {
	return Full(shape, 1)
}

// Full creates a tensor filled with value.
func Full(shape []int, value float32) (*Tensor, error) {
	t, err := New(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// FromScalar creates a one-element tensor holding value.
func FromScalar(value float32) *Tensor {
	t, _ := New([]int{1}, []float32{value})
	return t
}

// RandomNormal creates a tensor with elements drawn from N(mean, std^2).
func RandomNormal(shape []int, mean, std float32) (*Tensor, error) {
	t, err := New(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = float32(globalRng.NormFloat64())*std + mean
	}
	return t, nil
}

// Clone returns a deep copy of the tensor detached from the autograd graph.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:    append([]int(nil), t.Shape...),
		Strides:  append([]int(nil), t.Strides...),
		Data:     data,
		NumElems: t.NumElems,
	}
}

// SetData replaces the tensor contents in place.
func (t *Tensor) SetData(data []float32) error {
	if len(data) != t.NumElems {
		return fmt.Errorf("data length %d does not match tensor size %d", len(data), t.NumElems)
	}
	copy(t.Data, data)
	return nil
}
