package tensor

import (
	"fmt"
	"math"
)

// Element-wise and reduction operations that participate in the autograd
// graph. Forward methods panic on shape errors; the model layers validate
// shapes before dispatching here.

// AddOp implements element-wise addition.
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Forward(inputs ...*Tensor) *Tensor {
	a, b := inputs[0], inputs[1]
	op.inputs = inputs
	result, err := Add(a, b)
	if err != nil {
		panic(fmt.Sprintf("AddOp forward failed: %v", err))
	}
	Bind(result, op, a.requiresGrad || b.requiresGrad)
	return result
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

func (op *AddOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{gradOut.Clone(), gradOut.Clone()}
}

// SubOp implements element-wise subtraction.
type SubOp struct {
	inputs []*Tensor
}

func (op *SubOp) Forward(inputs ...*Tensor) *Tensor {
	a, b := inputs[0], inputs[1]
	op.inputs = inputs
	result, err := Sub(a, b)
	if err != nil {
		panic(fmt.Sprintf("SubOp forward failed: %v", err))
	}
	Bind(result, op, a.requiresGrad || b.requiresGrad)
	return result
}

func (op *SubOp) Inputs() []*Tensor { return op.inputs }

func (op *SubOp) Backward(gradOut *Tensor) []*Tensor {
	gradB := Scale(gradOut, -1)
	return []*Tensor{gradOut.Clone(), gradB}
}

// MulOp implements element-wise multiplication.
type MulOp struct {
	inputs []*Tensor
}

func (op *MulOp) Forward(inputs ...*Tensor) *Tensor {
	a, b := inputs[0], inputs[1]
	op.inputs = inputs
	result, err := Mul(a, b)
	if err != nil {
		panic(fmt.Sprintf("MulOp forward failed: %v", err))
	}
	Bind(result, op, a.requiresGrad || b.requiresGrad)
	return result
}

func (op *MulOp) Inputs() []*Tensor { return op.inputs }

func (op *MulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	gradA, _ := Mul(gradOut, b)
	gradB, _ := Mul(gradOut, a)
	return []*Tensor{gradA, gradB}
}

// ScaleOp multiplies by a constant.
type ScaleOp struct {
	inputs []*Tensor
	factor float32
}

func (op *ScaleOp) Forward(factor float32, inputs ...*Tensor) *Tensor {
	a := inputs[0]
	op.inputs = inputs
	op.factor = factor
	result := Scale(a, factor)
	Bind(result, op, a.requiresGrad)
	return result
}

func (op *ScaleOp) Inputs() []*Tensor { return op.inputs }

func (op *ScaleOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{Scale(gradOut, op.factor)}
}

// AddScalarOp adds a constant.
type AddScalarOp struct {
	inputs []*Tensor
}

func (op *AddScalarOp) Forward(c float32, inputs ...*Tensor) *Tensor {
	a := inputs[0]
	op.inputs = inputs
	result, _ := New(a.Shape, nil)
	for i := range result.Data {
		result.Data[i] = a.Data[i] + c
	}
	Bind(result, op, a.requiresGrad)
	return result
}

func (op *AddScalarOp) Inputs() []*Tensor { return op.inputs }

func (op *AddScalarOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{gradOut.Clone()}
}

// TanhOp implements the tanh activation.
type TanhOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *TanhOp) Forward(inputs ...*Tensor) *Tensor {
	a := inputs[0]
	op.inputs = inputs
	result, _ := New(a.Shape, nil)
	for i := range result.Data {
		result.Data[i] = float32(math.Tanh(float64(a.Data[i])))
	}
	op.output = result
	Bind(result, op, a.requiresGrad)
	return result
}

func (op *TanhOp) Inputs() []*Tensor { return op.inputs }

func (op *TanhOp) Backward(gradOut *Tensor) []*Tensor {
	// d tanh(x)/dx = 1 - tanh(x)^2
	grad, _ := New(gradOut.Shape, nil)
	out := op.output.Data
	for i := range grad.Data {
		grad.Data[i] = gradOut.Data[i] * (1 - out[i]*out[i])
	}
	return []*Tensor{grad}
}

// LeakyReLUOp implements the leaky rectifier activation.
type LeakyReLUOp struct {
	inputs []*Tensor
	slope  float32
}

func (op *LeakyReLUOp) Forward(slope float32, inputs ...*Tensor) *Tensor {
	a := inputs[0]
	op.inputs = inputs
	op.slope = slope
	result, _ := New(a.Shape, nil)
	for i, v := range a.Data {
		if v >= 0 {
			result.Data[i] = v
		} else {
			result.Data[i] = slope * v
		}
	}
	Bind(result, op, a.requiresGrad)
	return result
}

func (op *LeakyReLUOp) Inputs() []*Tensor { return op.inputs }

func (op *LeakyReLUOp) Backward(gradOut *Tensor) []*Tensor {
	a := op.inputs[0]
	grad, _ := New(gradOut.Shape, nil)
	for i := range grad.Data {
		if a.Data[i] >= 0 {
			grad.Data[i] = gradOut.Data[i]
		} else {
			grad.Data[i] = gradOut.Data[i] * op.slope
		}
	}
	return []*Tensor{grad}
}

// MeanOp reduces a tensor to the mean of all its elements.
type MeanOp struct {
	inputs []*Tensor
}

func (op *MeanOp) Forward(inputs ...*Tensor) *Tensor {
	a := inputs[0]
	op.inputs = inputs
	var sum float64
	for _, v := range a.Data {
		sum += float64(v)
	}
	result := FromScalar(float32(sum / float64(a.NumElems)))
	Bind(result, op, a.requiresGrad)
	return result
}

func (op *MeanOp) Inputs() []*Tensor { return op.inputs }

func (op *MeanOp) Backward(gradOut *Tensor) []*Tensor {
	a := op.inputs[0]
	g := gradOut.Data[0] / float32(a.NumElems)
	grad, _ := New(a.Shape, nil)
	for i := range grad.Data {
		grad.Data[i] = g
	}
	return []*Tensor{grad}
}

// AbsOp implements element-wise absolute value.
type AbsOp struct {
	inputs []*Tensor
}

func (op *AbsOp) Forward(inputs ...*Tensor) *Tensor {
	a := inputs[0]
	op.inputs = inputs
	result, _ := New(a.Shape, nil)
	for i, v := range a.Data {
		if v < 0 {
			v = -v
		}
		result.Data[i] = v
	}
	Bind(result, op, a.requiresGrad)
	return result
}

func (op *AbsOp) Inputs() []*Tensor { return op.inputs }

func (op *AbsOp) Backward(gradOut *Tensor) []*Tensor {
	a := op.inputs[0]
	grad, _ := New(gradOut.Shape, nil)
	for i := range grad.Data {
		switch {
		case a.Data[i] > 0:
			grad.Data[i] = gradOut.Data[i]
		case a.Data[i] < 0:
			grad.Data[i] = -gradOut.Data[i]
		}
	}
	return []*Tensor{grad}
}

// ReshapeOp changes the shape without touching data.
type ReshapeOp struct {
	inputs []*Tensor
}

func (op *ReshapeOp) Forward(shape []int, inputs ...*Tensor) *Tensor {
	a := inputs[0]
	op.inputs = inputs
	if calculateNumElements(shape) != a.NumElems {
		panic(fmt.Sprintf("ReshapeOp: cannot reshape %v to %v", a.Shape, shape))
	}
	result := &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		Data:     a.Data,
		NumElems: a.NumElems,
	}
	Bind(result, op, a.requiresGrad)
	return result
}

func (op *ReshapeOp) Inputs() []*Tensor { return op.inputs }

func (op *ReshapeOp) Backward(gradOut *Tensor) []*Tensor {
	a := op.inputs[0]
	grad := gradOut.Clone()
	grad.Shape = append([]int(nil), a.Shape...)
	grad.Strides = calculateStrides(a.Shape)
	return []*Tensor{grad}
}

// PadMode selects how Pad1D fills the margins.
type PadMode int

const (
	PadConstant PadMode = iota
	PadReflect
)

// Pad1DOp pads the last dimension.
type Pad1DOp struct {
	inputs      []*Tensor
	left, right int
	mode        PadMode
}

func (op *Pad1DOp) Forward(left, right int, mode PadMode, inputs ...*Tensor) *Tensor {
	a := inputs[0]
	op.inputs = inputs
	op.left, op.right, op.mode = left, right, mode

	dims := len(a.Shape)
	tIn := a.Shape[dims-1]
	tOut := tIn + left + right
	outShape := append(append([]int(nil), a.Shape[:dims-1]...), tOut)
	result, _ := New(outShape, nil)

	rows := a.NumElems / tIn
	for r := 0; r < rows; r++ {
		in := a.Data[r*tIn : (r+1)*tIn]
		out := result.Data[r*tOut : (r+1)*tOut]
		copy(out[left:left+tIn], in)
		switch mode {
		case PadReflect:
			for i := 0; i < left; i++ {
				out[left-1-i] = in[i+1]
			}
			for i := 0; i < right; i++ {
				out[left+tIn+i] = in[tIn-2-i]
			}
		}
	}
	Bind(result, op, a.requiresGrad)
	return result
}

func (op *Pad1DOp) Inputs() []*Tensor { return op.inputs }

func (op *Pad1DOp) Backward(gradOut *Tensor) []*Tensor {
	a := op.inputs[0]
	dims := len(a.Shape)
	tIn := a.Shape[dims-1]
	tOut := tIn + op.left + op.right
	grad, _ := New(a.Shape, nil)

	rows := a.NumElems / tIn
	for r := 0; r < rows; r++ {
		gOut := gradOut.Data[r*tOut : (r+1)*tOut]
		gIn := grad.Data[r*tIn : (r+1)*tIn]
		for i := 0; i < tIn; i++ {
			gIn[i] += gOut[op.left+i]
		}
		if op.mode == PadReflect {
			for i := 0; i < op.left; i++ {
				gIn[i+1] += gOut[op.left-1-i]
			}
			for i := 0; i < op.right; i++ {
				gIn[tIn-2-i] += gOut[op.left+tIn+i]
			}
		}
	}
	return []*Tensor{grad}
}

// Autograd entry points.

// AddAutograd adds two tensors, recording the operation.
func AddAutograd(a, b *Tensor) *Tensor { return (&AddOp{}).Forward(a, b) }

// SubAutograd subtracts b from a, recording the operation.
func SubAutograd(a, b *Tensor) *Tensor { return (&SubOp{}).Forward(a, b) }

// MulAutograd multiplies two tensors, recording the operation.
func MulAutograd(a, b *Tensor) *Tensor { return (&MulOp{}).Forward(a, b) }

// ScaleAutograd multiplies by a constant, recording the operation.
func ScaleAutograd(a *Tensor, factor float32) *Tensor {
	return (&ScaleOp{}).Forward(factor, a)
}

// AddScalarAutograd adds a constant, recording the operation.
func AddScalarAutograd(a *Tensor, c float32) *Tensor {
	return (&AddScalarOp{}).Forward(c, a)
}

// TanhAutograd applies tanh, recording the operation.
func TanhAutograd(a *Tensor) *Tensor { return (&TanhOp{}).Forward(a) }

// LeakyReLUAutograd applies a leaky rectifier, recording the operation.
func LeakyReLUAutograd(a *Tensor, slope float32) *Tensor {
	return (&LeakyReLUOp{}).Forward(slope, a)
}

// MeanAutograd reduces to the mean of all elements, recording the operation.
func MeanAutograd(a *Tensor) *Tensor { return (&MeanOp{}).Forward(a) }

// AbsAutograd applies element-wise absolute value, recording the operation.
func AbsAutograd(a *Tensor) *Tensor { return (&AbsOp{}).Forward(a) }

// ReshapeAutograd reshapes the tensor, recording the operation.
func ReshapeAutograd(a *Tensor, shape []int) *Tensor {
	return (&ReshapeOp{}).Forward(shape, a)
}

// Pad1DAutograd pads the last dimension, recording the operation.
func Pad1DAutograd(a *Tensor, left, right int, mode PadMode) *Tensor {
	return (&Pad1DOp{}).Forward(left, right, mode, a)
}

// SquareMeanAutograd computes mean(x^2), the least-squares building block.
func SquareMeanAutograd(a *Tensor) *Tensor {
	return MeanAutograd(MulAutograd(a, a))
}

// L1Autograd computes mean(|a - b|).
func L1Autograd(a, b *Tensor) *Tensor {
	return MeanAutograd(AbsAutograd(SubAutograd(a, b)))
}
