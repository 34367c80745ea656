package nn

import (
	"fmt"
	"math"

	"github.com/Torrentov/hw4-nv/tensor"
)

// weightNorm reparameterizes a weight tensor as w = g * v / ||v||, with the
// norm taken per output channel (dimension 0). The trainable parameters are
// the direction v and the per-channel magnitude g.
type weightNorm struct {
	v *tensor.Tensor
	g *tensor.Tensor
}

// newWeightNorm wraps an initialized weight tensor. The magnitude g starts
// at the per-channel norm of the initial weight, so the effective weight is
// unchanged at construction time.
func newWeightNorm(initial *tensor.Tensor) (*weightNorm, error) {
	if len(initial.Shape) < 2 {
		return nil, fmt.Errorf("weight norm requires at least 2 dimensions, got shape %v", initial.Shape)
	}
	outChannels := initial.Shape[0]
	chanSize := initial.NumElems / outChannels

	gData := make([]float32, outChannels)
	for c := 0; c < outChannels; c++ {
		var sum float64
		for i := 0; i < chanSize; i++ {
			x := float64(initial.Data[c*chanSize+i])
			sum += x * x
		}
		gData[c] = float32(math.Sqrt(sum))
	}
	g, err := tensor.New([]int{outChannels}, gData)
	if err != nil {
		return nil, err
	}

	initial.SetRequiresGrad(true)
	g.SetRequiresGrad(true)
	return &weightNorm{v: initial, g: g}, nil
}

func (wn *weightNorm) parameters() []*tensor.Tensor {
	return []*tensor.Tensor{wn.v, wn.g}
}

// weight computes the effective weight tensor as an autograd node, so
// gradients flow back to v and g.
func (wn *weightNorm) weight() *tensor.Tensor {
	outChannels := wn.v.Shape[0]
	chanSize := wn.v.NumElems / outChannels

	norms := make([]float64, outChannels)
	for c := 0; c < outChannels; c++ {
		var sum float64
		for i := 0; i < chanSize; i++ {
			x := float64(wn.v.Data[c*chanSize+i])
			sum += x * x
		}
		norms[c] = math.Sqrt(sum) + 1e-12
	}

	outData := make([]float32, wn.v.NumElems)
	for c := 0; c < outChannels; c++ {
		scale := float64(wn.g.Data[c]) / norms[c]
		for i := 0; i < chanSize; i++ {
			outData[c*chanSize+i] = float32(scale * float64(wn.v.Data[c*chanSize+i]))
		}
	}
	out, err := tensor.New(append([]int(nil), wn.v.Shape...), outData)
	if err != nil {
		panic(fmt.Sprintf("weight norm output shape: %v", err))
	}

	op := &weightNormOp{v: wn.v, g: wn.g, norms: norms, chanSize: chanSize}
	tensor.Bind(out, op, wn.v.RequiresGrad() || wn.g.RequiresGrad())
	return out
}

type weightNormOp struct {
	v        *tensor.Tensor
	g        *tensor.Tensor
	norms    []float64
	chanSize int
}

func (op *weightNormOp) Inputs() []*tensor.Tensor {
	return []*tensor.Tensor{op.v, op.g}
}

func (op *weightNormOp) Backward(gradOut *tensor.Tensor) []*tensor.Tensor {
	outChannels := op.v.Shape[0]
	gradV := make([]float32, op.v.NumElems)
	gradG := make([]float32, outChannels)

	for c := 0; c < outChannels; c++ {
		norm := op.norms[c]
		gc := float64(op.g.Data[c])

		// dot = sum(gradOut_c * vhat_c)
		var dot float64
		for i := 0; i < op.chanSize; i++ {
			idx := c*op.chanSize + i
			dot += float64(gradOut.Data[idx]) * float64(op.v.Data[idx]) / norm
		}
		gradG[c] = float32(dot)

		// d w / d v for channel c: (g/||v||) * (I - vhat vhat^T)
		for i := 0; i < op.chanSize; i++ {
			idx := c*op.chanSize + i
			vhat := float64(op.v.Data[idx]) / norm
			gradV[idx] = float32(gc / norm * (float64(gradOut.Data[idx]) - dot*vhat))
		}
	}

	gv, _ := tensor.New(append([]int(nil), op.v.Shape...), gradV)
	gg, _ := tensor.New([]int{outChannels}, gradG)
	return []*tensor.Tensor{gv, gg}
}
