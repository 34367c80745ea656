package nn

import (
	"fmt"

	"github.com/Torrentov/hw4-nv/tensor"
)

const initStd = 0.01

// Conv1D implements a 1D convolution layer over [batch, channels, time] input.
type Conv1D struct {
	weight   *tensor.Tensor // [outChannels, inChannels/groups, kernelSize]
	bias     *tensor.Tensor
	wn       *weightNorm
	stride   int
	padding  int
	dilation int
	groups   int
	training bool
}

// Conv1DOptions configures optional Conv1D behavior.
type Conv1DOptions struct {
	Dilation   int // defaults to 1
	Groups     int // defaults to 1
	Bias       bool
	WeightNorm bool
}

// NewConv1D creates a 1D convolution layer. Weights are initialized from a
// normal distribution with a small standard deviation.
func NewConv1D(inChannels, outChannels, kernelSize, stride, padding int, opts Conv1DOptions) (*Conv1D, error) {
	if opts.Dilation == 0 {
		opts.Dilation = 1
	}
	if opts.Groups == 0 {
		opts.Groups = 1
	}
	if inChannels%opts.Groups != 0 || outChannels%opts.Groups != 0 {
		return nil, fmt.Errorf("conv1d: channels (%d in, %d out) not divisible by groups %d", inChannels, outChannels, opts.Groups)
	}

	weight, err := tensor.RandomNormal([]int{outChannels, inChannels / opts.Groups, kernelSize}, 0, initStd)
	if err != nil {
		return nil, fmt.Errorf("conv1d weight: %w", err)
	}

	c := &Conv1D{
		stride:   stride,
		padding:  padding,
		dilation: opts.Dilation,
		groups:   opts.Groups,
		training: true,
	}

	if opts.WeightNorm {
		c.wn, err = newWeightNorm(weight)
		if err != nil {
			return nil, fmt.Errorf("conv1d weight norm: %w", err)
		}
	} else {
		weight.SetRequiresGrad(true)
		c.weight = weight
	}

	if opts.Bias {
		bias, err := tensor.Zeros([]int{outChannels})
		if err != nil {
			return nil, fmt.Errorf("conv1d bias: %w", err)
		}
		bias.SetRequiresGrad(true)
		c.bias = bias
	}

	return c, nil
}

func (c *Conv1D) effectiveWeight() *tensor.Tensor {
	if c.wn != nil {
		return c.wn.weight()
	}
	return c.weight
}

func (c *Conv1D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Conv1D(input, c.effectiveWeight(), c.bias, c.stride, c.padding, c.dilation, c.groups)
}

func (c *Conv1D) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	if c.wn != nil {
		params = append(params, c.wn.parameters()...)
	} else {
		params = append(params, c.weight)
	}
	if c.bias != nil {
		params = append(params, c.bias)
	}
	return params
}

func (c *Conv1D) Train() { c.training = true }
func (c *Conv1D) Eval() { c.training = false }
func (c *Conv1D) IsTraining() bool { return c.training }

// ConvTranspose1D implements a transposed 1D convolution, used for
// upsampling along the time axis.
type ConvTranspose1D struct {
	weight   *tensor.Tensor // [inChannels, outChannels, kernelSize]
	bias     *tensor.Tensor
	wn       *weightNorm
	stride   int
	padding  int
	training bool
}

// NewConvTranspose1D creates a transposed convolution layer. With
// kernelSize = 2*stride and padding = stride/2 the output length is exactly
// stride times the input length.
func NewConvTranspose1D(inChannels, outChannels, kernelSize, stride, padding int, bias, weightNormed bool) (*ConvTranspose1D, error) {
	weight, err := tensor.RandomNormal([]int{inChannels, outChannels, kernelSize}, 0, initStd)
	if err != nil {
		return nil, fmt.Errorf("conv_transpose1d weight: %w", err)
	}

	c := &ConvTranspose1D{
		stride:   stride,
		padding:  padding,
		training: true,
	}

	if weightNormed {
		c.wn, err = newWeightNorm(weight)
		if err != nil {
			return nil, fmt.Errorf("conv_transpose1d weight norm: %w", err)
		}
	} else {
		weight.SetRequiresGrad(true)
		c.weight = weight
	}

	if bias {
		b, err := tensor.Zeros([]int{outChannels})
		if err != nil {
			return nil, fmt.Errorf("conv_transpose1d bias: %w", err)
		}
		b.SetRequiresGrad(true)
		c.bias = b
	}

	return c, nil
}

func (c *ConvTranspose1D) effectiveWeight() *tensor.Tensor {
	if c.wn != nil {
		return c.wn.weight()
	}
	return c.weight
}

func (c *ConvTranspose1D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ConvTranspose1D(input, c.effectiveWeight(), c.bias, c.stride, c.padding)
}

func (c *ConvTranspose1D) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	if c.wn != nil {
		params = append(params, c.wn.parameters()...)
	} else {
		params = append(params, c.weight)
	}
	if c.bias != nil {
		params = append(params, c.bias)
	}
	return params
}

func (c *ConvTranspose1D) Train() { c.training = true }
func (c *ConvTranspose1D) Eval() { c.training = false }
func (c *ConvTranspose1D) IsTraining() bool { return c.training }

// Conv2D implements a 2D convolution layer over [batch, channels, H, W] input.
type Conv2D struct {
	weight   *tensor.Tensor // [outChannels, inChannels, kernelH, kernelW]
	bias     *tensor.Tensor
	wn       *weightNorm
	strideH  int
	strideW  int
	paddingH int
	paddingW int
	training bool
}

// NewConv2D creates a 2D convolution layer.
func NewConv2D(inChannels, outChannels, kernelH, kernelW, strideH, strideW, paddingH, paddingW int, bias, weightNormed bool) (*Conv2D, error) {
	weight, err := tensor.RandomNormal([]int{outChannels, inChannels, kernelH, kernelW}, 0, initStd)
	if err != nil {
		return nil, fmt.Errorf("conv2d weight: %w", err)
	}

	c := &Conv2D{
		strideH:  strideH,
		strideW:  strideW,
		paddingH: paddingH,
		paddingW: paddingW,
		training: true,
	}

	if weightNormed {
		c.wn, err = newWeightNorm(weight)
		if err != nil {
			return nil, fmt.Errorf("conv2d weight norm: %w", err)
		}
	} else {
		weight.SetRequiresGrad(true)
		c.weight = weight
	}

	if bias {
		b, err := tensor.Zeros([]int{outChannels})
		if err != nil {
			return nil, fmt.Errorf("conv2d bias: %w", err)
		}
		b.SetRequiresGrad(true)
		c.bias = b
	}

	return c, nil
}

func (c *Conv2D) effectiveWeight() *tensor.Tensor {
	if c.wn != nil {
		return c.wn.weight()
	}
	return c.weight
}

func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Conv2D(input, c.effectiveWeight(), c.bias, c.strideH, c.strideW, c.paddingH, c.paddingW)
}

func (c *Conv2D) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	if c.wn != nil {
		params = append(params, c.wn.parameters()...)
	} else {
		params = append(params, c.weight)
	}
	if c.bias != nil {
		params = append(params, c.bias)
	}
	return params
}

func (c *Conv2D) Train() { c.training = true }
func (c *Conv2D) Eval() { c.training = false }
func (c *Conv2D) IsTraining() bool { return c.training }
