package vocoder

import (
	"fmt"

	"github.com/Torrentov/hw4-nv/nn"
	"github.com/Torrentov/hw4-nv/tensor"
)

// Generator maps a mel-spectrogram [batch, n_mels, frames] to a waveform
// [batch, 1, frames*hop_length] via an upsampling ladder of transposed
// convolutions interleaved with MRF blocks.
type Generator struct {
	cfg      GeneratorConfig
	convPre  *nn.Conv1D
	stages   []*upsampleStage
	head     *nn.Sequential
	act      *nn.LeakyReLU
	training bool
}

type upsampleStage struct {
	up  *nn.ConvTranspose1D
	mrf *mrfBlock
}

// NewGenerator validates the config and builds the network. All failure
// modes surface as *ConfigError before any forward pass.
func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.LeakySlope == 0 {
		cfg.LeakySlope = 0.1
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	convPre, err := nn.NewConv1D(cfg.NumMels, cfg.Channels, 7, 1, 3,
		nn.Conv1DOptions{Bias: true, WeightNorm: cfg.WeightNorm})
	if err != nil {
		return nil, fmt.Errorf("generator conv_pre: %w", err)
	}

	g := &Generator{
		cfg:      cfg,
		convPre:  convPre,
		act:      nn.NewLeakyReLU(cfg.LeakySlope),
		training: true,
	}

	ch := cfg.Channels
	for i, kernel := range cfg.UpsampleKernelSizes {
		stride := kernel / 2
		padding := (kernel - stride) / 2
		up, err := nn.NewConvTranspose1D(ch, ch/2, kernel, stride, padding, true, cfg.WeightNorm)
		if err != nil {
			return nil, fmt.Errorf("generator upsample stage %d: %w", i, err)
		}
		mrf, err := newMRFBlock(ch/2, cfg)
		if err != nil {
			return nil, fmt.Errorf("generator mrf stage %d: %w", i, err)
		}
		g.stages = append(g.stages, &upsampleStage{up: up, mrf: mrf})
		ch /= 2
	}

	convPost, err := nn.NewConv1D(ch, 1, 7, 1, 3,
		nn.Conv1DOptions{Bias: true, WeightNorm: cfg.WeightNorm})
	if err != nil {
		return nil, fmt.Errorf("generator conv_post: %w", err)
	}
	g.head = nn.NewSequential(nn.NewLeakyReLU(cfg.LeakySlope), convPost, nn.NewTanh())
	return g, nil
}

// Config returns the generator's architecture config.
func (g *Generator) Config() GeneratorConfig { return g.cfg }

// Forward maps [batch, n_mels, frames] to [batch, 1, frames*hop].
func (g *Generator) Forward(mel *tensor.Tensor) (*tensor.Tensor, error) {
	if len(mel.Shape) != 3 || mel.Shape[1] != g.cfg.NumMels {
		return nil, fmt.Errorf("generator: expected input [batch, %d, frames], got shape %v",
			g.cfg.NumMels, mel.Shape)
	}

	x, err := g.convPre.Forward(mel)
	if err != nil {
		return nil, fmt.Errorf("generator conv_pre: %w", err)
	}
	for i, stage := range g.stages {
		x, _ = g.act.Forward(x)
		x, err = stage.up.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("generator upsample stage %d: %w", i, err)
		}
		x, err = stage.mrf.forward(x)
		if err != nil {
			return nil, fmt.Errorf("generator mrf stage %d: %w", i, err)
		}
	}
	x, err = g.head.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("generator head: %w", err)
	}
	return x, nil
}

// Generate runs a single mel-spectrogram [n_mels, frames] through the
// network and returns the flat waveform samples.
func (g *Generator) Generate(mel *tensor.Tensor) ([]float32, error) {
	if len(mel.Shape) != 2 {
		return nil, fmt.Errorf("generator: expected 2D mel [n_mels, frames], got shape %v", mel.Shape)
	}
	batched := tensor.ReshapeAutograd(mel, []int{1, mel.Shape[0], mel.Shape[1]})
	out, err := g.Forward(batched)
	if err != nil {
		return nil, err
	}
	return out.Detach().Data, nil
}

func (g *Generator) Parameters() []*tensor.Tensor {
	params := g.convPre.Parameters()
	for _, stage := range g.stages {
		params = append(params, stage.up.Parameters()...)
		params = append(params, stage.mrf.parameters()...)
	}
	return append(params, g.head.Parameters()...)
}

func (g *Generator) Train() {
	g.training = true
	g.head.Train()
}

func (g *Generator) Eval() {
	g.training = false
	g.head.Eval()
}

func (g *Generator) IsTraining() bool { return g.training }

// mrfBlock fuses parallel residual branches with different kernel sizes.
// Branch outputs are summed and, when normalize is set, divided by the
// branch count.
type mrfBlock struct {
	branches  []*resBlock
	normalize bool
}

func newMRFBlock(channels int, cfg GeneratorConfig) (*mrfBlock, error) {
	block := &mrfBlock{normalize: cfg.Normalize}
	for i, kernel := range cfg.MRFKernelSizes {
		branch, err := newResBlock(channels, kernel, cfg.MRFDilations[i], cfg.LeakySlope, cfg.WeightNorm)
		if err != nil {
			return nil, err
		}
		block.branches = append(block.branches, branch)
	}
	return block, nil
}

func (b *mrfBlock) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var sum *tensor.Tensor
	for _, branch := range b.branches {
		out, err := branch.forward(x)
		if err != nil {
			return nil, err
		}
		if sum == nil {
			sum = out
		} else {
			sum = tensor.AddAutograd(sum, out)
		}
	}
	if b.normalize {
		sum = tensor.ScaleAutograd(sum, 1/float32(len(b.branches)))
	}
	return sum, nil
}

func (b *mrfBlock) parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, branch := range b.branches {
		params = append(params, branch.parameters()...)
	}
	return params
}

// resBlock is one MRF branch: a stack of residual sub-blocks, each a chain
// of dilated convolutions with the branch's kernel size.
type resBlock struct {
	subBlocks [][]*nn.Conv1D
	act       *nn.LeakyReLU
}

func newResBlock(channels, kernel int, dilations [][]int, slope float32, weightNorm bool) (*resBlock, error) {
	rb := &resBlock{act: nn.NewLeakyReLU(slope)}
	for _, chain := range dilations {
		var convs []*nn.Conv1D
		for _, d := range chain {
			// Same-length padding for a dilated odd kernel.
			pad := d * (kernel - 1) / 2
			conv, err := nn.NewConv1D(channels, channels, kernel, 1, pad,
				nn.Conv1DOptions{Dilation: d, Bias: true, WeightNorm: weightNorm})
			if err != nil {
				return nil, err
			}
			convs = append(convs, conv)
		}
		rb.subBlocks = append(rb.subBlocks, convs)
	}
	return rb, nil
}

func (rb *resBlock) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	for _, chain := range rb.subBlocks {
		h := x
		for _, conv := range chain {
			h, _ = rb.act.Forward(h)
			var err error
			h, err = conv.Forward(h)
			if err != nil {
				return nil, err
			}
		}
		x = tensor.AddAutograd(x, h)
	}
	return x, nil
}

func (rb *resBlock) parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, chain := range rb.subBlocks {
		for _, conv := range chain {
			params = append(params, conv.Parameters()...)
		}
	}
	return params
}
