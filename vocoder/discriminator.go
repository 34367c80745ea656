package vocoder

import (
	"fmt"

	"github.com/Torrentov/hw4-nv/nn"
	"github.com/Torrentov/hw4-nv/tensor"
)

// ScoredFeatures is the output of one sub-discriminator: the unnormalized
// score map plus the intermediate activations collected for the
// feature-matching loss.
type ScoredFeatures struct {
	Score    *tensor.Tensor
	Features []*tensor.Tensor
}

// Discriminator is the common contract of both ensembles: one
// (score, feature maps) tuple per sub-discriminator.
type Discriminator interface {
	Discriminate(wave *tensor.Tensor) ([]ScoredFeatures, error)
	Parameters() []*tensor.Tensor
}

// periodDiscriminator views the waveform as a 2D grid of shape [T/p, p] and
// applies strided 2D convolutions down the time axis.
type periodDiscriminator struct {
	period int
	convs  []*nn.Conv2D
	post   *nn.Conv2D
	act    *nn.LeakyReLU
}

func newPeriodDiscriminator(period int, channels []int, weightNorm bool) (*periodDiscriminator, error) {
	d := &periodDiscriminator{period: period, act: nn.NewLeakyReLU(0.1)}

	in := 1
	for _, out := range channels {
		conv, err := nn.NewConv2D(in, out, 5, 1, 3, 1, 2, 0, true, weightNorm)
		if err != nil {
			return nil, err
		}
		d.convs = append(d.convs, conv)
		in = out
	}
	// Final stride-1 layer at full depth before the score projection.
	last := channels[len(channels)-1]
	conv, err := nn.NewConv2D(in, last, 5, 1, 1, 1, 2, 0, true, weightNorm)
	if err != nil {
		return nil, err
	}
	d.convs = append(d.convs, conv)

	post, err := nn.NewConv2D(last, 1, 3, 1, 1, 1, 1, 0, true, weightNorm)
	if err != nil {
		return nil, err
	}
	d.post = post
	return d, nil
}

func (d *periodDiscriminator) forward(wave *tensor.Tensor) (ScoredFeatures, error) {
	batch, samples := wave.Shape[0], wave.Shape[2]

	// Pad so the length is a multiple of the period, then fold to 2D.
	if rem := samples % d.period; rem != 0 {
		wave = tensor.Pad1DAutograd(wave, 0, d.period-rem, tensor.PadReflect)
		samples += d.period - rem
	}
	x := tensor.ReshapeAutograd(wave, []int{batch, 1, samples / d.period, d.period})

	var out ScoredFeatures
	var err error
	for _, conv := range d.convs {
		x, err = conv.Forward(x)
		if err != nil {
			return ScoredFeatures{}, err
		}
		x, _ = d.act.Forward(x)
		out.Features = append(out.Features, x)
	}
	x, err = d.post.Forward(x)
	if err != nil {
		return ScoredFeatures{}, err
	}
	out.Features = append(out.Features, x)
	out.Score = x
	return out, nil
}

func (d *periodDiscriminator) parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, conv := range d.convs {
		params = append(params, conv.Parameters()...)
	}
	return append(params, d.post.Parameters()...)
}

// MultiPeriodDiscriminator is an ensemble of periodDiscriminators, one per
// configured period. Sub-discriminators share no parameters.
type MultiPeriodDiscriminator struct {
	subs []*periodDiscriminator
}

func NewMultiPeriodDiscriminator(cfg MPDConfig) (*MultiPeriodDiscriminator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	mpd := &MultiPeriodDiscriminator{}
	for _, p := range cfg.Periods {
		sub, err := newPeriodDiscriminator(p, cfg.Channels, cfg.WeightNorm)
		if err != nil {
			return nil, fmt.Errorf("period discriminator p=%d: %w", p, err)
		}
		mpd.subs = append(mpd.subs, sub)
	}
	return mpd, nil
}

// Discriminate runs every period view of the waveform [batch, 1, samples].
func (m *MultiPeriodDiscriminator) Discriminate(wave *tensor.Tensor) ([]ScoredFeatures, error) {
	if len(wave.Shape) != 3 || wave.Shape[1] != 1 {
		return nil, fmt.Errorf("mpd: expected waveform [batch, 1, samples], got shape %v", wave.Shape)
	}
	outs := make([]ScoredFeatures, 0, len(m.subs))
	for _, sub := range m.subs {
		out, err := sub.forward(wave)
		if err != nil {
			return nil, fmt.Errorf("period discriminator p=%d: %w", sub.period, err)
		}
		outs = append(outs, out)
	}
	return outs, nil
}

func (m *MultiPeriodDiscriminator) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, sub := range m.subs {
		params = append(params, sub.parameters()...)
	}
	return params
}

// scaleDiscriminator applies a stack of grouped 1D convolutions to one
// downsampled view of the waveform.
type scaleDiscriminator struct {
	convs []*nn.Conv1D
	post  *nn.Conv1D
	act   *nn.LeakyReLU
}

type conv1dSpec struct {
	in, out, kernel, stride, padding, groups int
}

func newScaleDiscriminator(base int, weightNorm bool) (*scaleDiscriminator, error) {
	specs := []conv1dSpec{
		{1, base, 15, 1, 7, 1},
		{base, base, 41, 2, 20, 4},
		{base, 2 * base, 41, 2, 20, 16},
		{2 * base, 4 * base, 41, 4, 20, 16},
		{4 * base, 8 * base, 41, 4, 20, 16},
		{8 * base, 8 * base, 41, 1, 20, 16},
		{8 * base, 8 * base, 5, 1, 2, 1},
	}

	d := &scaleDiscriminator{act: nn.NewLeakyReLU(0.1)}
	for _, s := range specs {
		conv, err := nn.NewConv1D(s.in, s.out, s.kernel, s.stride, s.padding,
			nn.Conv1DOptions{Groups: s.groups, Bias: true, WeightNorm: weightNorm})
		if err != nil {
			return nil, err
		}
		d.convs = append(d.convs, conv)
	}

	post, err := nn.NewConv1D(8*base, 1, 3, 1, 1, nn.Conv1DOptions{Bias: true, WeightNorm: weightNorm})
	if err != nil {
		return nil, err
	}
	d.post = post
	return d, nil
}

func (d *scaleDiscriminator) forward(wave *tensor.Tensor) (ScoredFeatures, error) {
	x := wave
	var out ScoredFeatures
	var err error
	for _, conv := range d.convs {
		x, err = conv.Forward(x)
		if err != nil {
			return ScoredFeatures{}, err
		}
		x, _ = d.act.Forward(x)
		out.Features = append(out.Features, x)
	}
	x, err = d.post.Forward(x)
	if err != nil {
		return ScoredFeatures{}, err
	}
	out.Features = append(out.Features, x)
	out.Score = x
	return out, nil
}

func (d *scaleDiscriminator) parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, conv := range d.convs {
		params = append(params, conv.Parameters()...)
	}
	return append(params, d.post.Parameters()...)
}

// MultiScaleDiscriminator is an ensemble of scaleDiscriminators. Scale k
// sees the waveform average-pooled k times (kernel 4, stride 2), so the
// ensemble covers 1x, 2x, 4x, ... downsampling.
type MultiScaleDiscriminator struct {
	subs []*scaleDiscriminator
	pool *nn.AvgPool1D
}

func NewMultiScaleDiscriminator(cfg MSDConfig) (*MultiScaleDiscriminator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	msd := &MultiScaleDiscriminator{pool: nn.NewAvgPool1D(4, 2, 2)}
	for i := 0; i < cfg.Scales; i++ {
		sub, err := newScaleDiscriminator(cfg.BaseChannels, cfg.WeightNorm)
		if err != nil {
			return nil, fmt.Errorf("scale discriminator %d: %w", i, err)
		}
		msd.subs = append(msd.subs, sub)
	}
	return msd, nil
}

// Discriminate runs every downsampled view of the waveform [batch, 1, samples].
func (m *MultiScaleDiscriminator) Discriminate(wave *tensor.Tensor) ([]ScoredFeatures, error) {
	if len(wave.Shape) != 3 || wave.Shape[1] != 1 {
		return nil, fmt.Errorf("msd: expected waveform [batch, 1, samples], got shape %v", wave.Shape)
	}
	outs := make([]ScoredFeatures, 0, len(m.subs))
	x := wave
	for i, sub := range m.subs {
		if i > 0 {
			var err error
			x, err = m.pool.Forward(x)
			if err != nil {
				return nil, fmt.Errorf("msd downsample %d: %w", i, err)
			}
		}
		out, err := sub.forward(x)
		if err != nil {
			return nil, fmt.Errorf("scale discriminator %d: %w", i, err)
		}
		outs = append(outs, out)
	}
	return outs, nil
}

func (m *MultiScaleDiscriminator) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, sub := range m.subs {
		params = append(params, sub.parameters()...)
	}
	return params
}
