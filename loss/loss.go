// Package loss implements the two-phase LSGAN objective: the discriminator
// loss over real/generated waveforms, and the generator loss combining the
// adversarial, feature-matching and mel-reconstruction terms.
package loss

import (
	"fmt"
	"math"

	"github.com/Torrentov/hw4-nv/melspec"
	"github.com/Torrentov/hw4-nv/tensor"
	"github.com/Torrentov/hw4-nv/vocoder"
)

// Config holds the loss weights. Feature matching and mel reconstruction
// use the reference defaults of 2 and 45.
type Config struct {
	FMLambda  float32 `json:"fm_lambda" mapstructure:"fm_lambda"`
	MelLambda float32 `json:"mel_lambda" mapstructure:"mel_lambda"`
}

func DefaultConfig() Config {
	return Config{FMLambda: 2, MelLambda: 45}
}

// Engine computes the generator and discriminator losses. The mel extractor
// must be the same one that produced the conditioning input, so the
// reconstruction term compares like with like.
type Engine struct {
	cfg Config
	mel *melspec.Extractor
}

func NewEngine(cfg Config, mel *melspec.Extractor) *Engine {
	if cfg.FMLambda == 0 {
		cfg.FMLambda = 2
	}
	if cfg.MelLambda == 0 {
		cfg.MelLambda = 45
	}
	return &Engine{cfg: cfg, mel: mel}
}

// DiscriminatorResult carries the discriminator-phase loss and its named
// sub-terms for logging.
type DiscriminatorResult struct {
	Total *tensor.Tensor
	MPD   *tensor.Tensor
	MSD   *tensor.Tensor
}

// Scalars returns the sub-terms under their metric names.
func (r *DiscriminatorResult) Scalars() map[string]float64 {
	return map[string]float64{
		"mpd_loss":           scalarValue(r.MPD),
		"msd_loss":           scalarValue(r.MSD),
		"discriminator_loss": scalarValue(r.Total),
	}
}

// DiscriminatorLoss computes the least-squares adversarial loss
// mean((D(y)-1)^2) + mean(D(y_hat)^2) summed over all sub-discriminators.
// The generated waveform must be detached upstream so no gradient reaches
// the generator.
func (e *Engine) DiscriminatorLoss(mpdReal, mpdFake, msdReal, msdFake []vocoder.ScoredFeatures) (*DiscriminatorResult, error) {
	mpd, err := ensembleDiscriminatorLoss(mpdReal, mpdFake)
	if err != nil {
		return nil, fmt.Errorf("mpd loss: %w", err)
	}
	msd, err := ensembleDiscriminatorLoss(msdReal, msdFake)
	if err != nil {
		return nil, fmt.Errorf("msd loss: %w", err)
	}
	return &DiscriminatorResult{
		Total: tensor.AddAutograd(mpd, msd),
		MPD:   mpd,
		MSD:   msd,
	}, nil
}

func ensembleDiscriminatorLoss(real, fake []vocoder.ScoredFeatures) (*tensor.Tensor, error) {
	if len(real) != len(fake) {
		return nil, fmt.Errorf("mismatched ensemble outputs: %d real, %d fake", len(real), len(fake))
	}
	var total *tensor.Tensor
	for i := range real {
		realTerm := tensor.SquareMeanAutograd(tensor.AddScalarAutograd(real[i].Score, -1))
		fakeTerm := tensor.SquareMeanAutograd(fake[i].Score)
		sub := tensor.AddAutograd(realTerm, fakeTerm)
		if total == nil {
			total = sub
		} else {
			total = tensor.AddAutograd(total, sub)
		}
	}
	return total, nil
}

// GeneratorResult carries the generator-phase loss and its named sub-terms.
type GeneratorResult struct {
	Total              *tensor.Tensor
	Adversarial        *tensor.Tensor
	MPDAdversarial     *tensor.Tensor
	MSDAdversarial     *tensor.Tensor
	FeatureMatching    *tensor.Tensor
	MPDFeatureMatching *tensor.Tensor
	MSDFeatureMatching *tensor.Tensor
	Mel                *tensor.Tensor
}

// Scalars returns the sub-terms under their metric names.
func (r *GeneratorResult) Scalars() map[string]float64 {
	return map[string]float64{
		"generator_loss":               scalarValue(r.Total),
		"generator_discriminator_loss": scalarValue(r.Adversarial),
		"generator_mpd_loss":           scalarValue(r.MPDAdversarial),
		"generator_msd_loss":           scalarValue(r.MSDAdversarial),
		"feature_matching_loss":        scalarValue(r.FeatureMatching),
		"mpd_feature_matching_loss":    scalarValue(r.MPDFeatureMatching),
		"msd_feature_matching_loss":    scalarValue(r.MSDFeatureMatching),
		"mel_loss":                     scalarValue(r.Mel),
	}
}

// GeneratorLoss combines the adversarial term over the fake-pass scores,
// the feature-matching term between real-pass and fake-pass activations,
// and the mel reconstruction term between the two waveforms. Gradient flows
// into the generator through the fake passes and the fake mel.
func (e *Engine) GeneratorLoss(
	fakeWave, realWave *tensor.Tensor,
	mpdReal, mpdFake, msdReal, msdFake []vocoder.ScoredFeatures,
) (*GeneratorResult, error) {
	mpdAdv := ensembleAdversarialLoss(mpdFake)
	msdAdv := ensembleAdversarialLoss(msdFake)

	mpdFM, err := ensembleFeatureMatching(mpdReal, mpdFake)
	if err != nil {
		return nil, fmt.Errorf("mpd feature matching: %w", err)
	}
	msdFM, err := ensembleFeatureMatching(msdReal, msdFake)
	if err != nil {
		return nil, fmt.Errorf("msd feature matching: %w", err)
	}

	melLoss, err := e.melLoss(fakeWave, realWave)
	if err != nil {
		return nil, fmt.Errorf("mel loss: %w", err)
	}

	adv := tensor.AddAutograd(mpdAdv, msdAdv)
	fm := tensor.AddAutograd(mpdFM, msdFM)

	total := tensor.AddAutograd(adv, tensor.ScaleAutograd(fm, e.cfg.FMLambda))
	total = tensor.AddAutograd(total, tensor.ScaleAutograd(melLoss, e.cfg.MelLambda))

	return &GeneratorResult{
		Total:              total,
		Adversarial:        adv,
		MPDAdversarial:     mpdAdv,
		MSDAdversarial:     msdAdv,
		FeatureMatching:    fm,
		MPDFeatureMatching: mpdFM,
		MSDFeatureMatching: msdFM,
		Mel:                melLoss,
	}, nil
}

// MelLoss exposes the reconstruction term alone, used by evaluation.
func (e *Engine) MelLoss(fakeWave, realWave *tensor.Tensor) (*tensor.Tensor, error) {
	return e.melLoss(fakeWave, realWave)
}

func ensembleAdversarialLoss(fake []vocoder.ScoredFeatures) *tensor.Tensor {
	var total *tensor.Tensor
	for _, out := range fake {
		term := tensor.SquareMeanAutograd(tensor.AddScalarAutograd(out.Score, -1))
		if total == nil {
			total = term
		} else {
			total = tensor.AddAutograd(total, term)
		}
	}
	return total
}

func ensembleFeatureMatching(real, fake []vocoder.ScoredFeatures) (*tensor.Tensor, error) {
	if len(real) != len(fake) {
		return nil, fmt.Errorf("mismatched ensemble outputs: %d real, %d fake", len(real), len(fake))
	}
	var total *tensor.Tensor
	for i := range real {
		if len(real[i].Features) != len(fake[i].Features) {
			return nil, fmt.Errorf("sub-discriminator %d: %d real feature maps, %d fake",
				i, len(real[i].Features), len(fake[i].Features))
		}
		for l := range real[i].Features {
			term := tensor.L1Autograd(real[i].Features[l], fake[i].Features[l])
			if total == nil {
				total = term
			} else {
				total = tensor.AddAutograd(total, term)
			}
		}
	}
	return total, nil
}

// melLoss is the L1 distance between the log-mel spectrograms of the two
// waveforms. If the generated mel runs one frame longer, the ground truth
// is right-padded at the log floor.
func (e *Engine) melLoss(fakeWave, realWave *tensor.Tensor) (*tensor.Tensor, error) {
	fakeMel, err := e.mel.MelAutograd(fakeWave)
	if err != nil {
		return nil, fmt.Errorf("generated waveform: %w", err)
	}
	realMel, err := e.mel.MelAutograd(realWave.Detach())
	if err != nil {
		return nil, fmt.Errorf("reference waveform: %w", err)
	}

	fakeFrames := fakeMel.Shape[2]
	realFrames := realMel.Shape[2]
	switch {
	case fakeFrames > realFrames:
		realMel = padFrames(realMel, fakeFrames-realFrames)
	case realFrames > fakeFrames:
		fakeMel = tensor.Pad1DAutograd(fakeMel, 0, realFrames-fakeFrames, tensor.PadConstant)
	}

	return tensor.L1Autograd(fakeMel, realMel), nil
}

var logFloor = float32(math.Log(1e-5))

// padFrames right-pads a detached mel tensor with the log floor value.
func padFrames(mel *tensor.Tensor, extra int) *tensor.Tensor {
	padded := tensor.Pad1DAutograd(mel.Detach(), 0, extra, tensor.PadConstant)
	frames := mel.Shape[2]
	total := frames + extra
	for i := 0; i < mel.Shape[0]*mel.Shape[1]; i++ {
		for f := frames; f < total; f++ {
			padded.Data[i*total+f] = logFloor
		}
	}
	return padded
}

func scalarValue(t *tensor.Tensor) float64 {
	if t == nil || len(t.Data) == 0 {
		return 0
	}
	return float64(t.Data[0])
}
