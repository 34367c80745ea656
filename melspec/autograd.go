package melspec

import (
	"fmt"
	"math"

	"github.com/mjibson/go-dsp/fft"

	"github.com/Torrentov/hw4-nv/tensor"
)

// dftTables holds the cos/sin basis used to backpropagate through the
// framewise DFT. Built once per extractor on first differentiable call.
type dftTables struct {
	cos [][]float64 // [nfft][bins]
	sin [][]float64
}

func (e *Extractor) tables() *dftTables {
	e.dftOnce.Do(func() {
		nfft := e.cfg.NFFT
		bins := nfft/2 + 1
		t := &dftTables{
			cos: make([][]float64, nfft),
			sin: make([][]float64, nfft),
		}
		for n := 0; n < nfft; n++ {
			t.cos[n] = make([]float64, bins)
			t.sin[n] = make([]float64, bins)
			for k := 0; k < bins; k++ {
				theta := 2 * math.Pi * float64(k) * float64(n) / float64(nfft)
				t.cos[n][k] = math.Cos(theta)
				t.sin[n][k] = math.Sin(theta)
			}
		}
		e.dft = t
	})
	return e.dft
}

// MelAutograd computes the log-mel spectrogram as an autograd node so the
// mel reconstruction loss can backpropagate into the waveform. Input is
// [batch, samples] or [batch, 1, samples]; output is
// [batch, n_mels, frames].
func (e *Extractor) MelAutograd(x *tensor.Tensor) (*tensor.Tensor, error) {
	var batch, samples int
	switch len(x.Shape) {
	case 2:
		batch, samples = x.Shape[0], x.Shape[1]
	case 3:
		if x.Shape[1] != 1 {
			return nil, fmt.Errorf("melspec: expected single channel, got %d", x.Shape[1])
		}
		batch, samples = x.Shape[0], x.Shape[2]
	default:
		return nil, fmt.Errorf("melspec: expected 2D or 3D waveform, got shape %v", x.Shape)
	}

	frames := e.NumFrames(samples)
	if frames == 0 {
		return nil, fmt.Errorf("melspec: waveform of %d samples too short for n_fft %d", samples, e.cfg.NFFT)
	}

	pad := (e.cfg.NFFT - e.cfg.HopLength) / 2
	bins := e.cfg.NFFT/2 + 1
	off := (e.cfg.NFFT - e.cfg.WinLength) / 2

	op := &melOp{
		extractor: e,
		x:         x,
		batch:     batch,
		samples:   samples,
		frames:    frames,
		re:        make([][]float64, batch*frames),
		im:        make([][]float64, batch*frames),
		mel:       make([]float64, batch*e.cfg.NumMels*frames),
	}

	outData := make([]float32, batch*e.cfg.NumMels*frames)
	frame := make([]float64, e.cfg.NFFT)

	for b := 0; b < batch; b++ {
		wave := x.Data[b*samples : (b+1)*samples]
		padded := reflectPad(wave, pad)

		for f := 0; f < frames; f++ {
			start := f * e.cfg.HopLength
			for n := range frame {
				frame[n] = 0
			}
			for n := 0; n < e.cfg.WinLength; n++ {
				frame[off+n] = float64(padded[start+off+n]) * e.window[n]
			}

			spectrum := fft.FFTReal(frame)
			re := make([]float64, bins)
			im := make([]float64, bins)
			for k := 0; k < bins; k++ {
				re[k] = real(spectrum[k])
				im[k] = imag(spectrum[k])
			}
			op.re[b*frames+f] = re
			op.im[b*frames+f] = im

			for m := 0; m < e.cfg.NumMels; m++ {
				var acc float64
				for k := 0; k < bins; k++ {
					acc += e.filterbank[m][k] * math.Sqrt(re[k]*re[k]+im[k]*im[k]+magEps)
				}
				op.mel[(b*e.cfg.NumMels+m)*frames+f] = acc
				if acc < clampMin {
					acc = clampMin
				}
				outData[(b*e.cfg.NumMels+m)*frames+f] = float32(math.Log(acc))
			}
		}
	}

	out, err := tensor.New([]int{batch, e.cfg.NumMels, frames}, outData)
	if err != nil {
		return nil, err
	}
	tensor.Bind(out, op, x.RequiresGrad())
	return out, nil
}

// melOp backpropagates the log-mel transform: log and clamp, the filterbank
// projection, the spectral magnitude, the framewise DFT, windowing, and
// finally the reflect padding fold.
type melOp struct {
	extractor *Extractor
	x         *tensor.Tensor
	batch     int
	samples   int
	frames    int
	re        [][]float64 // per (batch, frame)
	im        [][]float64
	mel       []float64 // pre-clamp mel values, [batch*numMels*frames]
}

func (op *melOp) Inputs() []*tensor.Tensor { return []*tensor.Tensor{op.x} }

func (op *melOp) Backward(gradOut *tensor.Tensor) []*tensor.Tensor {
	e := op.extractor
	cfg := e.cfg
	bins := cfg.NFFT/2 + 1
	pad := (cfg.NFFT - cfg.HopLength) / 2
	off := (cfg.NFFT - cfg.WinLength) / 2
	tab := e.tables()

	gradX := make([]float32, op.batch*op.samples)
	dmag := make([]float64, bins)
	dframe := make([]float64, cfg.NFFT)

	for b := 0; b < op.batch; b++ {
		gradPadded := make([]float64, op.samples+2*pad)

		for f := 0; f < op.frames; f++ {
			re := op.re[b*op.frames+f]
			im := op.im[b*op.frames+f]

			for k := range dmag {
				dmag[k] = 0
			}
			for m := 0; m < cfg.NumMels; m++ {
				idx := (b*cfg.NumMels+m)*op.frames + f
				melVal := op.mel[idx]
				if melVal <= clampMin {
					continue // clamped, no gradient
				}
				g := float64(gradOut.Data[idx]) / melVal
				for k := 0; k < bins; k++ {
					dmag[k] += e.filterbank[m][k] * g
				}
			}

			// magnitude -> real/imag -> frame samples
			for n := range dframe {
				dframe[n] = 0
			}
			for k := 0; k < bins; k++ {
				if dmag[k] == 0 {
					continue
				}
				mag := math.Sqrt(re[k]*re[k] + im[k]*im[k] + magEps)
				dre := dmag[k] * re[k] / mag
				dim := dmag[k] * im[k] / mag
				for n := 0; n < cfg.NFFT; n++ {
					dframe[n] += dre*tab.cos[n][k] - dim*tab.sin[n][k]
				}
			}

			start := f * cfg.HopLength
			for n := 0; n < cfg.WinLength; n++ {
				gradPadded[start+off+n] += dframe[off+n] * e.window[n]
			}
		}

		// Fold reflect padding back onto the source samples.
		dst := gradX[b*op.samples : (b+1)*op.samples]
		for i := 0; i < op.samples; i++ {
			dst[i] = float32(gradPadded[pad+i])
		}
		for i := 0; i < pad; i++ {
			src := pad - i
			if src >= op.samples {
				src = op.samples - 1
			}
			dst[src] += float32(gradPadded[i])

			src = op.samples - 2 - i
			if src < 0 {
				src = 0
			}
			dst[src] += float32(gradPadded[pad+op.samples+i])
		}
	}

	shape := append([]int(nil), op.x.Shape...)
	g, err := tensor.New(shape, gradX)
	if err != nil {
		panic(fmt.Sprintf("melspec backward: %v", err))
	}
	return []*tensor.Tensor{g}
}
