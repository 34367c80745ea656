// Package melspec computes log-mel spectrograms from raw waveforms. It has
// two paths over the same framing, window and filterbank: a fast FFT path
// for preprocessing and evaluation, and a differentiable path used by the
// mel reconstruction loss.
package melspec

import (
	"fmt"
	"math"
	"sync"

	"github.com/mjibson/go-dsp/fft"
	"github.com/r9y9/gossp/stft"
)

// Config describes the spectrogram geometry.
type Config struct {
	SampleRate int     `json:"sr" mapstructure:"sr"`
	NFFT       int     `json:"n_fft" mapstructure:"n_fft"`
	WinLength  int     `json:"win_length" mapstructure:"win_length"`
	HopLength  int     `json:"hop_length" mapstructure:"hop_length"`
	NumMels    int     `json:"n_mels" mapstructure:"n_mels"`
	FMin       float64 `json:"f_min" mapstructure:"f_min"`
	FMax       float64 `json:"f_max" mapstructure:"f_max"`
}

const clampMin = 1e-5

// Extractor converts waveforms to log-mel spectrograms.
type Extractor struct {
	cfg        Config
	window     []float64   // Hann, length WinLength
	filterbank [][]float64 // [NumMels][NFFT/2+1]

	dftOnce sync.Once
	dft     *dftTables
}

// NewExtractor validates the config and precomputes the analysis window and
// mel filterbank.
func NewExtractor(cfg Config) (*Extractor, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("melspec: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.NFFT <= 0 || cfg.HopLength <= 0 || cfg.NumMels <= 0 {
		return nil, fmt.Errorf("melspec: n_fft, hop_length and n_mels must be positive (got %d, %d, %d)",
			cfg.NFFT, cfg.HopLength, cfg.NumMels)
	}
	if cfg.WinLength == 0 {
		cfg.WinLength = cfg.NFFT
	}
	if cfg.WinLength > cfg.NFFT {
		return nil, fmt.Errorf("melspec: win_length %d exceeds n_fft %d", cfg.WinLength, cfg.NFFT)
	}
	if cfg.FMax == 0 {
		cfg.FMax = float64(cfg.SampleRate) / 2
	}
	if cfg.FMin < 0 || cfg.FMax <= cfg.FMin {
		return nil, fmt.Errorf("melspec: invalid frequency range [%g, %g]", cfg.FMin, cfg.FMax)
	}
	if cfg.FMax > float64(cfg.SampleRate)/2 {
		return nil, fmt.Errorf("melspec: f_max %g exceeds Nyquist %g", cfg.FMax, float64(cfg.SampleRate)/2)
	}

	s := stft.New(cfg.HopLength, cfg.WinLength)
	return &Extractor{
		cfg:        cfg,
		window:     s.Window,
		filterbank: melFilterbank(cfg.NumMels, cfg.NFFT, cfg.SampleRate, cfg.FMin, cfg.FMax),
	}, nil
}

// Config returns the extractor's resolved configuration.
func (e *Extractor) Config() Config { return e.cfg }

// NumFrames returns the number of spectrogram frames produced for the given
// number of samples. With centered padding of (n_fft - hop)/2 on each side,
// a waveform whose length is a multiple of hop_length yields exactly
// length/hop_length frames.
func (e *Extractor) NumFrames(numSamples int) int {
	pad := (e.cfg.NFFT - e.cfg.HopLength) / 2
	total := numSamples + 2*pad
	if total < e.cfg.NFFT {
		return 0
	}
	return 1 + (total-e.cfg.NFFT)/e.cfg.HopLength
}

// Extract computes the log-mel spectrogram of a waveform. The result has
// NumMels rows and NumFrames(len(samples)) columns, row-major.
func (e *Extractor) Extract(samples []float32) ([]float32, int, error) {
	if len(samples) == 0 {
		return nil, 0, fmt.Errorf("melspec: empty waveform")
	}
	padded := reflectPad(samples, (e.cfg.NFFT-e.cfg.HopLength)/2)
	frames := e.NumFrames(len(samples))
	if frames == 0 {
		return nil, 0, fmt.Errorf("melspec: waveform of %d samples too short for n_fft %d", len(samples), e.cfg.NFFT)
	}

	bins := e.cfg.NFFT/2 + 1
	out := make([]float32, e.cfg.NumMels*frames)
	frame := make([]float64, e.cfg.NFFT)

	for f := 0; f < frames; f++ {
		start := f * e.cfg.HopLength
		for n := 0; n < e.cfg.NFFT; n++ {
			frame[n] = 0
		}
		// Window is centered inside the FFT frame when shorter than n_fft.
		off := (e.cfg.NFFT - e.cfg.WinLength) / 2
		for n := 0; n < e.cfg.WinLength; n++ {
			frame[off+n] = float64(padded[start+off+n]) * e.window[n]
		}

		spectrum := fft.FFTReal(frame)
		for m := 0; m < e.cfg.NumMels; m++ {
			var acc float64
			for k := 0; k < bins; k++ {
				re := real(spectrum[k])
				im := imag(spectrum[k])
				acc += e.filterbank[m][k] * math.Sqrt(re*re+im*im+magEps)
			}
			if acc < clampMin {
				acc = clampMin
			}
			out[m*frames+f] = float32(math.Log(acc))
		}
	}
	return out, frames, nil
}

const magEps = 1e-9

// reflectPad pads both ends by pad samples, mirroring without repeating the
// edge sample.
func reflectPad(samples []float32, pad int) []float32 {
	if pad == 0 {
		return samples
	}
	n := len(samples)
	out := make([]float32, n+2*pad)
	copy(out[pad:], samples)
	for i := 0; i < pad; i++ {
		src := pad - i
		if src >= n {
			src = n - 1
		}
		out[i] = samples[src]

		src = n - 2 - i
		if src < 0 {
			src = 0
		}
		out[pad+n+i] = samples[src]
	}
	return out
}

// hzToMel converts frequency in Hz to the mel scale.
func hzToMel(hz float64) float64 {
	return 2595.0 * math.Log10(1.0+hz/700.0)
}

// melToHz converts a mel value back to Hz.
func melToHz(mel float64) float64 {
	return 700.0 * (math.Pow(10.0, mel/2595.0) - 1.0)
}

// melFilterbank builds triangular mel filters over the FFT bins.
func melFilterbank(numMels, nfft, sampleRate int, fmin, fmax float64) [][]float64 {
	bins := nfft/2 + 1
	melMin := hzToMel(fmin)
	melMax := hzToMel(fmax)

	// numMels+2 equally spaced points on the mel scale, mapped to FFT bin
	// center frequencies.
	points := make([]float64, numMels+2)
	for i := range points {
		mel := melMin + (melMax-melMin)*float64(i)/float64(numMels+1)
		points[i] = melToHz(mel)
	}

	binHz := make([]float64, bins)
	for k := 0; k < bins; k++ {
		binHz[k] = float64(k) * float64(sampleRate) / float64(nfft)
	}

	fb := make([][]float64, numMels)
	for m := 0; m < numMels; m++ {
		fb[m] = make([]float64, bins)
		left, center, right := points[m], points[m+1], points[m+2]
		for k := 0; k < bins; k++ {
			hz := binHz[k]
			switch {
			case hz <= left || hz >= right:
				// outside the triangle
			case hz <= center:
				fb[m][k] = (hz - left) / (center - left)
			default:
				fb[m][k] = (right - hz) / (right - center)
			}
		}
	}
	return fb
}
