package melspec

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Torrentov/hw4-nv/tensor"
)

func testConfig() Config {
	return Config{
		SampleRate: 22050,
		NFFT:       64,
		WinLength:  64,
		HopLength:  16,
		NumMels:    8,
		FMin:       0,
		FMax:       8000,
	}
}

func sineWave(n int, freq, sampleRate float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/sampleRate))
	}
	return out
}

func TestNewExtractorValidation(t *testing.T) {
	cfg := testConfig()
	cfg.HopLength = 0
	_, err := NewExtractor(cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.FMax = 20000 // above Nyquist
	_, err = NewExtractor(cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.WinLength = 128 // exceeds n_fft
	_, err = NewExtractor(cfg)
	assert.Error(t, err)
}

func TestFrameCountMatchesHop(t *testing.T) {
	e, err := NewExtractor(testConfig())
	require.NoError(t, err)

	// For lengths divisible by hop, frames == length / hop.
	for _, n := range []int{64, 256, 1024} {
		assert.Equal(t, n/16, e.NumFrames(n), "length %d", n)
	}
}

func TestExtractDeterministic(t *testing.T) {
	e, err := NewExtractor(testConfig())
	require.NoError(t, err)

	wave := sineWave(512, 440, 22050)
	a, framesA, err := e.Extract(wave)
	require.NoError(t, err)
	b, framesB, err := e.Extract(wave)
	require.NoError(t, err)

	assert.Equal(t, framesA, framesB)
	assert.Equal(t, a, b)
	assert.Equal(t, 32, framesA)
	assert.Len(t, a, 8*32)
}

func TestExtractRejectsEmptyAndShort(t *testing.T) {
	e, err := NewExtractor(testConfig())
	require.NoError(t, err)

	_, _, err = e.Extract(nil)
	assert.Error(t, err)
}

func TestSilenceStaysFiniteNearFloor(t *testing.T) {
	e, err := NewExtractor(testConfig())
	require.NoError(t, err)

	silence := make([]float32, 256)
	out, _, err := e.Extract(silence)
	require.NoError(t, err)

	floor := float32(math.Log(clampMin))
	for _, v := range out {
		require.False(t, math.IsInf(float64(v), 0))
		assert.GreaterOrEqual(t, v, floor)
		assert.Less(t, v, float32(-5.0))
	}
}

func TestAutogradMatchesFastPath(t *testing.T) {
	e, err := NewExtractor(testConfig())
	require.NoError(t, err)

	wave := sineWave(256, 440, 22050)
	fast, frames, err := e.Extract(wave)
	require.NoError(t, err)

	x, err := tensor.New([]int{1, 1, 256}, wave)
	require.NoError(t, err)
	out, err := e.MelAutograd(x)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 8, frames}, out.Shape)
	for i := range fast {
		assert.InDelta(t, fast[i], out.Data[i], 1e-4)
	}
}

func TestMelGradientMatchesNumerical(t *testing.T) {
	cfg := Config{
		SampleRate: 22050,
		NFFT:       16,
		WinLength:  16,
		HopLength:  8,
		NumMels:    4,
		FMin:       0,
		FMax:       8000,
	}
	e, err := NewExtractor(cfg)
	require.NoError(t, err)

	wave := sineWave(32, 1500, 22050)
	x, err := tensor.New([]int{1, 32}, wave)
	require.NoError(t, err)
	x.SetRequiresGrad(true)

	forward := func() *tensor.Tensor {
		mel, err := e.MelAutograd(x)
		require.NoError(t, err)
		return tensor.MeanAutograd(mel)
	}

	loss := forward()
	require.NoError(t, loss.Backward())
	analytic := x.Grad().Data

	const eps = 1e-3
	for i := range x.Data {
		orig := x.Data[i]
		x.Data[i] = orig + eps
		plus, _ := forward().Item()
		x.Data[i] = orig - eps
		minus, _ := forward().Item()
		x.Data[i] = orig
		numeric := (plus - minus) / (2 * eps)
		assert.InDelta(t, numeric, analytic[i], 2e-2, "sample %d", i)
	}
}

func TestFilterbankRowsCoverRange(t *testing.T) {
	fb := melFilterbank(8, 64, 22050, 0, 8000)
	require.Len(t, fb, 8)
	for m, row := range fb {
		var sum float64
		for _, v := range row {
			assert.GreaterOrEqual(t, v, 0.0)
			sum += v
		}
		assert.Greater(t, sum, 0.0, "filter %d is empty", m)
	}
}
