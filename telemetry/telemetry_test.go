package telemetry

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Torrentov/hw4-nv/dataset"
	"github.com/Torrentov/hw4-nv/training"
)

var _ training.TelemetrySink = (*Recorder)(nil)

func TestScalarsAppendAsJSONL(t *testing.T) {
	rec, err := NewRecorder(t.TempDir(), nil)
	require.NoError(t, err)

	rec.Scalar("generator_loss", 10, 1.5)
	rec.Scalar("mel_loss", 10, 0.25)
	require.NoError(t, rec.Close())

	f, err := os.Open(filepath.Join(rec.Dir(), "scalars.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var line struct {
			Name  string  `json:"name"`
			Step  int     `json:"step"`
			Value float64 `json:"value"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		names = append(names, line.Name)
		assert.Equal(t, 10, line.Step)
	}
	assert.Equal(t, []string{"generator_loss", "mel_loss"}, names)
}

func TestAudioFilesNumbered(t *testing.T) {
	rec, err := NewRecorder(t.TempDir(), nil)
	require.NoError(t, err)
	defer rec.Close()

	samples := make([]float32, 128)
	rec.Audio("test_audio", 5, samples, 22050)
	rec.Audio("test_audio", 5, samples, 22050)

	matches, err := filepath.Glob(filepath.Join(rec.Dir(), "test_audio_step5_*.wav"))
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestWriteWAVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	orig := []float32{0, 0.5, -0.5, 0.25, -0.25, 2.0, -2.0}
	require.NoError(t, WriteWAV(path, orig, 22050))

	samples, sr, err := dataset.DecodeFile(path)
	require.NoError(t, err)
	assert.Equal(t, 22050, sr)
	require.Len(t, samples, len(orig))
	assert.InDelta(t, 0.5, samples[1], 1e-3)
	assert.InDelta(t, -0.5, samples[2], 1e-3)
	// out-of-range input is clipped
	assert.InDelta(t, 1.0, samples[5], 1e-3)
	assert.InDelta(t, -1.0, samples[6], 1e-3)
}

func TestRunDirsAreUnique(t *testing.T) {
	base := t.TempDir()
	a, err := NewRecorder(base, nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewRecorder(base, nil)
	require.NoError(t, err)
	defer b.Close()
	assert.NotEqual(t, a.Dir(), b.Dir())
}
