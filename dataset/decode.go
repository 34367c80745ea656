package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"
	"github.com/mewkiz/flac"
)

// DecodeFile decodes a WAV or FLAC file into mono float32 samples in [-1, 1]
// and returns the sample rate. Multi-channel input is averaged down to mono.
func DecodeFile(path string) ([]float32, int, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return decodeWAV(path)
	case ".flac":
		return decodeFLAC(path)
	default:
		return nil, 0, fmt.Errorf("unsupported audio format %q", filepath.Ext(path))
	}
}

func decodeWAV(path string) ([]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode wav: %w", err)
	}
	if buf.Format == nil || buf.Format.NumChannels == 0 {
		return nil, 0, fmt.Errorf("decode wav: missing format")
	}

	channels := buf.Format.NumChannels
	scale := float32(int64(1) << (dec.BitDepth - 1))
	frames := len(buf.Data) / channels
	if frames == 0 {
		return nil, 0, fmt.Errorf("decode wav: empty audio")
	}
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(buf.Data[i*channels+c]) / scale
		}
		samples[i] = sum / float32(channels)
	}
	return samples, buf.Format.SampleRate, nil
}

func decodeFLAC(path string) ([]float32, int, error) {
	stream, err := flac.ParseFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("decode flac: %w", err)
	}
	defer stream.Close()

	channels := int(stream.Info.NChannels)
	scale := float32(int64(1) << (stream.Info.BitsPerSample - 1))
	var samples []float32
	for {
		frame, err := stream.ParseNext()
		if err != nil {
			break
		}
		n := frame.Subframes[0].NSamples
		for i := 0; i < n; i++ {
			var sum float32
			for c := 0; c < channels; c++ {
				sum += float32(frame.Subframes[c].Samples[i]) / scale
			}
			samples = append(samples, sum/float32(channels))
		}
	}
	if len(samples) == 0 {
		return nil, 0, fmt.Errorf("decode flac: empty audio")
	}
	return samples, int(stream.Info.SampleRate), nil
}
