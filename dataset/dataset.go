// Package dataset provides (mel, waveform) pair providers over directories
// of audio files. Training datasets serve fixed-length random crops;
// evaluation datasets serve full-length items. Corrupt or too-short items
// surface as DataError and are skipped by the data loader.
package dataset

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Torrentov/hw4-nv/melspec"
	"github.com/Torrentov/hw4-nv/tensor"
	"github.com/Torrentov/hw4-nv/training"
)

// DataError reports a corrupt or unusable audio item. The loop skips the
// sample and continues.
type DataError struct {
	Path string
	Err  error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("data item %s: %v", e.Path, e.Err)
}

func (e *DataError) Unwrap() error { return e.Err }

// Options configures a dataset instance.
type Options struct {
	// CropSamples serves random fixed-length crops of this many samples
	// (rounded down to a hop multiple). Zero serves full-length items.
	CropSamples int `json:"crop_samples" mapstructure:"crop_samples"`
	// Limit caps the number of items; zero means all.
	Limit int   `json:"limit" mapstructure:"limit"`
	Seed  int64 `json:"seed" mapstructure:"seed"`
}

// AudioDataset serves (mel, waveform) pairs from a list of audio files.
// It implements training.Dataset.
type AudioDataset struct {
	files     []string
	extractor *melspec.Extractor
	opts      Options
	logger    *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewFromDir builds a dataset over every WAV and FLAC file under dir,
// sorted by path for a deterministic ordering.
func NewFromDir(dir string, extractor *melspec.Extractor, opts Options, logger *slog.Logger) (*AudioDataset, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".wav", ".flac":
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no audio files under %s", dir)
	}
	sort.Strings(files)
	return NewFromFiles(files, extractor, opts, logger)
}

// NewFromFiles builds a dataset over an explicit file list.
func NewFromFiles(files []string, extractor *melspec.Extractor, opts Options, logger *slog.Logger) (*AudioDataset, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("empty file list")
	}
	if opts.Limit > 0 && opts.Limit < len(files) {
		files = files[:opts.Limit]
	}
	if opts.CropSamples > 0 {
		hop := extractor.Config().HopLength
		if opts.CropSamples < hop {
			return nil, fmt.Errorf("crop of %d samples is below one hop (%d)", opts.CropSamples, hop)
		}
		opts.CropSamples -= opts.CropSamples % hop
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AudioDataset{
		files:     files,
		extractor: extractor,
		opts:      opts,
		logger:    logger,
		rng:       rand.New(rand.NewSource(opts.Seed)),
	}, nil
}

func (d *AudioDataset) Len() int { return len(d.files) }

// Get decodes one item, crops it if configured, and extracts its mel.
func (d *AudioDataset) Get(index int) (*training.Sample, error) {
	if index < 0 || index >= len(d.files) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", index, len(d.files))
	}
	path := d.files[index]

	samples, _, err := DecodeFile(path)
	if err != nil {
		return nil, &DataError{Path: path, Err: err}
	}

	if d.opts.CropSamples > 0 {
		if len(samples) < d.opts.CropSamples {
			return nil, &DataError{Path: path, Err: fmt.Errorf(
				"%d samples, need at least %d for a crop", len(samples), d.opts.CropSamples)}
		}
		hop := d.extractor.Config().HopLength
		d.mu.Lock()
		maxStart := (len(samples) - d.opts.CropSamples) / hop
		start := d.rng.Intn(maxStart+1) * hop
		d.mu.Unlock()
		samples = samples[start : start+d.opts.CropSamples]
	}

	melData, frames, err := d.extractor.Extract(samples)
	if err != nil {
		return nil, &DataError{Path: path, Err: err}
	}
	mel, err := tensor.New([]int{d.extractor.Config().NumMels, frames}, melData)
	if err != nil {
		return nil, &DataError{Path: path, Err: err}
	}
	return &training.Sample{Mel: mel, Audio: samples, Path: path}, nil
}
