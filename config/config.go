// Package config loads the experiment document and builds the components it
// names. A document is a JSON (or YAML) file with sections for the mel
// frontend, model architecture, data splits, optimizer, scheduler, loss
// weights, and the training loop. Components that come in variants carry a
// type tag plus an args block, resolved through the registries in this
// package.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/Torrentov/hw4-nv/loss"
	"github.com/Torrentov/hw4-nv/melspec"
	"github.com/Torrentov/hw4-nv/training"
	"github.com/Torrentov/hw4-nv/vocoder"
)

// Component is a tagged section: which variant to build and its arguments.
type Component struct {
	Type string         `json:"type" mapstructure:"type"`
	Args map[string]any `json:"args" mapstructure:"args"`
}

// DatasetSpec names one dataset inside a split.
type DatasetSpec struct {
	Type string         `json:"type" mapstructure:"type"`
	Args map[string]any `json:"args" mapstructure:"args"`
}

// SplitConfig configures one data split and its loader.
type SplitConfig struct {
	BatchSize  int           `json:"batch_size" mapstructure:"batch_size"`
	NumWorkers int           `json:"num_workers" mapstructure:"num_workers"`
	Shuffle    bool          `json:"shuffle" mapstructure:"shuffle"`
	Datasets   []DatasetSpec `json:"datasets" mapstructure:"datasets"`
}

// ArchConfig groups the three model configs.
type ArchConfig struct {
	Generator vocoder.GeneratorConfig `json:"generator" mapstructure:"generator"`
	MPD       vocoder.MPDConfig       `json:"mpd" mapstructure:"mpd"`
	MSD       vocoder.MSDConfig       `json:"msd" mapstructure:"msd"`
}

// Document is the full experiment description.
type Document struct {
	Name          string                 `json:"name" mapstructure:"name"`
	Seed          int64                  `json:"seed" mapstructure:"seed"`
	Preprocessing melspec.Config         `json:"preprocessing" mapstructure:"preprocessing"`
	Arch          ArchConfig             `json:"arch" mapstructure:"arch"`
	Data          map[string]SplitConfig `json:"data" mapstructure:"data"`
	Optimizer     Component              `json:"optimizer" mapstructure:"optimizer"`
	LRScheduler   Component              `json:"lr_scheduler" mapstructure:"lr_scheduler"`
	Loss          loss.Config            `json:"loss" mapstructure:"loss"`
	Trainer       training.TrainerConfig `json:"trainer" mapstructure:"trainer"`
}

// Default returns a document matching the reference training setup.
func Default() Document {
	return Document{
		Name: "hifigan",
		Seed: 42,
		Preprocessing: melspec.Config{
			SampleRate: 22050,
			NFFT:       1024,
			WinLength:  1024,
			HopLength:  256,
			NumMels:    80,
			FMin:       0,
			FMax:       8000,
		},
		Arch: ArchConfig{
			Generator: vocoder.DefaultGeneratorConfig(),
			MPD:       vocoder.DefaultMPDConfig(),
			MSD:       vocoder.DefaultMSDConfig(),
		},
		Optimizer:   Component{Type: "Adam"},
		LRScheduler: Component{Type: "ExponentialLR", Args: map[string]any{"gamma": 0.999}},
		Loss:        loss.DefaultConfig(),
		Trainer: training.TrainerConfig{
			Epochs:      100,
			SavePeriod:  5,
			LogStep:     50,
			GradClip:    10,
			Monitor:     "val_mel_loss",
			MonitorMode: "min",
		},
	}
}

// Load reads a document from path, layering the file over the defaults.
func Load(path string) (Document, error) {
	doc := Default()

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Document{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := v.Unmarshal(&doc); err != nil {
		return Document{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := doc.Validate(); err != nil {
		return Document{}, fmt.Errorf("config %s: %w", path, err)
	}
	return doc, nil
}

// Validate checks cross-section consistency the individual component
// constructors cannot see.
func (d Document) Validate() error {
	if d.Preprocessing.HopLength <= 0 {
		return fmt.Errorf("preprocessing: hop_length must be positive")
	}
	if got := d.Arch.Generator.TotalUpsampleFactor(); got != d.Preprocessing.HopLength {
		return fmt.Errorf("generator upsample factor %d does not match hop_length %d",
			got, d.Preprocessing.HopLength)
	}
	if d.Arch.Generator.NumMels != d.Preprocessing.NumMels {
		return fmt.Errorf("generator expects %d mel bands, preprocessing produces %d",
			d.Arch.Generator.NumMels, d.Preprocessing.NumMels)
	}
	for name, split := range d.Data {
		if split.BatchSize <= 0 {
			return fmt.Errorf("data split %q: batch_size must be positive", name)
		}
		if len(split.Datasets) == 0 {
			return fmt.Errorf("data split %q: no datasets", name)
		}
	}
	if mode := strings.ToLower(d.Trainer.MonitorMode); mode != "" && mode != "min" && mode != "max" {
		return fmt.Errorf("trainer: monitor mode must be min or max, got %q", d.Trainer.MonitorMode)
	}
	return nil
}
