package config

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/go-viper/mapstructure/v2"

	"github.com/Torrentov/hw4-nv/dataset"
	"github.com/Torrentov/hw4-nv/melspec"
	"github.com/Torrentov/hw4-nv/tensor"
	"github.com/Torrentov/hw4-nv/training"
)

func decodeArgs(args map[string]any, out any) error {
	if args == nil {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      out,
		TagName:     "mapstructure",
		ErrorUnused: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(args)
}

// BuildOptimizer constructs the optimizer a component names over the given
// parameters.
func BuildOptimizer(c Component, parameters []*tensor.Tensor) (training.Optimizer, error) {
	switch c.Type {
	case "Adam", "AdamW", "":
		cfg := training.DefaultAdamConfig()
		if err := decodeArgs(c.Args, &cfg); err != nil {
			return nil, fmt.Errorf("optimizer args: %w", err)
		}
		return training.NewAdam(parameters, cfg), nil
	default:
		return nil, fmt.Errorf("unknown optimizer type %q", c.Type)
	}
}

// BuildScheduler constructs the learning rate schedule a component names.
func BuildScheduler(c Component) (training.LRScheduler, error) {
	switch c.Type {
	case "ExponentialLR":
		args := struct {
			Gamma float64 `mapstructure:"gamma"`
		}{Gamma: 0.999}
		if err := decodeArgs(c.Args, &args); err != nil {
			return nil, fmt.Errorf("lr_scheduler args: %w", err)
		}
		return training.NewExponentialLRScheduler(args.Gamma), nil
	case "StepLR":
		args := struct {
			StepSize int     `mapstructure:"step_size"`
			Gamma    float64 `mapstructure:"gamma"`
		}{StepSize: 1, Gamma: 0.1}
		if err := decodeArgs(c.Args, &args); err != nil {
			return nil, fmt.Errorf("lr_scheduler args: %w", err)
		}
		return training.NewStepLRScheduler(args.StepSize, args.Gamma), nil
	case "CosineAnnealingLR":
		args := struct {
			TMax   int     `mapstructure:"t_max"`
			EtaMin float64 `mapstructure:"eta_min"`
		}{TMax: 1}
		if err := decodeArgs(c.Args, &args); err != nil {
			return nil, fmt.Errorf("lr_scheduler args: %w", err)
		}
		return training.NewCosineAnnealingLRScheduler(args.TMax, args.EtaMin), nil
	case "ConstantLR", "":
		return &training.ConstantLRScheduler{}, nil
	default:
		return nil, fmt.Errorf("unknown lr_scheduler type %q", c.Type)
	}
}

type datasetArgs struct {
	Dir         string `mapstructure:"dir"`
	CropSamples int    `mapstructure:"crop_samples"`
	Limit       int    `mapstructure:"limit"`
	Seed        int64  `mapstructure:"seed"`
}

// BuildDataset constructs one dataset from its spec. Both corpus-layout and
// flat-directory tags accept the same dir/crop/limit arguments; the tags
// exist so documents stay readable about what they point at.
func BuildDataset(spec DatasetSpec, extractor *melspec.Extractor, logger *slog.Logger) (training.Dataset, error) {
	switch spec.Type {
	case "LJspeechDataset", "CustomDirAudioDataset", "CustomAudioDataset":
		var args datasetArgs
		if err := decodeArgs(spec.Args, &args); err != nil {
			return nil, fmt.Errorf("dataset args: %w", err)
		}
		if args.Dir == "" {
			return nil, fmt.Errorf("dataset %q: dir is required", spec.Type)
		}
		return dataset.NewFromDir(args.Dir, extractor, dataset.Options{
			CropSamples: args.CropSamples,
			Limit:       args.Limit,
			Seed:        args.Seed,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown dataset type %q", spec.Type)
	}
}

// BuildLoaders constructs a data loader per split. The "train" split is
// returned separately from the evaluation splits.
func BuildLoaders(
	doc Document,
	extractor *melspec.Extractor,
	logger *slog.Logger,
) (train *training.DataLoader, evals map[string]*training.DataLoader, err error) {
	evals = make(map[string]*training.DataLoader)

	names := make([]string, 0, len(doc.Data))
	for name := range doc.Data {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		split := doc.Data[name]
		if len(split.Datasets) != 1 {
			return nil, nil, fmt.Errorf("data split %q: exactly one dataset per split is supported, got %d",
				name, len(split.Datasets))
		}
		ds, err := BuildDataset(split.Datasets[0], extractor, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("data split %q: %w", name, err)
		}
		loader, err := training.NewDataLoader(ds, split.BatchSize, split.Shuffle, split.NumWorkers, doc.Seed, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("data split %q: %w", name, err)
		}
		if name == "train" {
			train = loader
		} else {
			evals[name] = loader
		}
	}
	if train == nil {
		return nil, nil, fmt.Errorf("no train split in data section")
	}
	return train, evals, nil
}
