// Command synth loads a trained checkpoint and re-synthesizes audio files
// through the vocoder: each input file is decoded, reduced to its mel
// spectrogram, and regenerated as a waveform.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Torrentov/hw4-nv/checkpoints"
	"github.com/Torrentov/hw4-nv/config"
	"github.com/Torrentov/hw4-nv/dataset"
	"github.com/Torrentov/hw4-nv/melspec"
	"github.com/Torrentov/hw4-nv/telemetry"
	"github.com/Torrentov/hw4-nv/tensor"
	"github.com/Torrentov/hw4-nv/training"
	"github.com/Torrentov/hw4-nv/vocoder"
)

func main() {
	var (
		configPath     string
		checkpointPath string
		inputDir       string
		outputDir      string
	)

	cmd := &cobra.Command{
		Use:           "synth",
		Short:         "Synthesize audio through a trained vocoder",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, checkpointPath, inputDir, outputDir)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "experiment config file (required)")
	cmd.Flags().StringVarP(&checkpointPath, "checkpoint", "p", "", "trained checkpoint (required)")
	cmd.Flags().StringVarP(&inputDir, "input", "i", "", "directory of WAV/FLAC files (required)")
	cmd.Flags().StringVarP(&outputDir, "output", "o", "results", "output directory")
	cmd.MarkFlagRequired("config")
	cmd.MarkFlagRequired("checkpoint")
	cmd.MarkFlagRequired("input")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(configPath, checkpointPath, inputDir, outputDir string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	doc, err := config.Load(configPath)
	if err != nil {
		return err
	}
	extractor, err := melspec.NewExtractor(doc.Preprocessing)
	if err != nil {
		return err
	}

	gen, err := vocoder.NewGenerator(doc.Arch.Generator)
	if err != nil {
		return err
	}
	model := &training.Model{Generator: gen}
	if _, err := checkpoints.Restore(checkpointPath, model, nil, nil); err != nil {
		return fmt.Errorf("load checkpoint %s: %w", checkpointPath, err)
	}
	gen.Eval()

	files, err := listAudioFiles(inputDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	for i, path := range files {
		samples, _, err := dataset.DecodeFile(path)
		if err != nil {
			logger.Warn("skipping input", "path", path, "error", err)
			continue
		}
		melData, frames, err := extractor.Extract(samples)
		if err != nil {
			logger.Warn("skipping input", "path", path, "error", err)
			continue
		}
		mel, err := tensor.New([]int{doc.Preprocessing.NumMels, frames}, melData)
		if err != nil {
			return err
		}
		wave, err := gen.Generate(mel)
		if err != nil {
			return fmt.Errorf("generate %s: %w", path, err)
		}

		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		out := filepath.Join(outputDir, fmt.Sprintf("%03d_%s.wav", i, name))
		if err := telemetry.WriteWAV(out, wave, doc.Preprocessing.SampleRate); err != nil {
			return err
		}
		logger.Info("synthesized", "input", path, "output", out, "samples", len(wave))
	}
	return nil
}

func listAudioFiles(dir string) ([]string, error) {
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
	return files, nil
}
