// Command train runs vocoder training from an experiment config, with
// optional resume from a checkpoint.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Torrentov/hw4-nv/checkpoints"
	"github.com/Torrentov/hw4-nv/config"
	"github.com/Torrentov/hw4-nv/loss"
	"github.com/Torrentov/hw4-nv/melspec"
	"github.com/Torrentov/hw4-nv/telemetry"
	"github.com/Torrentov/hw4-nv/tensor"
	"github.com/Torrentov/hw4-nv/training"
	"github.com/Torrentov/hw4-nv/vocoder"
)

func main() {
	var (
		configPath   string
		resumePath   string
		saveDir      string
		telemetryDir string
	)

	cmd := &cobra.Command{
		Use:           "train",
		Short:         "Train the neural vocoder",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, configPath, resumePath, saveDir, telemetryDir)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "experiment config file (required)")
	cmd.Flags().StringVarP(&resumePath, "resume", "r", "", "checkpoint to resume from")
	cmd.Flags().StringVar(&saveDir, "save-dir", "saved", "checkpoint directory")
	cmd.Flags().StringVar(&telemetryDir, "telemetry-dir", "runs", "telemetry directory")
	cmd.MarkFlagRequired("config")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, configPath, resumePath, saveDir, telemetryDir string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	doc, err := config.Load(configPath)
	if err != nil {
		return err
	}
	tensor.SetSeed(doc.Seed)
	logger.Info("starting run", "name", doc.Name, "seed", doc.Seed)

	extractor, err := melspec.NewExtractor(doc.Preprocessing)
	if err != nil {
		return err
	}

	gen, err := vocoder.NewGenerator(doc.Arch.Generator)
	if err != nil {
		return err
	}
	mpd, err := vocoder.NewMultiPeriodDiscriminator(doc.Arch.MPD)
	if err != nil {
		return err
	}
	msd, err := vocoder.NewMultiScaleDiscriminator(doc.Arch.MSD)
	if err != nil {
		return err
	}
	model := &training.Model{Generator: gen, MPD: mpd, MSD: msd}

	genOpt, err := config.BuildOptimizer(doc.Optimizer, gen.Parameters())
	if err != nil {
		return err
	}
	discOpt, err := config.BuildOptimizer(doc.Optimizer, model.DiscriminatorParameters())
	if err != nil {
		return err
	}
	genLR, err := config.BuildScheduler(doc.LRScheduler)
	if err != nil {
		return err
	}
	discLR, err := config.BuildScheduler(doc.LRScheduler)
	if err != nil {
		return err
	}

	train, evals, err := config.BuildLoaders(doc, extractor, logger)
	if err != nil {
		return err
	}

	recorder, err := telemetry.NewRecorder(telemetryDir, logger)
	if err != nil {
		return err
	}
	defer recorder.Close()
	logger.Info("telemetry", "dir", recorder.Dir())

	rawDoc, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("serialize config: %w", err)
	}
	store, err := checkpoints.NewStore(saveDir, model, rawDoc)
	if err != nil {
		return err
	}

	engine := loss.NewEngine(doc.Loss, extractor)
	trainer, err := training.NewTrainer(model, engine, genOpt, discOpt, genLR, discLR,
		train, evals, doc.Trainer, logger, recorder, store)
	if err != nil {
		return err
	}

	if resumePath != "" {
		state, err := checkpoints.Restore(resumePath, model, genOpt, discOpt)
		if err != nil {
			return fmt.Errorf("resume from %s: %w", resumePath, err)
		}
		best := math.NaN()
		if state.MonitorBest != nil {
			best = *state.MonitorBest
		}
		trainer.Resume(state.Epoch, state.Step, best)
		logger.Info("resumed", "path", resumePath, "epoch", state.Epoch, "step", state.Step)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return trainer.Train(ctx)
}
