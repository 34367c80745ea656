package training

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/Torrentov/hw4-nv/loss"
	"github.com/Torrentov/hw4-nv/tensor"
	"github.com/Torrentov/hw4-nv/vocoder"
)

// Model bundles the generator with its two discriminator ensembles.
type Model struct {
	Generator *vocoder.Generator
	MPD       *vocoder.MultiPeriodDiscriminator
	MSD       *vocoder.MultiScaleDiscriminator
}

// DiscriminatorParameters returns the joint MPD+MSD parameter list.
func (m *Model) DiscriminatorParameters() []*tensor.Tensor {
	return append(m.MPD.Parameters(), m.MSD.Parameters()...)
}

// TelemetrySink receives named scalars and rendered audio samples. The
// trainer only needs this narrow surface of the dashboard collaborator.
type TelemetrySink interface {
	Scalar(name string, step int, value float64)
	Audio(name string, step int, samples []float32, sampleRate int)
}

type nopSink struct{}

func (nopSink) Scalar(string, int, float64) {}
func (nopSink) Audio(string, int, []float32, int) {}

// Snapshot is everything the trainer owns that a checkpoint must carry
// besides the model weights.
type Snapshot struct {
	Epoch                  int
	Step                   int
	MonitorBest            float64
	GeneratorOptimizer     *OptimizerState
	DiscriminatorOptimizer *OptimizerState
}

// CheckpointSink persists training state. Save failures are surfaced as
// warnings; training continues and the previous artifact stays valid.
type CheckpointSink interface {
	Save(snap Snapshot, best bool) error
}

// TrainerConfig holds the training-loop knobs.
type TrainerConfig struct {
	Epochs        int     `json:"epochs" mapstructure:"epochs"`
	LenEpoch      int     `json:"len_epoch" mapstructure:"len_epoch"` // 0 = one full pass per epoch
	SavePeriod    int     `json:"save_period" mapstructure:"save_period"`
	LogStep       int     `json:"log_step" mapstructure:"log_step"`
	GradClip      float64 `json:"grad_norm_clip" mapstructure:"grad_norm_clip"`
	Monitor       string  `json:"monitor" mapstructure:"monitor"`
	MonitorMode   string  `json:"monitor_mode" mapstructure:"monitor_mode"` // "min" or "max"
	EarlyStop     int     `json:"early_stop" mapstructure:"early_stop"`     // 0 = disabled
	SampleRate    int     `json:"sample_rate" mapstructure:"sample_rate"`
	AudioLogCount int     `json:"audio_log_count" mapstructure:"audio_log_count"`
}

// Trainer runs the alternating two-phase optimization of the generator and
// discriminator parameter sets.
type Trainer struct {
	model   *Model
	engine  *loss.Engine
	genOpt  Optimizer
	discOpt Optimizer
	genLR   LRScheduler
	discLR  LRScheduler
	baseGenLR  float64
	baseDiscLR float64

	train  *DataLoader
	evals  map[string]*DataLoader
	cfg    TrainerConfig
	logger *slog.Logger
	sink   TelemetrySink
	ckpt   CheckpointSink

	startEpoch int
	step       int
	best       float64
	bestSet    bool
}

// NewTrainer wires the training loop. Evaluation loaders are keyed by split
// name ("val", "test"); sink and ckpt may be nil.
func NewTrainer(
	model *Model,
	engine *loss.Engine,
	genOpt, discOpt Optimizer,
	genLR, discLR LRScheduler,
	train *DataLoader,
	evals map[string]*DataLoader,
	cfg TrainerConfig,
	logger *slog.Logger,
	sink TelemetrySink,
	ckpt CheckpointSink,
) (*Trainer, error) {
	if cfg.Epochs <= 0 {
		return nil, fmt.Errorf("trainer: epochs must be positive, got %d", cfg.Epochs)
	}
	if cfg.LogStep <= 0 {
		cfg.LogStep = 50
	}
	if cfg.MonitorMode == "" {
		cfg.MonitorMode = "min"
	}
	if cfg.MonitorMode != "min" && cfg.MonitorMode != "max" {
		return nil, fmt.Errorf("trainer: monitor_mode must be min or max, got %q", cfg.MonitorMode)
	}
	if cfg.AudioLogCount == 0 {
		cfg.AudioLogCount = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = nopSink{}
	}
	if genLR == nil {
		genLR = &ConstantLRScheduler{}
	}
	if discLR == nil {
		discLR = &ConstantLRScheduler{}
	}
	return &Trainer{
		model:      model,
		engine:     engine,
		genOpt:     genOpt,
		discOpt:    discOpt,
		genLR:      genLR,
		discLR:     discLR,
		baseGenLR:  genOpt.GetLR(),
		baseDiscLR: discOpt.GetLR(),
		train:      train,
		evals:      evals,
		cfg:        cfg,
		logger:     logger,
		sink:       sink,
		ckpt:       ckpt,
		startEpoch: 1,
	}, nil
}

// Resume positions the trainer after a restored checkpoint.
func (t *Trainer) Resume(epoch, step int, monitorBest float64) {
	t.startEpoch = epoch + 1
	t.step = step
	if !math.IsNaN(monitorBest) {
		t.best = monitorBest
		t.bestSet = true
	}
}

// Train runs the full loop. It returns ctx.Err() if cancelled between
// steps; an in-flight step always completes first.
func (t *Trainer) Train(ctx context.Context) error {
	sinceImproved := 0

	for epoch := t.startEpoch; epoch <= t.cfg.Epochs; epoch++ {
		log, err := t.trainEpoch(ctx, epoch)
		if err != nil {
			return err
		}

		for part, loader := range t.evals {
			evalLog, err := t.evaluationEpoch(ctx, epoch, part, loader)
			if err != nil {
				return err
			}
			for name, v := range evalLog {
				log[part+"_"+name] = v
			}
		}

		improved := t.updateBest(log)
		if improved {
			sinceImproved = 0
			t.save(epoch, true)
		} else {
			sinceImproved++
		}
		if t.cfg.SavePeriod > 0 && epoch%t.cfg.SavePeriod == 0 {
			t.save(epoch, false)
		}

		t.logger.Info("epoch complete",
			"epoch", epoch,
			"generator_loss", log["total_loss"],
			"discriminator_loss", log["discriminator_loss"],
			"monitor_best", t.best)

		if t.cfg.EarlyStop > 0 && sinceImproved >= t.cfg.EarlyStop {
			t.logger.Info("early stopping",
				"epoch", epoch,
				"monitor", t.cfg.Monitor,
				"patience", t.cfg.EarlyStop)
			return nil
		}
	}
	return nil
}

// updateBest checks the monitored metric and returns whether it improved.
// With no monitor configured, every epoch counts as an improvement.
func (t *Trainer) updateBest(log map[string]float64) bool {
	if t.cfg.Monitor == "" {
		return true
	}
	value, ok := log[t.cfg.Monitor]
	if !ok {
		t.logger.Warn("monitored metric missing from epoch log", "monitor", t.cfg.Monitor)
		return false
	}
	if !t.bestSet {
		t.best = value
		t.bestSet = true
		return true
	}
	improved := false
	if t.cfg.MonitorMode == "min" {
		improved = value < t.best
	} else {
		improved = value > t.best
	}
	if improved {
		t.best = value
	}
	return improved
}

func (t *Trainer) save(epoch int, best bool) {
	if t.ckpt == nil {
		return
	}
	monitorBest := math.NaN()
	if t.bestSet {
		monitorBest = t.best
	}
	snap := Snapshot{
		Epoch:                  epoch,
		Step:                   t.step,
		MonitorBest:            monitorBest,
		GeneratorOptimizer:     t.genOpt.State(),
		DiscriminatorOptimizer: t.discOpt.State(),
	}
	if err := t.ckpt.Save(snap, best); err != nil {
		// Not fatal: the previous artifact remains the recovery point.
		t.logger.Warn("checkpoint save failed", "epoch", epoch, "best", best, "error", err)
	}
}

func (t *Trainer) trainEpoch(ctx context.Context, epoch int) (map[string]float64, error) {
	t.model.Generator.Train()
	tracker := NewMetricTracker()
	lastResult := map[string]float64{}

	lenEpoch := t.cfg.LenEpoch
	if lenEpoch <= 0 {
		lenEpoch = t.train.Len()
	}

	it := t.train.Epoch()
	defer func() { it.Close() }()
	for batchIdx := 0; batchIdx < lenEpoch; batchIdx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, ok := it.Next()
		if !ok {
			// Iteration-based epochs cycle the loader indefinitely.
			it = t.train.Epoch()
			batch, ok = it.Next()
			if !ok {
				break
			}
		}

		if err := t.trainStep(epoch, batch, tracker); err != nil {
			return nil, err
		}
		t.step++

		if batchIdx%t.cfg.LogStep == 0 {
			t.emitScalars(tracker)
			t.sink.Scalar("generator_lr", t.step, t.genOpt.GetLR())
			t.sink.Scalar("discriminator_lr", t.step, t.discOpt.GetLR())
			t.logger.Debug("train step",
				"epoch", epoch,
				"batch", batchIdx,
				"total_loss", tracker.Avg("total_loss"))
			lastResult = tracker.Result()
			tracker.Reset()
		}
	}

	if len(tracker.Result()) > 0 {
		lastResult = tracker.Result()
	}
	return lastResult, nil
}

// trainStep runs one alternating two-phase step: the discriminator update
// completes, optimizer step included, before the generator-phase forward
// that will be backpropagated.
func (t *Trainer) trainStep(epoch int, batch *Batch, tracker *MetricTracker) error {
	t.genOpt.SetLR(t.genLR.GetLR(epoch-1, t.step, t.baseGenLR))
	t.discOpt.SetLR(t.discLR.GetLR(epoch-1, t.step, t.baseDiscLR))

	fake, err := t.model.Generator.Forward(batch.Mel)
	if err != nil {
		return fmt.Errorf("generator forward: %w", err)
	}
	realWave := matchWaveform(batch.Audio, fake.Shape[len(fake.Shape)-1])

	// Discriminator phase: no gradient may reach the generator.
	fakeDetached := fake.Detach()
	t.discOpt.ZeroGrad()

	mpdReal, err := t.model.MPD.Discriminate(realWave)
	if err != nil {
		return err
	}
	mpdFake, err := t.model.MPD.Discriminate(fakeDetached)
	if err != nil {
		return err
	}
	msdReal, err := t.model.MSD.Discriminate(realWave)
	if err != nil {
		return err
	}
	msdFake, err := t.model.MSD.Discriminate(fakeDetached)
	if err != nil {
		return err
	}

	dRes, err := t.engine.DiscriminatorLoss(mpdReal, mpdFake, msdReal, msdFake)
	if err != nil {
		return err
	}
	if !dRes.Total.IsFinite() {
		return &NumericError{Phase: "discriminator", What: "loss", Epoch: epoch, Step: t.step}
	}
	if err := dRes.Total.Backward(); err != nil {
		return fmt.Errorf("discriminator backward: %w", err)
	}
	discParams := t.model.DiscriminatorParameters()
	discNorm := ClipGradNorm(discParams, t.cfg.GradClip)
	if !GradsFinite(discParams) {
		return &NumericError{Phase: "discriminator", What: "gradient", Epoch: epoch, Step: t.step}
	}
	if err := t.discOpt.Step(); err != nil {
		return fmt.Errorf("discriminator optimizer: %w", err)
	}

	// Generator phase: recompute discriminator outputs on the attached
	// fake so gradient flows into the generator.
	t.genOpt.ZeroGrad()
	tensor.ZeroGrad(discParams)

	mpdFakeG, err := t.model.MPD.Discriminate(fake)
	if err != nil {
		return err
	}
	msdFakeG, err := t.model.MSD.Discriminate(fake)
	if err != nil {
		return err
	}

	gRes, err := t.engine.GeneratorLoss(fake, realWave, mpdReal, mpdFakeG, msdReal, msdFakeG)
	if err != nil {
		return err
	}
	if !gRes.Total.IsFinite() {
		return &NumericError{Phase: "generator", What: "loss", Epoch: epoch, Step: t.step}
	}
	if err := gRes.Total.Backward(); err != nil {
		return fmt.Errorf("generator backward: %w", err)
	}
	genParams := t.model.Generator.Parameters()
	genNorm := ClipGradNorm(genParams, t.cfg.GradClip)
	if !GradsFinite(genParams) {
		return &NumericError{Phase: "generator", What: "gradient", Epoch: epoch, Step: t.step}
	}
	if err := t.genOpt.Step(); err != nil {
		return fmt.Errorf("generator optimizer: %w", err)
	}

	tracker.UpdateAll(dRes.Scalars())
	tracker.UpdateAll(gRes.Scalars())
	tracker.Update("total_loss", float64(gRes.Total.Data[0])+float64(dRes.Total.Data[0]))
	tracker.Update("generator_grad_norm", genNorm)
	tracker.Update("discriminator_grad_norm", discNorm)
	return nil
}

// matchWaveform trims or right-pads the reference waveform batch [B, 1, S]
// to the generator output length. Full-length evaluation items are generally
// not a whole number of hops, while the generator always emits frames*hop
// samples.
func matchWaveform(audio *tensor.Tensor, length int) *tensor.Tensor {
	current := audio.Shape[len(audio.Shape)-1]
	if current == length {
		return audio
	}
	batch := audio.Shape[0]
	data := make([]float32, batch*length)
	n := min(current, length)
	for b := 0; b < batch; b++ {
		copy(data[b*length:b*length+n], audio.Data[b*current:b*current+n])
	}
	out, _ := tensor.New([]int{batch, 1, length}, data)
	return out
}

// evaluationEpoch runs the loss decomposition over a held-out loader with
// no parameter updates.
func (t *Trainer) evaluationEpoch(ctx context.Context, epoch int, part string, loader *DataLoader) (map[string]float64, error) {
	t.model.Generator.Eval()
	defer t.model.Generator.Train()

	tracker := NewMetricTracker()
	var lastBatch *Batch
	var lastFake *tensor.Tensor

	it := loader.Epoch()
	defer it.Close()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, ok := it.Next()
		if !ok {
			break
		}

		fake, err := t.model.Generator.Forward(batch.Mel)
		if err != nil {
			return nil, fmt.Errorf("generator forward (%s): %w", part, err)
		}
		fake = fake.Detach()
		realWave := matchWaveform(batch.Audio, fake.Shape[len(fake.Shape)-1])

		mpdReal, err := t.model.MPD.Discriminate(realWave)
		if err != nil {
			return nil, err
		}
		mpdFake, err := t.model.MPD.Discriminate(fake)
		if err != nil {
			return nil, err
		}
		msdReal, err := t.model.MSD.Discriminate(realWave)
		if err != nil {
			return nil, err
		}
		msdFake, err := t.model.MSD.Discriminate(fake)
		if err != nil {
			return nil, err
		}

		dRes, err := t.engine.DiscriminatorLoss(mpdReal, mpdFake, msdReal, msdFake)
		if err != nil {
			return nil, err
		}
		gRes, err := t.engine.GeneratorLoss(fake, realWave, mpdReal, mpdFake, msdReal, msdFake)
		if err != nil {
			return nil, err
		}

		tracker.UpdateAll(dRes.Scalars())
		tracker.UpdateAll(gRes.Scalars())
		tracker.Update("total_loss", float64(gRes.Total.Data[0])+float64(dRes.Total.Data[0]))
		lastBatch, lastFake = batch, fake
	}

	result := tracker.Result()
	for name, v := range result {
		t.sink.Scalar(part+"_"+name, t.step, v)
	}
	if part == "test" && lastBatch != nil {
		t.logAudio(lastBatch, lastFake)
	}
	return result, nil
}

// logAudio renders the first items of the batch to the telemetry sink.
func (t *Trainer) logAudio(batch *Batch, fake *tensor.Tensor) {
	n := t.cfg.AudioLogCount
	if n > batch.Size() {
		n = batch.Size()
	}
	samples := batch.Audio.Shape[2]
	genSamples := fake.Shape[2]
	for i := 0; i < n; i++ {
		t.sink.Audio(fmt.Sprintf("audio_generated_%d", i), t.step,
			fake.Data[i*genSamples:(i+1)*genSamples], t.cfg.SampleRate)
		t.sink.Audio(fmt.Sprintf("audio_ground_truth_%d", i), t.step,
			batch.Audio.Data[i*samples:(i+1)*samples], t.cfg.SampleRate)
	}
}

func (t *Trainer) emitScalars(tracker *MetricTracker) {
	for name, v := range tracker.Result() {
		t.sink.Scalar(name, t.step, v)
	}
}
