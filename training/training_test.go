package training

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Torrentov/hw4-nv/loss"
	"github.com/Torrentov/hw4-nv/melspec"
	"github.com/Torrentov/hw4-nv/tensor"
	"github.com/Torrentov/hw4-nv/vocoder"
)

func TestAdamMinimizesQuadratic(t *testing.T) {
	x, _ := tensor.New([]int{2}, []float32{5, -3})
	x.SetRequiresGrad(true)

	target, _ := tensor.New([]int{2}, []float32{1, 2})
	opt := NewAdam([]*tensor.Tensor{x}, AdamConfig{LR: 0.1})

	for i := 0; i < 300; i++ {
		opt.ZeroGrad()
		diff := tensor.SubAutograd(x, target)
		l := tensor.SquareMeanAutograd(diff)
		require.NoError(t, l.Backward())
		require.NoError(t, opt.Step())
	}

	assert.InDelta(t, 1.0, x.Data[0], 0.05)
	assert.InDelta(t, 2.0, x.Data[1], 0.05)
}

func TestAdamStateRoundTrip(t *testing.T) {
	x, _ := tensor.New([]int{3}, []float32{1, 2, 3})
	x.SetRequiresGrad(true)
	opt := NewAdam([]*tensor.Tensor{x}, AdamConfig{LR: 0.01})

	opt.ZeroGrad()
	l := tensor.SquareMeanAutograd(x)
	require.NoError(t, l.Backward())
	require.NoError(t, opt.Step())

	state := opt.State()
	assert.Equal(t, "Adam", state.Type)
	assert.Equal(t, int64(1), state.Step)

	// Restoring into a fresh optimizer over the same layout must produce
	// identical subsequent updates.
	y, _ := tensor.New([]int{3}, nil)
	copy(y.Data, x.Data)
	y.SetRequiresGrad(true)
	restored := NewAdam([]*tensor.Tensor{y}, AdamConfig{LR: 0.01})
	require.NoError(t, restored.LoadState(state))

	step := func(opt Optimizer, p *tensor.Tensor) {
		opt.ZeroGrad()
		l := tensor.SquareMeanAutograd(p)
		require.NoError(t, l.Backward())
		require.NoError(t, opt.Step())
	}
	step(opt, x)
	step(restored, y)
	assert.Equal(t, x.Data, y.Data)
}

func TestAdamLoadStateRejectsMismatch(t *testing.T) {
	x, _ := tensor.New([]int{3}, nil)
	x.SetRequiresGrad(true)
	opt := NewAdam([]*tensor.Tensor{x}, AdamConfig{LR: 0.01})

	assert.Error(t, opt.LoadState(&OptimizerState{Type: "SGD"}))
	assert.Error(t, opt.LoadState(&OptimizerState{Type: "Adam"}))
}

func TestSchedulers(t *testing.T) {
	step := NewStepLRScheduler(10, 0.5)
	assert.InDelta(t, 1e-3, step.GetLR(0, 0, 1e-3), 1e-12)
	assert.InDelta(t, 5e-4, step.GetLR(10, 0, 1e-3), 1e-12)
	assert.InDelta(t, 2.5e-4, step.GetLR(20, 0, 1e-3), 1e-12)

	// Exponential decay moves per training step, not per epoch.
	exp := NewExponentialLRScheduler(0.9)
	assert.InDelta(t, 1e-3, exp.GetLR(0, 0, 1e-3), 1e-12)
	assert.InDelta(t, 0.9e-3, exp.GetLR(0, 1, 1e-3), 1e-12)
	assert.InDelta(t, 0.81e-3, exp.GetLR(5, 2, 1e-3), 1e-12)

	cos := NewCosineAnnealingLRScheduler(100, 0)
	assert.InDelta(t, 1e-3, cos.GetLR(0, 0, 1e-3), 1e-9)
	assert.InDelta(t, 0.5e-3, cos.GetLR(50, 0, 1e-3), 1e-9)
	assert.InDelta(t, 0, cos.GetLR(100, 0, 1e-3), 1e-12)

	constant := &ConstantLRScheduler{}
	assert.Equal(t, 1e-3, constant.GetLR(42, 7, 1e-3))
}

func TestClipGradNormEnforcesCeiling(t *testing.T) {
	p, _ := tensor.New([]int{4}, []float32{0, 0, 0, 0})
	p.SetRequiresGrad(true)

	// Force a gradient of norm 20, well above the ceiling of 5.
	big, _ := tensor.New([]int{4}, []float32{10, 10, 10, 10})
	require.NoError(t, p.BackwardWithGrad(big))

	preNorm := ClipGradNorm([]*tensor.Tensor{p}, 5)
	assert.InDelta(t, 20.0, preNorm, 1e-4)
	assert.InDelta(t, 5.0, GradNorm([]*tensor.Tensor{p}), 1e-4)

	// Clipping below the ceiling is a no-op.
	post := ClipGradNorm([]*tensor.Tensor{p}, 10)
	assert.InDelta(t, 5.0, post, 1e-4)
	assert.InDelta(t, 5.0, GradNorm([]*tensor.Tensor{p}), 1e-4)
}

func TestMetricTracker(t *testing.T) {
	m := NewMetricTracker()
	m.Update("loss", 2)
	m.Update("loss", 4)
	assert.Equal(t, 3.0, m.Avg("loss"))
	assert.Equal(t, 0.0, m.Avg("missing"))

	m.Reset()
	assert.Empty(t, m.Result())
}

// sliceDataset serves pre-built samples; indices in fail return an error to
// exercise skip-and-continue.
type sliceDataset struct {
	samples []*Sample
	fail    map[int]bool
}

func (d *sliceDataset) Len() int { return len(d.samples) }

func (d *sliceDataset) Get(i int) (*Sample, error) {
	if d.fail[i] {
		return nil, fmt.Errorf("corrupt item %d", i)
	}
	return d.samples[i], nil
}

func makeSamples(t *testing.T, n, numMels, frames, hop int) []*Sample {
	t.Helper()
	samples := make([]*Sample, n)
	for i := range samples {
		mel, err := tensor.RandomNormal([]int{numMels, frames}, 0, 1)
		require.NoError(t, err)
		audio := make([]float32, frames*hop)
		for j := range audio {
			audio[j] = float32(j%7-3) * 0.1
		}
		samples[i] = &Sample{Mel: mel, Audio: audio, Path: fmt.Sprintf("item_%d.wav", i)}
	}
	return samples
}

func TestDataLoaderBatching(t *testing.T) {
	ds := &sliceDataset{samples: makeSamples(t, 7, 8, 8, 4)}
	dl, err := NewDataLoader(ds, 3, false, 0, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, dl.Len())

	it := dl.Epoch()
	sizes := []int{}
	for {
		b, ok := it.Next()
		if !ok {
			break
		}
		sizes = append(sizes, b.Size())
		assert.Equal(t, []int{b.Size(), 8, 8}, b.Mel.Shape)
		assert.Equal(t, []int{b.Size(), 1, 32}, b.Audio.Shape)
	}
	assert.Equal(t, []int{3, 3, 1}, sizes)
}

func TestDataLoaderSkipsCorruptSamples(t *testing.T) {
	ds := &sliceDataset{
		samples: makeSamples(t, 4, 8, 8, 4),
		fail:    map[int]bool{1: true, 2: true},
	}
	dl, err := NewDataLoader(ds, 2, false, 0, 1, nil)
	require.NoError(t, err)

	var total int
	it := dl.Epoch()
	for {
		b, ok := it.Next()
		if !ok {
			break
		}
		total += b.Size()
	}
	assert.Equal(t, 2, total)
}

func TestDataLoaderPrefetchMatchesSynchronous(t *testing.T) {
	ds := &sliceDataset{samples: makeSamples(t, 6, 8, 8, 4)}

	sync, err := NewDataLoader(ds, 2, true, 0, 42, nil)
	require.NoError(t, err)
	async, err := NewDataLoader(ds, 2, true, 2, 42, nil)
	require.NoError(t, err)

	collect := func(dl *DataLoader) []string {
		var paths []string
		it := dl.Epoch()
		for {
			b, ok := it.Next()
			if !ok {
				break
			}
			paths = append(paths, b.Paths...)
		}
		return paths
	}

	assert.Equal(t, collect(sync), collect(async))
}

func TestDataLoaderCollatePadsToMax(t *testing.T) {
	short, _ := tensor.RandomNormal([]int{4, 3}, 0, 1)
	long, _ := tensor.RandomNormal([]int{4, 5}, 0, 1)
	ds := &sliceDataset{samples: []*Sample{
		{Mel: short, Audio: make([]float32, 12), Path: "a"},
		{Mel: long, Audio: make([]float32, 20), Path: "b"},
	}}
	dl, err := NewDataLoader(ds, 2, false, 0, 1, nil)
	require.NoError(t, err)

	b, ok := dl.Epoch().Next()
	require.True(t, ok)
	assert.Equal(t, []int{2, 4, 5}, b.Mel.Shape)
	assert.Equal(t, []int{2, 1, 20}, b.Audio.Shape)

	// The short mel's tail frames are padding.
	v, err := b.Mel.At(0, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, float32(0), v)
}

// Tiny end-to-end fixtures for the trainer tests.

func tinyModel(t *testing.T) *Model {
	t.Helper()
	gen, err := vocoder.NewGenerator(vocoder.GeneratorConfig{
		NumMels:             8,
		Channels:            4,
		UpsampleKernelSizes: []int{4, 4},
		MRFKernelSizes:      []int{3},
		MRFDilations:        [][][]int{{{1}}},
		HopLength:           4,
		Normalize:           true,
		LeakySlope:          0.1,
	})
	require.NoError(t, err)
	mpd, err := vocoder.NewMultiPeriodDiscriminator(vocoder.MPDConfig{
		Periods:  []int{2, 3},
		Channels: []int{2, 4},
	})
	require.NoError(t, err)
	msd, err := vocoder.NewMultiScaleDiscriminator(vocoder.MSDConfig{Scales: 1, BaseChannels: 16})
	require.NoError(t, err)
	return &Model{Generator: gen, MPD: mpd, MSD: msd}
}

func tinyEngine(t *testing.T) *loss.Engine {
	t.Helper()
	ex, err := melspec.NewExtractor(melspec.Config{
		SampleRate: 22050,
		NFFT:       16,
		WinLength:  16,
		HopLength:  4,
		NumMels:    8,
		FMax:       8000,
	})
	require.NoError(t, err)
	return loss.NewEngine(loss.DefaultConfig(), ex)
}

type recordingCheckpointSink struct {
	saves []Snapshot
	bests []Snapshot
	fail  bool
}

func (r *recordingCheckpointSink) Save(snap Snapshot, best bool) error {
	if r.fail {
		return errors.New("disk full")
	}
	if best {
		r.bests = append(r.bests, snap)
	} else {
		r.saves = append(r.saves, snap)
	}
	return nil
}

func newTinyTrainer(t *testing.T, cfg TrainerConfig, ckpt CheckpointSink) *Trainer {
	t.Helper()
	model := tinyModel(t)
	engine := tinyEngine(t)

	ds := &sliceDataset{samples: makeSamples(t, 4, 8, 8, 4)}
	train, err := NewDataLoader(ds, 2, true, 0, 42, nil)
	require.NoError(t, err)

	genOpt := NewAdam(model.Generator.Parameters(), AdamConfig{LR: 1e-4})
	discOpt := NewAdam(model.DiscriminatorParameters(), AdamConfig{LR: 1e-4})

	tr, err := NewTrainer(model, engine, genOpt, discOpt, nil, nil,
		train, nil, cfg, nil, nil, ckpt)
	require.NoError(t, err)
	return tr
}

func TestTrainerRunsAndUpdatesParameters(t *testing.T) {
	sink := &recordingCheckpointSink{}
	tr := newTinyTrainer(t, TrainerConfig{
		Epochs:     1,
		LenEpoch:   2,
		SavePeriod: 1,
		GradClip:   100,
		SampleRate: 22050,
	}, sink)

	before := tr.model.Generator.Parameters()[0].Clone()
	require.NoError(t, tr.Train(context.Background()))

	after := tr.model.Generator.Parameters()[0]
	assert.NotEqual(t, before.Data, after.Data, "training must update generator weights")
	require.Len(t, sink.saves, 1)
	assert.Equal(t, 1, sink.saves[0].Epoch)
	assert.Equal(t, 2, sink.saves[0].Step)
	require.NotNil(t, sink.saves[0].GeneratorOptimizer)
}

// A monitored metric that never appears never improves, so training must
// stop after exactly the configured patience.
func TestTrainerEarlyStopExactEpoch(t *testing.T) {
	sink := &recordingCheckpointSink{}
	tr := newTinyTrainer(t, TrainerConfig{
		Epochs:     10,
		LenEpoch:   1,
		SavePeriod: 1,
		GradClip:   100,
		Monitor:    "never_present",
		EarlyStop:  2,
	}, sink)

	require.NoError(t, tr.Train(context.Background()))
	assert.Len(t, sink.saves, 2, "training must stop after patience epochs")
	assert.Empty(t, sink.bests)
}

func TestTrainerCheckpointFailureIsNotFatal(t *testing.T) {
	sink := &recordingCheckpointSink{fail: true}
	tr := newTinyTrainer(t, TrainerConfig{
		Epochs:     1,
		LenEpoch:   1,
		SavePeriod: 1,
		GradClip:   100,
	}, sink)

	assert.NoError(t, tr.Train(context.Background()))
}

func TestTrainerCancellation(t *testing.T) {
	tr := newTinyTrainer(t, TrainerConfig{
		Epochs:   100,
		LenEpoch: 1,
		GradClip: 100,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tr.Train(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMatchWaveform(t *testing.T) {
	audio, _ := tensor.New([]int{2, 1, 5}, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})

	same := matchWaveform(audio, 5)
	assert.Same(t, audio, same)

	padded := matchWaveform(audio, 8)
	assert.Equal(t, []int{2, 1, 8}, padded.Shape)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 0, 0, 0}, padded.Data[:8])
	assert.Equal(t, []float32{6, 7, 8, 9, 10, 0, 0, 0}, padded.Data[8:])

	trimmed := matchWaveform(audio, 3)
	assert.Equal(t, []int{2, 1, 3}, trimmed.Shape)
	assert.Equal(t, []float32{1, 2, 3, 6, 7, 8}, trimmed.Data)
}

// Evaluation items are served full length, so their sample count is
// generally not a whole number of hops. The loss decomposition must still
// run: the reference waveform is aligned to the generator output length.
func TestEvaluationHandlesFullLengthItems(t *testing.T) {
	model := tinyModel(t)
	engine := tinyEngine(t)

	mel, err := tensor.RandomNormal([]int{8, 8}, 0, 1)
	require.NoError(t, err)
	audio := make([]float32, 30) // generator emits 8*4 = 32 samples
	for i := range audio {
		audio[i] = float32(i%5-2) * 0.1
	}
	ds := &sliceDataset{samples: []*Sample{{Mel: mel, Audio: audio, Path: "full.wav"}}}
	loader, err := NewDataLoader(ds, 1, false, 0, 1, nil)
	require.NoError(t, err)

	genOpt := NewAdam(model.Generator.Parameters(), AdamConfig{LR: 1e-4})
	discOpt := NewAdam(model.DiscriminatorParameters(), AdamConfig{LR: 1e-4})
	tr, err := NewTrainer(model, engine, genOpt, discOpt, nil, nil,
		loader, map[string]*DataLoader{"val": loader},
		TrainerConfig{Epochs: 1, GradClip: 100, SampleRate: 22050}, nil, nil, nil)
	require.NoError(t, err)

	result, err := tr.evaluationEpoch(context.Background(), 1, "val", loader)
	require.NoError(t, err)

	assert.Contains(t, result, "mel_loss")
	assert.InDelta(t,
		result["generator_loss"]+result["discriminator_loss"],
		result["total_loss"], 1e-4)
}

func TestAbandonedPrefetchIteratorStops(t *testing.T) {
	ds := &sliceDataset{samples: makeSamples(t, 8, 8, 8, 4)}
	dl, err := NewDataLoader(ds, 2, false, 1, 1, nil)
	require.NoError(t, err)

	baseline := runtime.NumGoroutine()
	for i := 0; i < 20; i++ {
		it := dl.Epoch()
		_, ok := it.Next()
		require.True(t, ok)
		it.Close()
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && runtime.NumGoroutine() > baseline+2 {
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
	}
	assert.LessOrEqual(t, runtime.NumGoroutine(), baseline+2,
		"prefetch workers must exit when their iterator is closed")
}

// The exponential schedule advances with the global step counter, one decay
// per completed batch.
func TestTrainerAppliesPerStepSchedule(t *testing.T) {
	model := tinyModel(t)
	engine := tinyEngine(t)
	ds := &sliceDataset{samples: makeSamples(t, 4, 8, 8, 4)}
	train, err := NewDataLoader(ds, 2, true, 0, 42, nil)
	require.NoError(t, err)

	genOpt := NewAdam(model.Generator.Parameters(), AdamConfig{LR: 1e-4})
	discOpt := NewAdam(model.DiscriminatorParameters(), AdamConfig{LR: 1e-4})
	sched := NewExponentialLRScheduler(0.5)

	tr, err := NewTrainer(model, engine, genOpt, discOpt, sched, sched,
		train, nil, TrainerConfig{Epochs: 1, LenEpoch: 3, GradClip: 100, SampleRate: 22050},
		nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Train(context.Background()))

	// Steps 0, 1, 2 ran; the last applied rate is base * 0.5^2.
	assert.InDelta(t, 1e-4*0.25, genOpt.GetLR(), 1e-12)
	assert.InDelta(t, 1e-4*0.25, discOpt.GetLR(), 1e-12)
}

func TestUpdateBestModes(t *testing.T) {
	tr := &Trainer{cfg: TrainerConfig{Monitor: "m", MonitorMode: "min"}}
	assert.True(t, tr.updateBest(map[string]float64{"m": 5}))
	assert.True(t, tr.updateBest(map[string]float64{"m": 4}))
	assert.False(t, tr.updateBest(map[string]float64{"m": 4.5}))

	tr = &Trainer{cfg: TrainerConfig{Monitor: "m", MonitorMode: "max"}, logger: nil}
	assert.True(t, tr.updateBest(map[string]float64{"m": 1}))
	assert.True(t, tr.updateBest(map[string]float64{"m": 2}))
	assert.False(t, tr.updateBest(map[string]float64{"m": 1.5}))
}
