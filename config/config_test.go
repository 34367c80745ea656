package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Torrentov/hw4-nv/tensor"
	"github.com/Torrentov/hw4-nv/training"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"name": "small-run",
		"optimizer": {"type": "Adam", "args": {"lr": 0.0003}},
		"trainer": {"epochs": 3, "save_period": 1, "log_step": 10, "monitor": "val_mel_loss", "monitor_mode": "min"}
	}`)
	doc, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "small-run", doc.Name)
	assert.Equal(t, 3, doc.Trainer.Epochs)
	// untouched sections keep their defaults
	assert.Equal(t, 256, doc.Preprocessing.HopLength)
	assert.Equal(t, 80, doc.Arch.Generator.NumMels)
	assert.InDelta(t, 0.0003, doc.Optimizer.Args["lr"], 1e-12)
}

func TestLoadRejectsMismatchedUpsample(t *testing.T) {
	path := writeConfig(t, `{
		"preprocessing": {"hop_length": 128}
	}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsample factor")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestBuildOptimizerAdam(t *testing.T) {
	p, err := tensor.Zeros([]int{2, 2})
	require.NoError(t, err)
	p.SetRequiresGrad(true)

	opt, err := BuildOptimizer(Component{
		Type: "Adam",
		Args: map[string]any{"lr": 0.001, "beta1": 0.9},
	}, []*tensor.Tensor{p})
	require.NoError(t, err)
	assert.InDelta(t, 0.001, opt.GetLR(), 1e-12)
}

func TestBuildOptimizerUnknownType(t *testing.T) {
	_, err := BuildOptimizer(Component{Type: "LBFGS"}, nil)
	assert.Error(t, err)
}

func TestBuildOptimizerRejectsUnknownArgs(t *testing.T) {
	_, err := BuildOptimizer(Component{
		Type: "Adam",
		Args: map[string]any{"learning_rate": 0.001},
	}, nil)
	assert.Error(t, err)
}

func TestBuildScheduler(t *testing.T) {
	cases := []struct {
		name string
		c    Component
		want float64 // LR at epoch 2, step 2, base 1.0
	}{
		{"exponential", Component{Type: "ExponentialLR", Args: map[string]any{"gamma": 0.5}}, 0.25},
		{"step", Component{Type: "StepLR", Args: map[string]any{"step_size": 1, "gamma": 0.1}}, 0.01},
		{"constant", Component{Type: "ConstantLR"}, 1.0},
		{"default", Component{}, 1.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sched, err := BuildScheduler(tc.c)
			require.NoError(t, err)
			assert.InDelta(t, tc.want, sched.GetLR(2, 2, 1.0), 1e-9)
		})
	}
}

func TestBuildSchedulerUnknownType(t *testing.T) {
	_, err := BuildScheduler(Component{Type: "OneCycleLR"})
	assert.Error(t, err)
}

func TestBuildDatasetUnknownType(t *testing.T) {
	_, err := BuildDataset(DatasetSpec{Type: "CommonVoiceDataset2"}, nil, nil)
	assert.Error(t, err)
}

func TestBuildDatasetRequiresDir(t *testing.T) {
	_, err := BuildDataset(DatasetSpec{Type: "LJspeechDataset"}, nil, nil)
	assert.Error(t, err)
}

var _ training.LRScheduler = (*training.ConstantLRScheduler)(nil)
