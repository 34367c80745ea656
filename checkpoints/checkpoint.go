// Package checkpoints persists and restores the full training state as a
// single JSON artifact: generator and discriminator weights, both optimizer
// states, counters, the monitored-metric best, and the config document the
// run was started with. Writes are atomic (temp file + rename) so a crash
// mid-save never corrupts the previous artifact.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Torrentov/hw4-nv/tensor"
	"github.com/Torrentov/hw4-nv/training"
)

// IOError reports a failed checkpoint read or write. It is a warning for
// the triggering save; the previous checkpoint remains valid.
type IOError struct {
	Op   string // "save" or "load"
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("checkpoint %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// WeightTensor is one serialized parameter tensor.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"`
}

// TrainingState captures the counters and the monitored metric.
type TrainingState struct {
	Epoch       int      `json:"epoch"`
	Step        int      `json:"step"`
	MonitorBest *float64 `json:"monitor_best,omitempty"`
}

// Metadata identifies the run that produced the artifact.
type Metadata struct {
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
	Version   string    `json:"version"`
}

// Checkpoint is the complete artifact. Discriminator weights and optimizer
// states are absent in inference-only exports; the generator weights alone
// suffice for synthesis.
type Checkpoint struct {
	Metadata               Metadata                  `json:"metadata"`
	Config                 json.RawMessage           `json:"config,omitempty"`
	TrainingState          TrainingState             `json:"training_state"`
	GeneratorWeights       []WeightTensor            `json:"generator_weights"`
	DiscriminatorWeights   []WeightTensor            `json:"discriminator_weights,omitempty"`
	GeneratorOptimizer     *training.OptimizerState  `json:"generator_optimizer,omitempty"`
	DiscriminatorOptimizer *training.OptimizerState  `json:"discriminator_optimizer,omitempty"`
}

// CaptureWeights snapshots a parameter list. Names are positional, so
// restoring requires the same architecture config.
func CaptureWeights(layer string, params []*tensor.Tensor) []WeightTensor {
	weights := make([]WeightTensor, len(params))
	for i, p := range params {
		weights[i] = WeightTensor{
			Name:  fmt.Sprintf("%s.param_%04d", layer, i),
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float32(nil), p.Data...),
			Layer: layer,
			Type:  "weight",
		}
	}
	return weights
}

// RestoreWeights loads captured weights back into a parameter list of the
// same layout.
func RestoreWeights(weights []WeightTensor, params []*tensor.Tensor) error {
	if len(weights) != len(params) {
		return fmt.Errorf("checkpoint has %d weight tensors, model has %d parameters",
			len(weights), len(params))
	}
	for i, w := range weights {
		if len(w.Data) != params[i].NumElems {
			return fmt.Errorf("weight %q has %d elements, parameter has %d",
				w.Name, len(w.Data), params[i].NumElems)
		}
		copy(params[i].Data, w.Data)
	}
	return nil
}

// Save writes the artifact atomically. On any failure the temp file is
// removed and the previous artifact is untouched.
func Save(ckpt *Checkpoint, path string) error {
	if ckpt.Metadata.CreatedAt.IsZero() {
		ckpt.Metadata.CreatedAt = time.Now().UTC()
	}
	if ckpt.Metadata.RunID == "" {
		ckpt.Metadata.RunID = uuid.NewString()
	}
	if ckpt.Metadata.Version == "" {
		ckpt.Metadata.Version = "1"
	}

	data, err := json.Marshal(ckpt)
	if err != nil {
		return &IOError{Op: "save", Path: path, Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".ckpt-*")
	if err != nil {
		return &IOError{Op: "save", Path: path, Err: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &IOError{Op: "save", Path: path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &IOError{Op: "save", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &IOError{Op: "save", Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return &IOError{Op: "save", Path: path, Err: err}
	}
	return nil
}

// Load reads an artifact back.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &IOError{Op: "load", Path: path, Err: err}
	}
	var ckpt Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, &IOError{Op: "load", Path: path, Err: err}
	}
	return &ckpt, nil
}
