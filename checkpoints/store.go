package checkpoints

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/Torrentov/hw4-nv/training"
)

// Store writes periodic and best checkpoints for a model into a run
// directory. It implements training.CheckpointSink.
type Store struct {
	dir    string
	model  *training.Model
	config json.RawMessage
	runID  string
}

// NewStore creates the run directory if needed.
func NewStore(dir string, model *training.Model, config json.RawMessage) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &IOError{Op: "save", Path: dir, Err: err}
	}
	return &Store{
		dir:    dir,
		model:  model,
		config: config,
		runID:  uuid.NewString(),
	}, nil
}

// Save persists the current model plus the trainer snapshot. Periodic saves
// go to checkpoint-epoch<N>.json; best saves go to model_best.json.
func (s *Store) Save(snap training.Snapshot, best bool) error {
	ckpt := &Checkpoint{
		Metadata: Metadata{RunID: s.runID},
		Config:   s.config,
		TrainingState: TrainingState{
			Epoch: snap.Epoch,
			Step:  snap.Step,
		},
		GeneratorWeights:       CaptureWeights("generator", s.model.Generator.Parameters()),
		DiscriminatorWeights:   CaptureWeights("discriminator", s.model.DiscriminatorParameters()),
		GeneratorOptimizer:     snap.GeneratorOptimizer,
		DiscriminatorOptimizer: snap.DiscriminatorOptimizer,
	}
	if !math.IsNaN(snap.MonitorBest) {
		v := snap.MonitorBest
		ckpt.TrainingState.MonitorBest = &v
	}

	name := fmt.Sprintf("checkpoint-epoch%d.json", snap.Epoch)
	if best {
		name = "model_best.json"
	}
	return Save(ckpt, filepath.Join(s.dir, name))
}

// Restore loads an artifact into the model and optimizers, returning the
// stored training state for trainer resume. Nil optimizers skip their
// states (inference only needs the generator weights).
func Restore(path string, model *training.Model, genOpt, discOpt training.Optimizer) (*TrainingState, error) {
	ckpt, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := RestoreWeights(ckpt.GeneratorWeights, model.Generator.Parameters()); err != nil {
		return nil, fmt.Errorf("restore generator: %w", err)
	}
	if discOpt != nil || len(ckpt.DiscriminatorWeights) > 0 {
		if model.MPD != nil && model.MSD != nil && len(ckpt.DiscriminatorWeights) > 0 {
			if err := RestoreWeights(ckpt.DiscriminatorWeights, model.DiscriminatorParameters()); err != nil {
				return nil, fmt.Errorf("restore discriminator: %w", err)
			}
		}
	}
	if genOpt != nil && ckpt.GeneratorOptimizer != nil {
		if err := genOpt.LoadState(ckpt.GeneratorOptimizer); err != nil {
			return nil, fmt.Errorf("restore generator optimizer: %w", err)
		}
	}
	if discOpt != nil && ckpt.DiscriminatorOptimizer != nil {
		if err := discOpt.LoadState(ckpt.DiscriminatorOptimizer); err != nil {
			return nil, fmt.Errorf("restore discriminator optimizer: %w", err)
		}
	}
	return &ckpt.TrainingState, nil
}
