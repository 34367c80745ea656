package training

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/Torrentov/hw4-nv/tensor"
)

// Sample is one (mel, waveform) pair produced by a dataset.
type Sample struct {
	Mel   *tensor.Tensor // [n_mels, frames]
	Audio []float32
	Path  string
}

// Dataset is the data collaborator contract: fixed-length crops for
// training, full-length items for evaluation. Implementations handle
// corrupt items themselves (skip-and-continue); an error from Get is logged
// and the sample dropped from its batch.
type Dataset interface {
	Len() int
	Get(index int) (*Sample, error)
}

// Batch is a collated set of samples, right-padded to the batch maximum
// lengths.
type Batch struct {
	Mel   *tensor.Tensor // [batch, n_mels, maxFrames]
	Audio *tensor.Tensor // [batch, 1, maxSamples]
	Paths []string
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int { return b.Mel.Shape[0] }

// DataLoader batches a dataset with optional shuffling and prefetch
// workers. Zero workers means synchronous, in-loop loading.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	workers   int
	rng       *rand.Rand
	logger    *slog.Logger
}

// NewDataLoader creates a data loader. The seed fixes the shuffle order.
func NewDataLoader(ds Dataset, batchSize int, shuffle bool, workers int, seed int64, logger *slog.Logger) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("dataloader: batch size must be positive, got %d", batchSize)
	}
	if workers < 0 {
		return nil, fmt.Errorf("dataloader: worker count must be non-negative, got %d", workers)
	}
	if ds.Len() == 0 {
		return nil, fmt.Errorf("dataloader: empty dataset")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DataLoader{
		dataset:   ds,
		batchSize: batchSize,
		shuffle:   shuffle,
		workers:   workers,
		rng:       rand.New(rand.NewSource(seed)),
		logger:    logger,
	}, nil
}

// Len returns the number of batches in one pass over the dataset.
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Epoch starts one pass over the dataset and returns its batch iterator.
func (dl *DataLoader) Epoch() *BatchIterator {
	indices := make([]int, dl.dataset.Len())
	for i := range indices {
		indices[i] = i
	}
	if dl.shuffle {
		dl.rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}

	it := &BatchIterator{loader: dl, indices: indices}
	if dl.workers > 0 {
		it.ch = make(chan *Batch, dl.workers)
		it.done = make(chan struct{})
		go it.prefetch()
	}
	return it
}

// BatchIterator yields the batches of one epoch. An iterator abandoned
// before exhaustion must be closed so its prefetch worker exits.
type BatchIterator struct {
	loader  *DataLoader
	indices []int
	pos     int
	ch      chan *Batch
	done    chan struct{}
	once    sync.Once
}

// Next returns the next batch, or false when the epoch is exhausted. A
// batch whose every sample failed to load is skipped entirely.
func (it *BatchIterator) Next() (*Batch, bool) {
	if it.ch != nil {
		b, ok := <-it.ch
		return b, ok
	}
	for it.pos < len(it.indices) {
		batch := it.loader.loadBatch(it.indices[it.pos:min(it.pos+it.loader.batchSize, len(it.indices))])
		it.pos += it.loader.batchSize
		if batch != nil {
			return batch, true
		}
	}
	return nil, false
}

func (it *BatchIterator) prefetch() {
	defer close(it.ch)
	for pos := 0; pos < len(it.indices); pos += it.loader.batchSize {
		end := min(pos+it.loader.batchSize, len(it.indices))
		batch := it.loader.loadBatch(it.indices[pos:end])
		if batch == nil {
			continue
		}
		select {
		case it.ch <- batch:
		case <-it.done:
			return
		}
	}
}

// Close releases the prefetch worker. It is safe to call more than once,
// after exhaustion, and on synchronous iterators.
func (it *BatchIterator) Close() {
	if it.ch == nil {
		return
	}
	it.once.Do(func() { close(it.done) })
}

func (dl *DataLoader) loadBatch(indices []int) *Batch {
	samples := make([]*Sample, 0, len(indices))
	for _, idx := range indices {
		s, err := dl.dataset.Get(idx)
		if err != nil {
			dl.logger.Warn("skipping sample", "index", idx, "error", err)
			continue
		}
		samples = append(samples, s)
	}
	if len(samples) == 0 {
		return nil
	}
	return collate(samples)
}

// collate right-pads mels and waveforms to the batch maximum lengths.
func collate(samples []*Sample) *Batch {
	numMels := samples[0].Mel.Shape[0]
	maxFrames, maxSamples := 0, 0
	for _, s := range samples {
		if f := s.Mel.Shape[1]; f > maxFrames {
			maxFrames = f
		}
		if len(s.Audio) > maxSamples {
			maxSamples = len(s.Audio)
		}
	}

	melData := make([]float32, len(samples)*numMels*maxFrames)
	audioData := make([]float32, len(samples)*maxSamples)
	paths := make([]string, len(samples))

	for i, s := range samples {
		frames := s.Mel.Shape[1]
		for m := 0; m < numMels; m++ {
			src := s.Mel.Data[m*frames : (m+1)*frames]
			dst := melData[(i*numMels+m)*maxFrames:]
			copy(dst[:frames], src)
		}
		copy(audioData[i*maxSamples:], s.Audio)
		paths[i] = s.Path
	}

	mel, _ := tensor.New([]int{len(samples), numMels, maxFrames}, melData)
	audio, _ := tensor.New([]int{len(samples), 1, maxSamples}, audioData)
	return &Batch{Mel: mel, Audio: audio, Paths: paths}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
