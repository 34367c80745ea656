// Package telemetry records training scalars and rendered audio under a
// per-run directory. Scalars go to an append-only JSONL file so a run can be
// inspected with standard line tools; audio goes to numbered 16-bit WAV
// files.
package telemetry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
)

// Recorder implements training.TelemetrySink. It is safe for concurrent use.
type Recorder struct {
	dir    string
	runID  string
	logger *slog.Logger

	mu      sync.Mutex
	scalars *os.File
	enc     *json.Encoder
	audioN  int
}

type scalarRecord struct {
	Name  string  `json:"name"`
	Step  int     `json:"step"`
	Value float64 `json:"value"`
	Time  string  `json:"time"`
}

// NewRecorder creates baseDir/<runID>/ and opens the scalar log inside it.
func NewRecorder(baseDir string, logger *slog.Logger) (*Recorder, error) {
	runID := uuid.New().String()
	dir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("telemetry: create run dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "scalars.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open scalar log: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		dir:     dir,
		runID:   runID,
		logger:  logger,
		scalars: f,
		enc:     json.NewEncoder(f),
	}, nil
}

// Dir returns the run directory.
func (r *Recorder) Dir() string { return r.dir }

// RunID returns the run identifier.
func (r *Recorder) RunID() string { return r.runID }

// Scalar appends one named value to the scalar log. Write failures are
// logged and dropped so telemetry never interrupts training.
func (r *Recorder) Scalar(name string, step int, value float64) {
	rec := scalarRecord{
		Name:  name,
		Step:  step,
		Value: value,
		Time:  time.Now().UTC().Format(time.RFC3339),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enc.Encode(rec); err != nil {
		r.logger.Warn("scalar write failed", "name", name, "error", err)
	}
}

// Audio writes the samples as a numbered WAV file in the run directory.
func (r *Recorder) Audio(name string, step int, samples []float32, sampleRate int) {
	r.mu.Lock()
	n := r.audioN
	r.audioN++
	r.mu.Unlock()

	path := filepath.Join(r.dir, fmt.Sprintf("%s_step%d_%04d.wav", name, step, n))
	if err := WriteWAV(path, samples, sampleRate); err != nil {
		r.logger.Warn("audio write failed", "name", name, "error", err)
	}
}

// Close flushes and closes the scalar log.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scalars.Close()
}

// WriteWAV encodes mono float32 samples in [-1, 1] as a 16-bit PCM WAV file.
// Samples outside the range are clipped.
func WriteWAV(path string, samples []float32, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	data := make([]int, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		data[i] = int(s * 32767)
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("finalize %s: %w", path, err)
	}
	return f.Close()
}
