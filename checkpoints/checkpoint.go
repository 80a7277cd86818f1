// Package checkpoints persists model weights and full training state as
// JSON, supporting both weights-only snapshots and resumable checkpoints.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/AICGijon/gmnet/tensor"
	"github.com/AICGijon/gmnet/training"
)

// WeightTensor is one serialized parameter.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// Checkpoint captures everything needed to resume a training run.
type Checkpoint struct {
	Epoch          int                      `json:"epoch"`
	BestError      float64                  `json:"best_error"`
	Weights        []WeightTensor           `json:"weights"`
	OptimizerState *training.OptimizerState `json:"optimizer_state,omitempty"`
	SchedulerState *training.SchedulerState `json:"scheduler_state,omitempty"`
	Metadata       map[string]string        `json:"metadata,omitempty"`
}

// ExtractWeights serializes parameters in order. Names are positional so a
// model rebuilt with the same architecture restores deterministically.
func ExtractWeights(params []*tensor.Tensor) ([]WeightTensor, error) {
	weights := make([]WeightTensor, len(params))
	for i, p := range params {
		data, err := p.Float32Data()
		if err != nil {
			return nil, fmt.Errorf("parameter %d is not a float tensor: %v", i, err)
		}
		weights[i] = WeightTensor{
			Name:  fmt.Sprintf("param_%d", i),
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float32(nil), data...),
		}
	}
	return weights, nil
}

// RestoreWeights copies serialized values back into parameters, verifying
// count and shapes.
func RestoreWeights(weights []WeightTensor, params []*tensor.Tensor) error {
	if len(weights) != len(params) {
		return fmt.Errorf("checkpoint has %d parameters, model has %d", len(weights), len(params))
	}
	for i, w := range weights {
		p := params[i]
		if len(w.Shape) != len(p.Shape) {
			return fmt.Errorf("parameter %d rank mismatch: checkpoint %v, model %v", i, w.Shape, p.Shape)
		}
		for d := range w.Shape {
			if w.Shape[d] != p.Shape[d] {
				return fmt.Errorf("parameter %d shape mismatch: checkpoint %v, model %v", i, w.Shape, p.Shape)
			}
		}
		dst, err := p.Float32Data()
		if err != nil {
			return err
		}
		if len(w.Data) != len(dst) {
			return fmt.Errorf("parameter %d has %d values in checkpoint, expected %d", i, len(w.Data), len(dst))
		}
		copy(dst, w.Data)
	}
	return nil
}

// SaveCheckpoint writes a checkpoint atomically: a temp file in the same
// directory is renamed over the target.
func SaveCheckpoint(path string, ckpt *Checkpoint) error {
	data, err := json.Marshal(ckpt)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".ckpt-*")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint file: %v", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close checkpoint file: %v", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move checkpoint into place: %v", err)
	}
	return nil
}

// LoadCheckpoint reads a checkpoint written by SaveCheckpoint.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %v", err)
	}
	var ckpt Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	return &ckpt, nil
}

// SaveWeights writes a weights-only model file.
func SaveWeights(path string, params []*tensor.Tensor) error {
	weights, err := ExtractWeights(params)
	if err != nil {
		return err
	}
	return SaveCheckpoint(path, &Checkpoint{Weights: weights})
}

// LoadWeights restores parameters from a weights-only model file.
func LoadWeights(path string, params []*tensor.Tensor) error {
	ckpt, err := LoadCheckpoint(path)
	if err != nil {
		return err
	}
	return RestoreWeights(ckpt.Weights, params)
}
