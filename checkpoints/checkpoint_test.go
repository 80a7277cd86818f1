package checkpoints

import (
	"path/filepath"
	"testing"

	"github.com/AICGijon/gmnet/tensor"
	"github.com/AICGijon/gmnet/training"
)

func makeParams(t *testing.T) []*tensor.Tensor {
	t.Helper()
	w, err := tensor.NewTensor([]int{2, 3}, tensor.Float32, []float32{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatalf("failed to create tensor: %v", err)
	}
	b, err := tensor.NewTensor([]int{1, 3}, tensor.Float32, []float32{0.1, 0.2, 0.3})
	if err != nil {
		t.Fatalf("failed to create tensor: %v", err)
	}
	return []*tensor.Tensor{w, b}
}

func TestWeightsRoundTrip(t *testing.T) {
	params := makeParams(t)
	path := filepath.Join(t.TempDir(), "model.json")

	if err := SaveWeights(path, params); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	fresh := makeParams(t)
	for _, p := range fresh {
		data, _ := p.Float32Data()
		for i := range data {
			data[i] = 0
		}
	}

	if err := LoadWeights(path, fresh); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	for i := range params {
		if !tensor.Equal(params[i], fresh[i]) {
			t.Errorf("parameter %d did not round-trip", i)
		}
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	params := makeParams(t)
	weights, err := ExtractWeights(params)
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}

	opt, err := training.NewAdam(params, 0.01)
	if err != nil {
		t.Fatalf("failed to create optimizer: %v", err)
	}
	sched, err := training.NewReduceLROnPlateauScheduler(0.5, 3)
	if err != nil {
		t.Fatalf("failed to create scheduler: %v", err)
	}

	ckpt := &Checkpoint{
		Epoch:          12,
		BestError:      0.043,
		Weights:        weights,
		OptimizerState: opt.StateDict(),
		SchedulerState: sched.StateDict(),
		Metadata:       map[string]string{"dataset": "synthetic"},
	}

	path := filepath.Join(t.TempDir(), "run.ckpt")
	if err := SaveCheckpoint(path, ckpt); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if loaded.Epoch != 12 || loaded.BestError != 0.043 {
		t.Errorf("training state not restored: epoch %d, best %f", loaded.Epoch, loaded.BestError)
	}
	if loaded.OptimizerState == nil || loaded.OptimizerState.Type != "adam" {
		t.Error("optimizer state not restored")
	}
	if loaded.SchedulerState == nil || loaded.SchedulerState.Patience != 3 {
		t.Error("scheduler state not restored")
	}
	if loaded.Metadata["dataset"] != "synthetic" {
		t.Error("metadata not restored")
	}
	if err := RestoreWeights(loaded.Weights, makeParams(t)); err != nil {
		t.Errorf("restore failed: %v", err)
	}
}

func TestRestoreWeightsShapeMismatch(t *testing.T) {
	params := makeParams(t)
	weights, _ := ExtractWeights(params)

	wrong, _ := tensor.NewTensor([]int{3, 2}, tensor.Float32, nil)
	if err := RestoreWeights(weights, []*tensor.Tensor{wrong, params[1]}); err == nil {
		t.Error("expected shape mismatch error")
	}
	if err := RestoreWeights(weights, params[:1]); err == nil {
		t.Error("expected parameter count mismatch error")
	}
}

func TestLoadMissingCheckpoint(t *testing.T) {
	if _, err := LoadCheckpoint(filepath.Join(t.TempDir(), "absent.ckpt")); err == nil {
		t.Error("expected error for missing file")
	}
}
