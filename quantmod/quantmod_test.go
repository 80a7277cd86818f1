package quantmod

import (
	"math"
	"testing"

	"github.com/AICGijon/gmnet/tensor"
)

func bagInput(t *testing.T, data []float32, batch, bag, fdim int) *tensor.Tensor {
	t.Helper()
	x, err := tensor.NewTensor([]int{batch, bag, fdim}, tensor.Float32, data)
	if err != nil {
		t.Fatalf("failed to build input: %v", err)
	}
	return x
}

func TestMeanAggregation(t *testing.T) {
	agg := NewMean()
	if agg.OutputDim(5) != 5 {
		t.Errorf("OutputDim(5) = %d, want 5", agg.OutputDim(5))
	}

	x := bagInput(t, []float32{
		1, 2,
		3, 4,
		5, 6,
		10, 20,
		30, 40,
		50, 60,
	}, 2, 3, 2)

	out, err := agg.Forward(x)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	want := []float32{3, 4, 30, 40}
	got, _ := out.Float32Data()
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("mean[%d] = %f, want %f", i, got[i], want[i])
		}
	}

	flat, _ := tensor.NewTensor([]int{2, 3}, tensor.Float32, nil)
	if _, err := agg.Forward(flat); err == nil {
		t.Error("expected error for 2D input")
	}
}

func TestSoftHistogramSumsToOne(t *testing.T) {
	hist, err := NewSoftHistogram(8, 0, 1, 50)
	if err != nil {
		t.Fatalf("failed to build histogram: %v", err)
	}
	if hist.OutputDim(3) != 24 {
		t.Errorf("OutputDim(3) = %d, want 24", hist.OutputDim(3))
	}

	// Values well inside [0,1] so edge effects stay small.
	x := bagInput(t, []float32{0.2, 0.5, 0.8, 0.35, 0.65, 0.5}, 1, 6, 1)
	out, err := hist.Forward(x)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if out.Shape[0] != 1 || out.Shape[1] != 8 {
		t.Fatalf("output shape = %v, want [1 8]", out.Shape)
	}

	data, _ := out.Float32Data()
	var sum float64
	for _, v := range data {
		sum += float64(v)
	}
	if math.Abs(sum-1) > 0.05 {
		t.Errorf("histogram mass = %f, want ~1", sum)
	}
}

func TestSoftHistogramValidation(t *testing.T) {
	if _, err := NewSoftHistogram(1, 0, 1, 10); err == nil {
		t.Error("expected error for a single bin")
	}
	if _, err := NewSoftHistogram(4, 1, 0, 10); err == nil {
		t.Error("expected error for inverted range")
	}
}

func TestGaussianLayerResponsibilities(t *testing.T) {
	layer, err := NewGaussianLayer(3, 2, 0.1, 5)
	if err != nil {
		t.Fatalf("failed to build gaussian layer: %v", err)
	}
	if layer.OutputDim(2) != 3 {
		t.Errorf("OutputDim(2) = %d, want 3", layer.OutputDim(2))
	}

	x := bagInput(t, []float32{0.1, 0.2, -0.3, 0.4, 0.5, -0.1, 0.2, 0.2}, 2, 2, 2)
	out, err := layer.Forward(x)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if out.Shape[0] != 2 || out.Shape[1] != 3 {
		t.Fatalf("output shape = %v, want [2 3]", out.Shape)
	}

	// Averaged responsibilities still sum to one per bag.
	data, _ := out.Float32Data()
	for b := 0; b < 2; b++ {
		var sum float64
		for c := 0; c < 3; c++ {
			sum += float64(data[b*3+c])
		}
		if math.Abs(sum-1) > 1e-5 {
			t.Errorf("bag %d responsibilities sum to %f, want 1", b, sum)
		}
	}
}

func TestGaussianLayerGradients(t *testing.T) {
	layer, err := NewGaussianLayer(2, 2, 0.1, 5)
	if err != nil {
		t.Fatalf("failed to build gaussian layer: %v", err)
	}

	x := bagInput(t, []float32{0.3, -0.2, 0.7, 0.1}, 1, 2, 2)
	out, err := layer.Forward(x)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	loss, err := tensor.MeanAutograd(out, 1)
	if err != nil {
		t.Fatalf("mean failed: %v", err)
	}
	if err := tensor.Backward(loss); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	if layer.Means.Grad() == nil {
		t.Error("means received no gradient")
	}
	if layer.LogVars.Grad() == nil {
		t.Error("log-variances received no gradient")
	}
}

func TestGaussianLayerRegularization(t *testing.T) {
	layer, err := NewGaussianLayer(2, 3, 0.5, 1)
	if err != nil {
		t.Fatalf("failed to build gaussian layer: %v", err)
	}
	if layer.RegularizationWeight() != 0.5 {
		t.Errorf("weight = %f, want 0.5", layer.RegularizationWeight())
	}

	penalty, err := layer.RegularizationLoss()
	if err != nil {
		t.Fatalf("regularization failed: %v", err)
	}
	v, err := penalty.Item()
	if err != nil {
		t.Fatalf("penalty is not scalar: %v", err)
	}
	// Log-variances start at zero, so the mean variance is one.
	if math.Abs(float64(v)-1) > 1e-5 {
		t.Errorf("initial penalty = %f, want 1", v)
	}

	if err := tensor.Backward(penalty); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	if layer.LogVars.Grad() == nil {
		t.Error("penalty gradient did not reach log-variances")
	}
}

func TestGaussianLayerClone(t *testing.T) {
	layer, _ := NewGaussianLayer(2, 2, 0.1, 9)
	cloneModule, err := layer.CloneModule()
	if err != nil {
		t.Fatalf("clone failed: %v", err)
	}
	clone := cloneModule.(*GaussianLayer)

	if !tensor.Equal(layer.Means, clone.Means) {
		t.Error("cloned means differ")
	}

	// Mutating the clone must not touch the original.
	data, _ := clone.Means.Float32Data()
	data[0] += 5
	if tensor.Equal(layer.Means, clone.Means) {
		t.Error("clone shares storage with the original")
	}
}
