package training

import (
	"math"
	"testing"
)

func TestReduceLROnPlateau(t *testing.T) {
	sched, err := NewReduceLROnPlateauScheduler(0.5, 2)
	if err != nil {
		t.Fatalf("failed to create scheduler: %v", err)
	}

	lr := float32(0.1)

	// Improving metrics keep the rate unchanged.
	for i, metric := range []float64{1.0, 0.9, 0.8} {
		lr = sched.Step(metric, lr)
		if lr != 0.1 {
			t.Errorf("step %d: lr = %f, want 0.1", i, lr)
		}
	}

	// Stalling for patience+1 epochs halves the rate.
	lr = sched.Step(0.8, lr)
	lr = sched.Step(0.8, lr)
	lr = sched.Step(0.8, lr)
	if math.Abs(float64(lr)-0.05) > 1e-9 {
		t.Errorf("after plateau: lr = %f, want 0.05", lr)
	}
}

func TestReduceLROnPlateauMinLR(t *testing.T) {
	sched, err := NewReduceLROnPlateauScheduler(0.1, 0)
	if err != nil {
		t.Fatalf("failed to create scheduler: %v", err)
	}
	sched.MinLR = 0.01

	lr := float32(0.1)
	sched.Step(1.0, lr)
	for i := 0; i < 10; i++ {
		lr = sched.Step(1.0, lr)
	}
	if lr < 0.01 {
		t.Errorf("lr = %f fell below MinLR 0.01", lr)
	}
}

func TestReduceLROnPlateauStateRoundTrip(t *testing.T) {
	sched, _ := NewReduceLROnPlateauScheduler(0.5, 3)
	sched.Step(1.0, 0.1)
	sched.Step(1.0, 0.1)

	state := sched.StateDict()
	restored, _ := NewReduceLROnPlateauScheduler(0.5, 3)
	restored.LoadStateDict(state)

	// Both should halve the rate after the same number of remaining bad
	// epochs.
	lrA := float32(0.1)
	lrB := float32(0.1)
	for i := 0; i < 3; i++ {
		lrA = sched.Step(1.0, lrA)
		lrB = restored.Step(1.0, lrB)
	}
	if lrA != lrB {
		t.Errorf("restored scheduler diverged: %f vs %f", lrB, lrA)
	}
}

func TestStepLRScheduler(t *testing.T) {
	sched, err := NewStepLRScheduler(10, 0.1)
	if err != nil {
		t.Fatalf("failed to create scheduler: %v", err)
	}

	tests := []struct {
		epoch int
		want  float32
	}{
		{0, 1.0},
		{9, 1.0},
		{10, 0.1},
		{20, 0.01},
	}
	for _, tt := range tests {
		got := sched.LRForEpoch(1.0, tt.epoch)
		if math.Abs(float64(got-tt.want)) > 1e-6 {
			t.Errorf("epoch %d: lr = %f, want %f", tt.epoch, got, tt.want)
		}
	}
}

func TestCosineAnnealingScheduler(t *testing.T) {
	sched, err := NewCosineAnnealingScheduler(100, 0.001)
	if err != nil {
		t.Fatalf("failed to create scheduler: %v", err)
	}

	start := sched.LRForEpoch(0.1, 0)
	if math.Abs(float64(start)-0.1) > 1e-6 {
		t.Errorf("epoch 0: lr = %f, want 0.1", start)
	}
	end := sched.LRForEpoch(0.1, 100)
	if math.Abs(float64(end)-0.001) > 1e-6 {
		t.Errorf("epoch 100: lr = %f, want 0.001", end)
	}
	mid := sched.LRForEpoch(0.1, 50)
	if mid <= end || mid >= start {
		t.Errorf("epoch 50: lr = %f not between %f and %f", mid, end, start)
	}
}
