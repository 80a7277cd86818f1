package quant

import (
	"context"
	"math"
	"testing"
)

func labeledDataset(t *testing.T, labels []int) *SliceDataset {
	t.Helper()
	features := make([][]float32, len(labels))
	for i := range features {
		features[i] = []float32{float32(i), float32(i) * 2}
	}
	ds, err := NewSliceDataset(features, labels)
	if err != nil {
		t.Fatalf("failed to create dataset: %v", err)
	}
	return ds
}

func TestUniformBagGeneratorPrevalences(t *testing.T) {
	labels := make([]int, 90)
	for i := range labels {
		labels[i] = i % 3
	}
	ds := labeledDataset(t, labels)

	gen, err := NewUniformBagGenerator(3, 1)
	if err != nil {
		t.Fatalf("failed to create generator: %v", err)
	}
	if !gen.UsesLabels() {
		t.Error("labeled generator must report UsesLabels")
	}

	indexes, prevs, err := gen.Generate(ds, 20, 30)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if indexes.Shape[0] != 20 || indexes.Shape[1] != 30 {
		t.Errorf("index shape = %v, want [20 30]", indexes.Shape)
	}
	if prevs.Shape[0] != 20 || prevs.Shape[1] != 3 {
		t.Errorf("prevalence shape = %v, want [20 3]", prevs.Shape)
	}

	idx, _ := indexes.Int32Data()
	for _, v := range idx {
		if v < 0 || int(v) >= 90 {
			t.Fatalf("index %d out of dataset range", v)
		}
	}

	p, _ := prevs.Float32Data()
	for b := 0; b < 20; b++ {
		var sum float64
		for c := 0; c < 3; c++ {
			sum += float64(p[b*3+c])
		}
		if math.Abs(sum-1) > 1e-5 {
			t.Errorf("bag %d prevalences sum to %f, want 1", b, sum)
		}
	}

	// Reported prevalences must match the realized class counts.
	for b := 0; b < 20; b++ {
		counts := make([]int, 3)
		for e := 0; e < 30; e++ {
			counts[labels[idx[b*30+e]]]++
		}
		for c := 0; c < 3; c++ {
			want := float64(counts[c]) / 30
			if math.Abs(float64(p[b*3+c])-want) > 1e-5 {
				t.Errorf("bag %d class %d: reported %f, realized %f", b, c, p[b*3+c], want)
			}
		}
	}
}

func TestUniformBagGeneratorValidation(t *testing.T) {
	if _, err := NewUniformBagGenerator(1, 0); err == nil {
		t.Error("expected error for single class")
	}

	gen, err := NewUniformBagGenerator(3, 0)
	if err != nil {
		t.Fatalf("failed to create generator: %v", err)
	}
	if _, _, err := gen.Generate(labeledDataset(t, []int{0, 5}), 2, 4); err == nil {
		t.Error("expected error for out-of-range label")
	}
	if _, _, err := gen.Generate(labeledDataset(t, []int{0, 1}), 2, 4); err == nil {
		t.Error("expected error for empty class")
	}

	unlabeled, err := NewSliceDataset([][]float32{{1}, {2}}, nil)
	if err != nil {
		t.Fatalf("failed to create dataset: %v", err)
	}
	if _, _, err := gen.Generate(unlabeled, 2, 4); err == nil {
		t.Error("expected error for unlabeled dataset")
	}
}

func TestUnlabeledBagGenerator(t *testing.T) {
	features := make([][]float32, 50)
	for i := range features {
		features[i] = []float32{float32(i)}
	}
	ds, err := NewSliceDataset(features, nil)
	if err != nil {
		t.Fatalf("failed to create dataset: %v", err)
	}

	gen := NewUnlabeledBagGenerator(3)
	if gen.UsesLabels() {
		t.Error("unlabeled generator must not report UsesLabels")
	}

	indexes, prevs, err := gen.Generate(ds, 5, 12)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if prevs != nil {
		t.Error("unlabeled generator returned prevalences")
	}
	idx, _ := indexes.Int32Data()
	for _, v := range idx {
		if v < 0 || v >= 50 {
			t.Fatalf("index %d out of dataset range", v)
		}
	}
}

func TestBagLoaderCollation(t *testing.T) {
	labels := make([]int, 10)
	for i := range labels {
		labels[i] = i % 2
	}
	ds := labeledDataset(t, labels)

	gen, _ := NewUniformBagGenerator(2, 7)
	indexes, prevs, err := gen.Generate(ds, 5, 4)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	loader, err := NewBagLoader(ds, indexes, prevs, 2)
	if err != nil {
		t.Fatalf("failed to create loader: %v", err)
	}
	if loader.NumBatches() != 3 {
		t.Errorf("NumBatches = %d, want 3", loader.NumBatches())
	}

	batch, err := loader.Collate(0)
	if err != nil {
		t.Fatalf("collate failed: %v", err)
	}
	if batch.X.Shape[0] != 2 || batch.X.Shape[1] != 4 || batch.X.Shape[2] != 2 {
		t.Errorf("batch shape = %v, want [2 4 2]", batch.X.Shape)
	}
	if batch.Prevalences == nil || batch.Prevalences.Shape[0] != 2 {
		t.Error("prevalences missing or wrong shape")
	}
	if batch.Labels == nil || batch.Labels.Shape[0] != 8 {
		t.Error("labels missing or wrong shape")
	}

	// Final partial batch.
	last, err := loader.Collate(4)
	if err != nil {
		t.Fatalf("collate failed: %v", err)
	}
	if last.X.Shape[0] != 1 {
		t.Errorf("final batch has %d bags, want 1", last.X.Shape[0])
	}

	// Collated features must match the dataset rows the indexes name.
	idx, _ := indexes.Int32Data()
	x, _ := batch.X.Float32Data()
	for b := 0; b < 2; b++ {
		for e := 0; e < 4; e++ {
			want, _ := ds.Get(int(idx[b*4+e]))
			got := x[(b*4+e)*2 : (b*4+e)*2+2]
			if got[0] != want[0] || got[1] != want[1] {
				t.Fatalf("bag %d example %d: got %v, want %v", b, e, got, want)
			}
		}
	}
}

func TestBagLoaderStreamOrder(t *testing.T) {
	labels := make([]int, 20)
	for i := range labels {
		labels[i] = i % 2
	}
	ds := labeledDataset(t, labels)

	gen, _ := NewUniformBagGenerator(2, 11)
	indexes, prevs, err := gen.Generate(ds, 9, 4)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	loader, err := NewBagLoader(ds, indexes, prevs, 2)
	if err != nil {
		t.Fatalf("failed to create loader: %v", err)
	}

	for _, workers := range []int{1, 3} {
		wantStart := 0
		got := 0
		for res := range loader.Stream(context.Background(), workers, 2) {
			if res.err != nil {
				t.Fatalf("workers=%d: stream error: %v", workers, res.err)
			}
			if res.batch.BagIndexes[0] != wantStart {
				t.Fatalf("workers=%d: batch starts at bag %d, want %d", workers, res.batch.BagIndexes[0], wantStart)
			}
			wantStart += res.batch.X.Shape[0]
			got++
		}
		if got != loader.NumBatches() {
			t.Errorf("workers=%d: streamed %d batches, want %d", workers, got, loader.NumBatches())
		}
	}
}

func TestSubsetLabels(t *testing.T) {
	features := [][]float32{{1}, {2}, {3}, {4}}
	ds, _ := NewSliceDataset(features, []int{0, 1, 0, 1})

	sub, err := NewSubset(ds, []int{3, 0})
	if err != nil {
		t.Fatalf("failed to create subset: %v", err)
	}
	if sub.Len() != 2 {
		t.Errorf("subset length = %d, want 2", sub.Len())
	}
	row, err := sub.Get(0)
	if err != nil || row[0] != 4 {
		t.Errorf("subset Get(0) = %v, %v; want [4]", row, err)
	}
	labels := sub.Labels()
	if len(labels) != 2 || labels[0] != 1 || labels[1] != 0 {
		t.Errorf("subset labels = %v, want [1 0]", labels)
	}

	if _, err := NewSubset(ds, []int{9}); err == nil {
		t.Error("expected error for out-of-range subset index")
	}
}
