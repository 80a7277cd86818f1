package quant

import (
	"context"
	"fmt"

	"github.com/AICGijon/gmnet/tensor"
)

// Dataset is the minimal contract the engine needs: random access to fixed
// width feature vectors.
type Dataset interface {
	Len() int
	Get(i int) ([]float32, error)
	FeatureDim() int
}

// Labeled is implemented by datasets that carry per-example class labels,
// enabling the auxiliary classification loss and label-based bag generation.
type Labeled interface {
	Labels() []int
}

// MetadataProvider is implemented by datasets that can describe a bag of
// examples with an extra feature vector. The dataset decides how the ids map
// to a descriptor; the result is concatenated after aggregation.
type MetadataProvider interface {
	// BagMetadata returns the [MetadataDim] descriptor for the bag made of
	// the given example indexes.
	BagMetadata(ids []int) ([]float32, error)
	MetadataDim() int
}

// SliceDataset serves examples from an in-memory [n][features] matrix.
type SliceDataset struct {
	features [][]float32
	labels   []int
	dim      int
}

// NewSliceDataset validates that all rows share a width. Labels may be nil
// for unlabeled data.
func NewSliceDataset(features [][]float32, labels []int) (*SliceDataset, error) {
	if len(features) == 0 {
		return nil, fmt.Errorf("dataset must contain at least one example")
	}
	dim := len(features[0])
	if dim == 0 {
		return nil, fmt.Errorf("examples must have at least one feature")
	}
	for i, row := range features {
		if len(row) != dim {
			return nil, fmt.Errorf("example %d has %d features, expected %d", i, len(row), dim)
		}
	}
	if labels != nil && len(labels) != len(features) {
		return nil, fmt.Errorf("got %d labels for %d examples", len(labels), len(features))
	}
	return &SliceDataset{features: features, labels: labels, dim: dim}, nil
}

func (d *SliceDataset) Len() int        { return len(d.features) }
func (d *SliceDataset) FeatureDim() int { return d.dim }

func (d *SliceDataset) Get(i int) ([]float32, error) {
	if i < 0 || i >= len(d.features) {
		return nil, fmt.Errorf("index %d out of range for dataset of %d examples", i, len(d.features))
	}
	return d.features[i], nil
}

func (d *SliceDataset) Labels() []int { return d.labels }

// Subset restricts a dataset to a fixed index list. Used for train and
// validation splits.
type Subset struct {
	base    Dataset
	indexes []int
}

func NewSubset(base Dataset, indexes []int) (*Subset, error) {
	for _, idx := range indexes {
		if idx < 0 || idx >= base.Len() {
			return nil, fmt.Errorf("subset index %d out of range for dataset of %d examples", idx, base.Len())
		}
	}
	return &Subset{base: base, indexes: indexes}, nil
}

func (s *Subset) Len() int        { return len(s.indexes) }
func (s *Subset) FeatureDim() int { return s.base.FeatureDim() }

func (s *Subset) Get(i int) ([]float32, error) {
	if i < 0 || i >= len(s.indexes) {
		return nil, fmt.Errorf("index %d out of range for subset of %d examples", i, len(s.indexes))
	}
	return s.base.Get(s.indexes[i])
}

func (s *Subset) Labels() []int {
	labeled, ok := s.base.(Labeled)
	if !ok || labeled.Labels() == nil {
		return nil
	}
	baseLabels := labeled.Labels()
	out := make([]int, len(s.indexes))
	for i, idx := range s.indexes {
		out[i] = baseLabels[idx]
	}
	return out
}

func (s *Subset) BagMetadata(ids []int) ([]float32, error) {
	provider, ok := s.base.(MetadataProvider)
	if !ok {
		return nil, fmt.Errorf("underlying dataset provides no metadata")
	}
	mapped := make([]int, len(ids))
	for i, id := range ids {
		mapped[i] = s.indexes[id]
	}
	return provider.BagMetadata(mapped)
}

func (s *Subset) MetadataDim() int {
	provider, ok := s.base.(MetadataProvider)
	if !ok {
		return 0
	}
	return provider.MetadataDim()
}

// BaggedDataset serves data already organized as bags: element i is a whole
// bag of examples rather than a single example. Used by Quantifier.PredictBags.
type BaggedDataset interface {
	// NumBags is the number of bags in the dataset.
	NumBags() int
	// BagSize is the fixed number of examples per bag.
	BagSize() int
	FeatureDim() int
	// GetBag returns bag i as [BagSize][FeatureDim] rows.
	GetBag(i int) ([][]float32, error)
}

// BaggedSliceDataset is an in-memory BaggedDataset over a [bags][bagSize][features]
// slice.
type BaggedSliceDataset struct {
	bags    [][][]float32
	bagSize int
	dim     int
}

func NewBaggedSliceDataset(bags [][][]float32) (*BaggedSliceDataset, error) {
	if len(bags) == 0 {
		return nil, fmt.Errorf("dataset must contain at least one bag")
	}
	bagSize := len(bags[0])
	if bagSize == 0 {
		return nil, fmt.Errorf("bags must contain at least one example")
	}
	dim := len(bags[0][0])
	if dim == 0 {
		return nil, fmt.Errorf("examples must have at least one feature")
	}
	for i, bag := range bags {
		if len(bag) != bagSize {
			return nil, fmt.Errorf("bag %d has %d examples, expected %d", i, len(bag), bagSize)
		}
		for j, row := range bag {
			if len(row) != dim {
				return nil, fmt.Errorf("bag %d example %d has %d features, expected %d", i, j, len(row), dim)
			}
		}
	}
	return &BaggedSliceDataset{bags: bags, bagSize: bagSize, dim: dim}, nil
}

func (d *BaggedSliceDataset) NumBags() int    { return len(d.bags) }
func (d *BaggedSliceDataset) BagSize() int    { return d.bagSize }
func (d *BaggedSliceDataset) FeatureDim() int { return d.dim }

func (d *BaggedSliceDataset) GetBag(i int) ([][]float32, error) {
	if i < 0 || i >= len(d.bags) {
		return nil, fmt.Errorf("bag %d out of range for dataset of %d bags", i, len(d.bags))
	}
	return d.bags[i], nil
}

// Batch is one training step's worth of bags: features collated to
// [batch, bagSize, featureDim], prevalence targets [batch, nClasses] (nil
// for unlabeled data) and the per-example class labels when available.
type Batch struct {
	X           *tensor.Tensor
	Prevalences *tensor.Tensor
	Labels      *tensor.Tensor // Int32 [batch*bagSize], nil when unlabeled
	Metadata    *tensor.Tensor // Float32 [batch, metadataDim], nil without a MetadataProvider
	BagIndexes  []int          // positions of these bags in the epoch's bag list
}

// BagLoader walks a generated set of bags in fixed-size batches, gathering
// features from the dataset and collating them into tensors.
type BagLoader struct {
	dataset     Dataset
	indexes     *tensor.Tensor // Int32 [nBags, bagSize]
	prevalences *tensor.Tensor // Float32 [nBags, nClasses], may be nil
	batchSize   int
	nBags       int
	bagSize     int
}

func NewBagLoader(dataset Dataset, indexes, prevalences *tensor.Tensor, batchSize int) (*BagLoader, error) {
	if len(indexes.Shape) != 2 {
		return nil, fmt.Errorf("bag indexes must be 2D, got shape %v", indexes.Shape)
	}
	nBags, bagSize := indexes.Shape[0], indexes.Shape[1]
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if prevalences != nil && prevalences.Shape[0] != nBags {
		return nil, fmt.Errorf("got prevalences for %d bags, expected %d", prevalences.Shape[0], nBags)
	}
	return &BagLoader{
		dataset:     dataset,
		indexes:     indexes,
		prevalences: prevalences,
		batchSize:   batchSize,
		nBags:       nBags,
		bagSize:     bagSize,
	}, nil
}

// NumBatches returns how many batches one pass over the bags yields.
func (l *BagLoader) NumBatches() int {
	return (l.nBags + l.batchSize - 1) / l.batchSize
}

// Collate builds the batch starting at bag index `start`.
func (l *BagLoader) Collate(start int) (*Batch, error) {
	if start < 0 || start >= l.nBags {
		return nil, fmt.Errorf("batch start %d out of range for %d bags", start, l.nBags)
	}
	count := l.batchSize
	if start+count > l.nBags {
		count = l.nBags - start
	}

	fdim := l.dataset.FeatureDim()
	idx, err := l.indexes.Int32Data()
	if err != nil {
		return nil, err
	}

	features := make([]float32, count*l.bagSize*fdim)
	bagIndexes := make([]int, count)

	labeled, hasLabels := l.dataset.(Labeled)
	var labels []int32
	var allLabels []int
	if hasLabels {
		allLabels = labeled.Labels()
		if allLabels != nil {
			labels = make([]int32, count*l.bagSize)
		}
	}

	var metadata []float32
	mdim := 0
	provider, hasMetadata := l.dataset.(MetadataProvider)
	if hasMetadata {
		mdim = provider.MetadataDim()
		if mdim > 0 {
			metadata = make([]float32, count*mdim)
		}
	}

	ids := make([]int, l.bagSize)
	for b := 0; b < count; b++ {
		bag := start + b
		bagIndexes[b] = bag
		for e := 0; e < l.bagSize; e++ {
			exIdx := int(idx[bag*l.bagSize+e])
			ids[e] = exIdx
			row, err := l.dataset.Get(exIdx)
			if err != nil {
				return nil, fmt.Errorf("failed to gather example %d for bag %d: %v", exIdx, bag, err)
			}
			copy(features[(b*l.bagSize+e)*fdim:], row)
			if labels != nil {
				labels[b*l.bagSize+e] = int32(allLabels[exIdx])
			}
		}
		if metadata != nil {
			desc, err := provider.BagMetadata(ids)
			if err != nil {
				return nil, fmt.Errorf("failed to get metadata for bag %d: %v", bag, err)
			}
			if len(desc) != mdim {
				return nil, fmt.Errorf("bag %d metadata has %d values, expected %d", bag, len(desc), mdim)
			}
			copy(metadata[b*mdim:], desc)
		}
	}

	x, err := tensor.NewTensor([]int{count, l.bagSize, fdim}, tensor.Float32, features)
	if err != nil {
		return nil, err
	}

	batch := &Batch{X: x, BagIndexes: bagIndexes}

	if l.prevalences != nil {
		nClasses := l.prevalences.Shape[1]
		src, err := l.prevalences.Float32Data()
		if err != nil {
			return nil, err
		}
		p := make([]float32, count*nClasses)
		copy(p, src[start*nClasses:(start+count)*nClasses])
		batch.Prevalences, err = tensor.NewTensor([]int{count, nClasses}, tensor.Float32, p)
		if err != nil {
			return nil, err
		}
	}

	if labels != nil {
		batch.Labels, err = tensor.NewTensor([]int{count * l.bagSize}, tensor.Int32, labels)
		if err != nil {
			return nil, err
		}
	}

	if metadata != nil {
		batch.Metadata, err = tensor.NewTensor([]int{count, mdim}, tensor.Float32, metadata)
		if err != nil {
			return nil, err
		}
	}

	return batch, nil
}

// batchResult pairs a collated batch with its collation error.
type batchResult struct {
	batch *Batch
	err   error
}

// Stream collates batches ahead of consumption, delivering them over a
// bounded channel in batch order. workers above 1 collate concurrently.
// The channel closes after the last batch or when the context is cancelled.
func (l *BagLoader) Stream(ctx context.Context, workers, prefetch int) <-chan batchResult {
	if prefetch < 1 {
		prefetch = 1
	}
	out := make(chan batchResult, prefetch)

	if workers < 2 {
		go func() {
			defer close(out)
			for start := 0; start < l.nBags; start += l.batchSize {
				batch, err := l.Collate(start)
				select {
				case out <- batchResult{batch, err}:
				case <-ctx.Done():
					return
				}
				if err != nil {
					return
				}
			}
		}()
		return out
	}

	// Each batch gets a single-slot channel. Workers fill the slots and a
	// delivery goroutine drains them in order, so parallel collation keeps
	// the batch order. The slot queue bounds the work in flight.
	type slot struct {
		start int
		ch    chan batchResult
	}
	slots := make(chan slot, prefetch)
	jobs := make(chan slot)

	go func() {
		defer close(slots)
		defer close(jobs)
		for start := 0; start < l.nBags; start += l.batchSize {
			s := slot{start: start, ch: make(chan batchResult, 1)}
			select {
			case slots <- s:
			case <-ctx.Done():
				return
			}
			select {
			case jobs <- s:
			case <-ctx.Done():
				return
			}
		}
	}()

	for w := 0; w < workers; w++ {
		go func() {
			for s := range jobs {
				batch, err := l.Collate(s.start)
				s.ch <- batchResult{batch, err}
			}
		}()
	}

	go func() {
		defer close(out)
		failed := false
		for s := range slots {
			var res batchResult
			select {
			case res = <-s.ch:
			case <-ctx.Done():
				return
			}
			if failed {
				continue
			}
			select {
			case out <- res:
			case <-ctx.Done():
				return
			}
			if res.err != nil {
				// Keep draining so the producer and workers can finish.
				failed = true
			}
		}
	}()
	return out
}
