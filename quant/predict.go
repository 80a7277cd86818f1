package quant

import (
	"context"
	"fmt"

	"github.com/AICGijon/gmnet/tensor"
)

// InferenceStrategy selects how a test dataset is turned into bags for
// prediction.
type InferenceStrategy int

const (
	// StrategyWholeBag runs the entire dataset through the network as one
	// bag in a single forward pass.
	StrategyWholeBag InferenceStrategy = iota

	// StrategySubsample draws NBagsTest bags of BagSizeTest examples through
	// the test bag generator, repeats for TestEpochs rounds, and averages
	// the predictions.
	StrategySubsample
)

func (s InferenceStrategy) String() string {
	switch s {
	case StrategyWholeBag:
		return "whole-bag"
	case StrategySubsample:
		return "subsample"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// PredictOptions configure a prediction run.
type PredictOptions struct {
	Strategy InferenceStrategy

	// BagSizeTest is the examples per bag for the subsample strategy.
	BagSizeTest int

	// NBagsTest is the bags drawn per round.
	NBagsTest int

	// TestEpochs repeats the subsampling this many rounds. Zero means one.
	TestEpochs int

	// Metadata is the per-bag metadata tensor for networks that require it:
	// [1, MetadataDim], replicated across bags. When nil the dataset's own
	// MetadataProvider capability is used.
	Metadata *tensor.Tensor
}

// Predict estimates the class prevalence vector of a dataset. The result
// has one entry per class and sums to one.
func (q *Quantifier) Predict(ctx context.Context, dataset Dataset, opts PredictOptions) ([]float32, error) {
	if dataset == nil {
		return nil, fmt.Errorf("a dataset is required")
	}
	if dataset.FeatureDim() != q.cfg.Network.InputDim() {
		return nil, fmt.Errorf("dataset has %d features, network expects %d", dataset.FeatureDim(), q.cfg.Network.InputDim())
	}

	q.model.Eval()

	switch opts.Strategy {
	case StrategyWholeBag:
		return q.predictWholeBag(dataset, opts)
	case StrategySubsample:
		return q.predictSubsample(ctx, dataset, opts)
	default:
		return nil, fmt.Errorf("unknown inference strategy %v", opts.Strategy)
	}
}

// PredictBags runs inference over data already organized as bags, forwarding
// processInBatches bags per pass. It returns one prevalence row per bag, in
// dataset order, with no averaging. The number of bags must be divisible by
// processInBatches.
func (q *Quantifier) PredictBags(ctx context.Context, dataset BaggedDataset, processInBatches int) ([][]float32, error) {
	if dataset == nil {
		return nil, fmt.Errorf("a dataset is required")
	}
	if dataset.FeatureDim() != q.cfg.Network.InputDim() {
		return nil, fmt.Errorf("dataset has %d features, network expects %d", dataset.FeatureDim(), q.cfg.Network.InputDim())
	}
	if processInBatches <= 0 {
		return nil, fmt.Errorf("processInBatches must be positive, got %d", processInBatches)
	}
	nBags := dataset.NumBags()
	if nBags%processInBatches != 0 {
		return nil, fmt.Errorf("dataset length %d is not divisible by processInBatches %d", nBags, processInBatches)
	}

	q.model.Eval()

	bagSize := dataset.BagSize()
	fdim := dataset.FeatureDim()
	nClasses := q.cfg.Network.NClasses()
	out := make([][]float32, nBags)

	for start := 0; start < nBags; start += processInBatches {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("prediction cancelled: %v", err)
		}

		features := make([]float32, processInBatches*bagSize*fdim)
		for b := 0; b < processInBatches; b++ {
			bag, err := dataset.GetBag(start + b)
			if err != nil {
				return nil, err
			}
			for e, row := range bag {
				copy(features[(b*bagSize+e)*fdim:], row)
			}
		}
		x, err := tensor.NewTensor([]int{processInBatches, bagSize, fdim}, tensor.Float32, features)
		if err != nil {
			return nil, err
		}

		preds, err := q.evalForward(x, ForwardOptions{})
		if err != nil {
			return nil, err
		}
		for b := 0; b < processInBatches; b++ {
			out[start+b] = append([]float32(nil), preds[b*nClasses:(b+1)*nClasses]...)
		}
	}
	return out, nil
}

// predictWholeBag gathers the full dataset into one bag.
func (q *Quantifier) predictWholeBag(dataset Dataset, opts PredictOptions) ([]float32, error) {
	n := dataset.Len()
	if opts.BagSizeTest > 0 && opts.BagSizeTest < n {
		return nil, fmt.Errorf("whole-bag inference needs BagSizeTest >= %d examples, got %d", n, opts.BagSizeTest)
	}

	fdim := dataset.FeatureDim()
	features := make([]float32, n*fdim)
	for i := 0; i < n; i++ {
		row, err := dataset.Get(i)
		if err != nil {
			return nil, err
		}
		copy(features[i*fdim:], row)
	}
	x, err := tensor.NewTensor([]int{1, n, fdim}, tensor.Float32, features)
	if err != nil {
		return nil, err
	}

	metadata := opts.Metadata
	if metadata == nil && q.cfg.Network.MetadataDim() > 0 {
		if provider, ok := dataset.(MetadataProvider); ok && provider.MetadataDim() > 0 {
			ids := make([]int, n)
			for i := range ids {
				ids[i] = i
			}
			desc, err := provider.BagMetadata(ids)
			if err != nil {
				return nil, err
			}
			metadata, err = tensor.NewTensor([]int{1, len(desc)}, tensor.Float32, desc)
			if err != nil {
				return nil, err
			}
		}
	}

	return q.evalForward(x, ForwardOptions{Metadata: metadata})
}

// evalForward runs an inference forward pass, fanning the bags across
// replicas when replication is enabled, and returns the flattened
// prevalence rows in bag order.
func (q *Quantifier) evalForward(x *tensor.Tensor, opts ForwardOptions) ([]float32, error) {
	nClasses := q.cfg.Network.NClasses()

	if q.model.NumReplicas() > 1 {
		shards, err := q.model.ForwardParallel(x, opts)
		if err != nil {
			return nil, err
		}
		out := make([]float32, x.Shape[0]*nClasses)
		for _, s := range shards {
			pdata, err := s.result.Prevalences.Float32Data()
			if err != nil {
				return nil, err
			}
			copy(out[s.start*nClasses:], pdata)
		}
		return out, nil
	}

	result, err := q.cfg.Network.Forward(x, opts)
	if err != nil {
		return nil, err
	}
	preds, err := result.Prevalences.Float32Data()
	if err != nil {
		return nil, err
	}
	return append([]float32(nil), preds...), nil
}

// predictSubsample generates test bags through the configured test bag
// generator and averages the predictions over all bags and rounds.
func (q *Quantifier) predictSubsample(ctx context.Context, dataset Dataset, opts PredictOptions) ([]float32, error) {
	if opts.BagSizeTest <= 0 {
		return nil, fmt.Errorf("subsample inference requires a positive BagSizeTest, got %d", opts.BagSizeTest)
	}
	if opts.NBagsTest <= 0 {
		return nil, fmt.Errorf("subsample inference requires a positive NBagsTest, got %d", opts.NBagsTest)
	}
	rounds := opts.TestEpochs
	if rounds <= 0 {
		rounds = 1
	}

	gen := q.cfg.TestBagGenerator
	if gen == nil {
		gen = q.cfg.TrainBagGenerator
	}

	nClasses := q.cfg.Network.NClasses()
	sums := make([]float64, nClasses)
	count := 0

	for round := 0; round < rounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("prediction cancelled: %v", err)
		}

		indexes, _, err := gen.Generate(dataset, opts.NBagsTest, opts.BagSizeTest)
		if err != nil {
			return nil, fmt.Errorf("test bag generation failed: %v", err)
		}
		loader, err := NewBagLoader(dataset, indexes, nil, opts.NBagsTest)
		if err != nil {
			return nil, err
		}
		batch, err := loader.Collate(0)
		if err != nil {
			return nil, err
		}

		fwdOpts := ForwardOptions{}
		if q.cfg.Network.MetadataDim() > 0 {
			if opts.Metadata != nil {
				fwdOpts.Metadata, err = replicateMetadata(opts.Metadata, opts.NBagsTest)
				if err != nil {
					return nil, err
				}
			} else {
				fwdOpts.Metadata = batch.Metadata
			}
		}

		preds, err := q.evalForward(batch.X, fwdOpts)
		if err != nil {
			return nil, err
		}
		for b := 0; b < opts.NBagsTest; b++ {
			for c := 0; c < nClasses; c++ {
				sums[c] += float64(preds[b*nClasses+c])
			}
		}
		count += opts.NBagsTest
	}

	out := make([]float32, nClasses)
	for c := range sums {
		out[c] = float32(sums[c] / float64(count))
	}
	return out, nil
}

// replicateMetadata tiles a [1, d] metadata row to [bags, d].
func replicateMetadata(meta *tensor.Tensor, bags int) (*tensor.Tensor, error) {
	if len(meta.Shape) != 2 || meta.Shape[0] != 1 {
		return nil, fmt.Errorf("prediction metadata must be [1, d], got shape %v", meta.Shape)
	}
	src, err := meta.Float32Data()
	if err != nil {
		return nil, err
	}
	d := meta.Shape[1]
	out := make([]float32, bags*d)
	for b := 0; b < bags; b++ {
		copy(out[b*d:], src)
	}
	return tensor.NewTensor([]int{bags, d}, tensor.Float32, out)
}
