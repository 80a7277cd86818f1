package quant

import (
	"fmt"
	"sync"

	"github.com/AICGijon/gmnet/quantmod"
	"github.com/AICGijon/gmnet/tensor"
	"github.com/AICGijon/gmnet/training"
)

// clone builds an independent copy of the network with its own parameter
// storage. The feature extractor and aggregator must support cloning.
func (n *QuantNetwork) clone() (*QuantNetwork, error) {
	cfg := n.cfg

	if cfg.FeatureExtractor != nil {
		cloner, ok := cfg.FeatureExtractor.(training.Cloner)
		if !ok {
			return nil, fmt.Errorf("feature extractor %T does not support cloning", cfg.FeatureExtractor)
		}
		fe, err := cloner.CloneModule()
		if err != nil {
			return nil, err
		}
		cfg.FeatureExtractor = fe
	}

	aggCloner, ok := cfg.Aggregator.(training.Cloner)
	if !ok {
		return nil, fmt.Errorf("aggregator %T does not support cloning", cfg.Aggregator)
	}
	aggModule, err := aggCloner.CloneModule()
	if err != nil {
		return nil, err
	}
	agg, ok := aggModule.(quantmod.Aggregator)
	if !ok {
		return nil, fmt.Errorf("cloned aggregator %T lost its aggregation interface", aggModule)
	}
	cfg.Aggregator = agg

	clone := &QuantNetwork{cfg: cfg, training: n.training}

	if n.batchNorm != nil {
		m, err := n.batchNorm.CloneModule()
		if err != nil {
			return nil, err
		}
		clone.batchNorm = m.(*training.BatchNorm)
	}
	if n.residual != nil {
		m, err := n.residual.CloneModule()
		if err != nil {
			return nil, err
		}
		clone.residual = m.(*training.Linear)
	}
	if n.classifier != nil {
		m, err := n.classifier.CloneModule()
		if err != nil {
			return nil, err
		}
		clone.classifier = m.(*training.Linear)
	}
	m, err := n.head.CloneModule()
	if err != nil {
		return nil, err
	}
	clone.head = m.(*training.Sequential)

	if provider, ok := cfg.Aggregator.(quantmod.RegularizationProvider); ok {
		clone.regularizer = provider
		clone.applyReg = n.applyReg
	}

	return clone, nil
}

// ReplicatedModel runs data-parallel training: each batch is split across
// replica networks with identical parameters, gradients are reduced into
// the primary, and updated parameters are broadcast back.
type ReplicatedModel struct {
	primary  *QuantNetwork
	replicas []*QuantNetwork // replicas[0] is the primary
}

func newReplicatedModel(network *QuantNetwork, replicas int) (*ReplicatedModel, error) {
	m := &ReplicatedModel{primary: network, replicas: []*QuantNetwork{network}}
	for i := 1; i < replicas; i++ {
		clone, err := network.clone()
		if err != nil {
			return nil, fmt.Errorf("failed to build replica %d: %v", i, err)
		}
		m.replicas = append(m.replicas, clone)
	}
	return m, nil
}

// Primary returns the canonical network whose parameters are optimized.
func (m *ReplicatedModel) Primary() *QuantNetwork { return m.primary }

// NumReplicas returns how many copies process batch shards.
func (m *ReplicatedModel) NumReplicas() int { return len(m.replicas) }

// Parameters returns the primary's parameters, the set the optimizer steps.
func (m *ReplicatedModel) Parameters() []*tensor.Tensor {
	return m.primary.Parameters()
}

func (m *ReplicatedModel) Train() {
	for _, r := range m.replicas {
		r.Train()
	}
}

func (m *ReplicatedModel) Eval() {
	for _, r := range m.replicas {
		r.Eval()
	}
}

// shard is the slice of a batch one replica processed.
type shard struct {
	network *QuantNetwork
	result  *ForwardResult
	// start and count locate the shard's bags within the batch.
	start, count int
}

// ForwardParallel splits the batch along the bag axis across replicas and
// runs their forward passes concurrently. Shards are returned in batch
// order.
func (m *ReplicatedModel) ForwardParallel(x *tensor.Tensor, opts ForwardOptions) ([]shard, error) {
	if len(x.Shape) != 3 {
		return nil, fmt.Errorf("expected [batch, bag, features] input, got shape %v", x.Shape)
	}
	batch := x.Shape[0]

	n := len(m.replicas)
	if n > batch {
		n = batch
	}
	if n == 1 {
		result, err := m.primary.Forward(x, opts)
		if err != nil {
			return nil, err
		}
		return []shard{{network: m.primary, result: result, start: 0, count: batch}}, nil
	}

	shards := make([]shard, n)
	errs := make([]error, n)
	per := batch / n
	extra := batch % n

	var wg sync.WaitGroup
	start := 0
	for i := 0; i < n; i++ {
		count := per
		if i < extra {
			count++
		}
		shards[i] = shard{network: m.replicas[i], start: start, count: count}

		wg.Add(1)
		go func(i, start, count int) {
			defer wg.Done()
			part, err := tensor.NarrowAutograd(x, 0, start, count)
			if err != nil {
				errs[i] = err
				return
			}
			shardOpts := opts
			if opts.Metadata != nil {
				shardOpts.Metadata, err = tensor.Narrow(opts.Metadata, 0, start, count)
				if err != nil {
					errs[i] = err
					return
				}
			}
			shards[i].result, err = m.replicas[i].Forward(part, shardOpts)
			errs[i] = err
		}(i, start, count)
		start += count
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("replica %d forward failed: %v", i, err)
		}
	}
	return shards, nil
}

// ReduceGradients sums every replica's gradients into the primary's
// parameters and clears the replica gradients.
func (m *ReplicatedModel) ReduceGradients() error {
	if len(m.replicas) == 1 {
		return nil
	}
	primaryParams := m.primary.Parameters()
	for i := 1; i < len(m.replicas); i++ {
		params := m.replicas[i].Parameters()
		if len(params) != len(primaryParams) {
			return fmt.Errorf("replica %d has %d parameters, primary has %d", i, len(params), len(primaryParams))
		}
		for j, p := range params {
			grad := p.Grad()
			if grad == nil {
				continue
			}
			if err := primaryParams[j].AccumulateGrad(grad); err != nil {
				return fmt.Errorf("failed to reduce gradient for parameter %d: %v", j, err)
			}
			p.ZeroGrad()
		}
	}
	return nil
}

// Broadcast copies the primary's parameter values into every replica. Call
// after each optimizer step and after restoring weights.
func (m *ReplicatedModel) Broadcast() {
	if len(m.replicas) == 1 {
		return
	}
	primaryParams := m.primary.Parameters()
	for i := 1; i < len(m.replicas); i++ {
		// Parameter layouts match by construction.
		if err := training.CopyParameters(m.replicas[i].Parameters(), primaryParams); err != nil {
			panic(fmt.Sprintf("replica parameter mismatch: %v", err))
		}
	}
}

// ZeroGrad clears gradients on every replica.
func (m *ReplicatedModel) ZeroGrad() {
	for _, r := range m.replicas {
		for _, p := range r.Parameters() {
			p.ZeroGrad()
		}
	}
}
