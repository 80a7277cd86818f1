package quant

import (
	"math"
	"testing"

	"github.com/AICGijon/gmnet/quantmod"
	"github.com/AICGijon/gmnet/tensor"
	"github.com/AICGijon/gmnet/training"
)

func testNetwork(t *testing.T, cfg NetworkConfig) *QuantNetwork {
	t.Helper()
	training.SetRandomSeed(42)
	net, err := NewQuantNetwork(cfg)
	if err != nil {
		t.Fatalf("failed to build network: %v", err)
	}
	return net
}

func randomBags(t *testing.T, batch, bag, fdim int) *tensor.Tensor {
	t.Helper()
	data := make([]float32, batch*bag*fdim)
	for i := range data {
		data[i] = float32(i%7) * 0.1
	}
	x, err := tensor.NewTensor([]int{batch, bag, fdim}, tensor.Float32, data)
	if err != nil {
		t.Fatalf("failed to build input: %v", err)
	}
	return x
}

func TestNetworkForwardSimplexOutput(t *testing.T) {
	net := testNetwork(t, NetworkConfig{
		InputDim:         4,
		Aggregator:       quantmod.NewMean(),
		NClasses:         3,
		HiddenSizes:      []int{8},
		OutputActivation: OutputSoftmax,
	})

	result, err := net.Forward(randomBags(t, 2, 5, 4), ForwardOptions{})
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if result.Prevalences.Shape[0] != 2 || result.Prevalences.Shape[1] != 3 {
		t.Fatalf("prevalence shape = %v, want [2 3]", result.Prevalences.Shape)
	}

	data, _ := result.Prevalences.Float32Data()
	for b := 0; b < 2; b++ {
		var sum float64
		for c := 0; c < 3; c++ {
			v := data[b*3+c]
			if v < 0 {
				t.Errorf("negative prevalence %f", v)
			}
			sum += float64(v)
		}
		if math.Abs(sum-1) > 1e-5 {
			t.Errorf("bag %d prevalences sum to %f, want 1", b, sum)
		}
	}
}

func TestNetworkL1OutputIsSimplex(t *testing.T) {
	net := testNetwork(t, NetworkConfig{
		InputDim:         3,
		Aggregator:       quantmod.NewMean(),
		NClasses:         3,
		OutputActivation: OutputL1,
	})

	result, err := net.Forward(randomBags(t, 1, 6, 3), ForwardOptions{})
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	data, _ := result.Prevalences.Float32Data()
	var sum float64
	for _, v := range data {
		if v < 0 {
			t.Errorf("negative prevalence %f", v)
		}
		sum += float64(v)
	}
	if math.Abs(sum-1) > 1e-5 {
		t.Errorf("prevalences sum to %f, want 1", sum)
	}
}

func TestNetworkReturnRepresentationShortCircuits(t *testing.T) {
	fe, _ := training.NewLinear(4, 6, true)
	net := testNetwork(t, NetworkConfig{
		InputDim:         4,
		FeatureExtractor: training.NewSequential(fe, training.NewReLU()),
		FeatureDim:       6,
		Aggregator:       quantmod.NewMean(),
		NClasses:         2,
		OutputActivation: OutputSoftmax,
	})

	result, err := net.Forward(randomBags(t, 2, 3, 4), ForwardOptions{ReturnRepresentation: true})
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if result.Prevalences != nil {
		t.Error("short-circuited forward still produced prevalences")
	}
	if result.Representation == nil {
		t.Fatal("representation missing")
	}
	shape := result.Representation.Shape
	if len(shape) != 2 || shape[0] != 2 || shape[1] != 6 {
		t.Errorf("representation shape = %v, want [2 6]", shape)
	}
}

func TestNetworkRepresentationIsAggregatorOutput(t *testing.T) {
	hist, err := quantmod.NewSoftHistogram(4, -1, 1, 0)
	if err != nil {
		t.Fatalf("failed to build histogram: %v", err)
	}
	net := testNetwork(t, NetworkConfig{
		InputDim:         3,
		Aggregator:       hist,
		NClasses:         2,
		HiddenSizes:      []int{8},
		OutputActivation: OutputSoftmax,
	})

	result, err := net.Forward(randomBags(t, 2, 6, 3), ForwardOptions{ReturnRepresentation: true})
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	shape := result.Representation.Shape
	if len(shape) != 2 || shape[0] != 2 || shape[1] != hist.OutputDim(3) {
		t.Errorf("representation shape = %v, want [2 %d]", shape, hist.OutputDim(3))
	}
}

func TestNetworkFEChunkingMatchesWholePass(t *testing.T) {
	training.SetRandomSeed(9)
	fe, _ := training.NewLinear(3, 5, true)
	seq := training.NewSequential(fe)

	chunked, err := NewQuantNetwork(NetworkConfig{
		InputDim:         3,
		FeatureExtractor: seq,
		FeatureDim:       5,
		FEBatchSize:      4,
		Aggregator:       quantmod.NewMean(),
		NClasses:         2,
		OutputActivation: OutputSoftmax,
	})
	if err != nil {
		t.Fatalf("failed to build network: %v", err)
	}
	chunked.Eval()

	x := randomBags(t, 2, 4, 3) // 8 flattened examples, chunk of 4 divides

	withChunks, err := chunked.Forward(x, ForwardOptions{})
	if err != nil {
		t.Fatalf("chunked forward failed: %v", err)
	}

	chunked.cfg.FEBatchSize = 0
	whole, err := chunked.Forward(x, ForwardOptions{})
	if err != nil {
		t.Fatalf("whole forward failed: %v", err)
	}

	if !tensor.AllClose(withChunks.Prevalences, whole.Prevalences, 1e-5) {
		t.Error("chunked feature extraction diverged from single pass")
	}
}

func TestNetworkFEChunkDivisibility(t *testing.T) {
	fe, _ := training.NewLinear(3, 5, true)
	net := testNetwork(t, NetworkConfig{
		InputDim:         3,
		FeatureExtractor: training.NewSequential(fe),
		FeatureDim:       5,
		FEBatchSize:      5, // does not divide 2*4=8
		Aggregator:       quantmod.NewMean(),
		NClasses:         2,
		OutputActivation: OutputSoftmax,
	})

	if _, err := net.Forward(randomBags(t, 2, 4, 3), ForwardOptions{}); err == nil {
		t.Error("expected divisibility error for FE batch size")
	}
}

func TestNetworkMetadataHandling(t *testing.T) {
	net := testNetwork(t, NetworkConfig{
		InputDim:         3,
		Aggregator:       quantmod.NewMean(),
		NClasses:         2,
		MetadataDim:      2,
		OutputActivation: OutputSoftmax,
	})

	x := randomBags(t, 2, 4, 3)

	if _, err := net.Forward(x, ForwardOptions{}); err == nil {
		t.Error("expected error when required metadata is missing")
	}

	badMeta, _ := tensor.Zeros([]int{2, 3}, tensor.Float32)
	if _, err := net.Forward(x, ForwardOptions{Metadata: badMeta}); err == nil {
		t.Error("expected error for wrong metadata width")
	}

	meta, _ := tensor.NewTensor([]int{2, 2}, tensor.Float32, []float32{1, 2, 3, 4})
	if _, err := net.Forward(x, ForwardOptions{Metadata: meta}); err != nil {
		t.Errorf("forward with metadata failed: %v", err)
	}

	plain := testNetwork(t, NetworkConfig{
		InputDim:         3,
		Aggregator:       quantmod.NewMean(),
		NClasses:         2,
		OutputActivation: OutputSoftmax,
	})
	if _, err := plain.Forward(x, ForwardOptions{Metadata: meta}); err == nil {
		t.Error("expected error for unexpected metadata")
	}
}

func TestNetworkClassifierHead(t *testing.T) {
	net := testNetwork(t, NetworkConfig{
		InputDim:         3,
		Aggregator:       quantmod.NewMean(),
		NClasses:         2,
		ClassifierHead:   true,
		OutputActivation: OutputSoftmax,
	})

	result, err := net.Forward(randomBags(t, 2, 4, 3), ForwardOptions{ReturnClassification: true})
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if result.Classification == nil {
		t.Fatal("classification logits missing")
	}
	if result.Classification.Shape[0] != 8 || result.Classification.Shape[1] != 2 {
		t.Errorf("classification shape = %v, want [8 2]", result.Classification.Shape)
	}

	bare := testNetwork(t, NetworkConfig{
		InputDim:         3,
		Aggregator:       quantmod.NewMean(),
		NClasses:         2,
		OutputActivation: OutputSoftmax,
	})
	if _, err := bare.Forward(randomBags(t, 1, 4, 3), ForwardOptions{ReturnClassification: true}); err == nil {
		t.Error("expected error requesting classification without a head")
	}
}

func TestNetworkRegularizationCapability(t *testing.T) {
	plain := testNetwork(t, NetworkConfig{
		InputDim:         3,
		Aggregator:       quantmod.NewMean(),
		NClasses:         2,
		OutputActivation: OutputSoftmax,
	})
	if plain.HasRegularization() {
		t.Error("mean aggregator should not provide regularization")
	}
	reg, err := plain.Regularization()
	if err != nil || reg != nil {
		t.Errorf("expected nil penalty, got %v, %v", reg, err)
	}

	gauss, err := quantmod.NewGaussianLayer(4, 3, 0.1, 1)
	if err != nil {
		t.Fatalf("failed to build gaussian layer: %v", err)
	}
	withReg := testNetwork(t, NetworkConfig{
		InputDim:         3,
		Aggregator:       gauss,
		NClasses:         2,
		OutputActivation: OutputSoftmax,
	})
	if !withReg.HasRegularization() {
		t.Fatal("gaussian aggregator should provide regularization")
	}
	penalty, err := withReg.Regularization()
	if err != nil {
		t.Fatalf("regularization failed: %v", err)
	}
	v, _ := penalty.Item()
	if v <= 0 {
		t.Errorf("penalty = %f, want positive", v)
	}
	if !withReg.AppliesRegularization() {
		t.Error("gaussian penalty should join the loss by default")
	}
}

func TestNetworkTrackOnlyRegularization(t *testing.T) {
	gauss, err := quantmod.NewGaussianLayer(4, 3, 0.1, 1)
	if err != nil {
		t.Fatalf("failed to build gaussian layer: %v", err)
	}
	gauss.TrackOnly = true

	net := testNetwork(t, NetworkConfig{
		InputDim:         3,
		Aggregator:       gauss,
		NClasses:         2,
		OutputActivation: OutputSoftmax,
	})
	if !net.HasRegularization() {
		t.Fatal("track-only layer should still report its penalty")
	}
	if net.AppliesRegularization() {
		t.Error("track-only penalty must stay out of the backward loss")
	}
}

func TestReplicatedForwardMatchesSingle(t *testing.T) {
	training.SetRandomSeed(13)
	net, err := NewQuantNetwork(NetworkConfig{
		InputDim:         4,
		Aggregator:       quantmod.NewMean(),
		NClasses:         3,
		HiddenSizes:      []int{6},
		OutputActivation: OutputSoftmax,
	})
	if err != nil {
		t.Fatalf("failed to build network: %v", err)
	}

	model, err := newReplicatedModel(net, 2)
	if err != nil {
		t.Fatalf("failed to replicate: %v", err)
	}
	model.Eval()

	x := randomBags(t, 4, 5, 4)

	single, err := net.Forward(x, ForwardOptions{})
	if err != nil {
		t.Fatalf("single forward failed: %v", err)
	}

	shards, err := model.ForwardParallel(x, ForwardOptions{})
	if err != nil {
		t.Fatalf("parallel forward failed: %v", err)
	}

	singleData, _ := single.Prevalences.Float32Data()
	nClasses := 3
	for _, s := range shards {
		shardData, _ := s.result.Prevalences.Float32Data()
		for b := 0; b < s.count; b++ {
			for c := 0; c < nClasses; c++ {
				want := singleData[(s.start+b)*nClasses+c]
				got := shardData[b*nClasses+c]
				if math.Abs(float64(got-want)) > 1e-5 {
					t.Fatalf("shard prediction diverged at bag %d class %d: %f vs %f", s.start+b, c, got, want)
				}
			}
		}
	}
}
