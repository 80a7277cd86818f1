package quant

import (
	"fmt"

	"github.com/AICGijon/gmnet/quantmod"
	"github.com/AICGijon/gmnet/tensor"
	"github.com/AICGijon/gmnet/training"
)

// OutputActivation selects how the output head turns scores into a
// prevalence vector.
type OutputActivation int

const (
	// OutputSoftmax applies a row-wise softmax.
	OutputSoftmax OutputActivation = iota
	// OutputL1 applies ReLU then L1 normalization, keeping the head linear
	// where the scores are already positive.
	OutputL1
)

// NetworkConfig assembles a quantification network.
type NetworkConfig struct {
	// InputDim is the width of raw example features.
	InputDim int

	// FeatureExtractor maps [n, InputDim] to [n, FeatureDim]. Nil means the
	// raw features go straight to the aggregator and FeatureDim must equal
	// InputDim.
	FeatureExtractor training.Module
	FeatureDim       int

	// FEBatchSize processes the flattened batch*bag examples through the
	// feature extractor in chunks of this size. Zero runs a single pass.
	// When set it must divide batch*bag exactly.
	FEBatchSize int

	// Aggregator reduces each bag of representations to one vector.
	Aggregator quantmod.Aggregator

	NClasses int

	// HiddenSizes are the widths of the output head's hidden layers.
	HiddenSizes []int
	DropoutRate float32
	LeakySlope  float32

	// UseBatchNorm normalizes representations over the flattened batch*bag
	// axis before aggregation.
	UseBatchNorm bool

	// ResidualConnection adds a linear projection of the bag-averaged
	// representation to the aggregator output.
	ResidualConnection bool

	// MetadataDim is the width of optional per-bag metadata concatenated to
	// the aggregated vector. Zero disables metadata.
	MetadataDim int

	// ClassifierHead adds an example-level classification head over the
	// representations for the auxiliary loss.
	ClassifierHead bool

	OutputActivation OutputActivation
}

// ForwardOptions control a single forward pass.
type ForwardOptions struct {
	// ReturnRepresentation short-circuits right after aggregation, before
	// the residual blend, metadata and the output head, returning the raw
	// aggregated bag vectors.
	ReturnRepresentation bool

	// ReturnClassification also runs the classifier head.
	ReturnClassification bool

	// Metadata is a [batch, MetadataDim] tensor required when the network
	// was built with metadata support.
	Metadata *tensor.Tensor
}

// ForwardResult carries the outputs requested through ForwardOptions.
type ForwardResult struct {
	// Prevalences is [batch, NClasses], rows on the simplex.
	Prevalences *tensor.Tensor

	// Representation is [batch, aggDim], the aggregation module's output.
	Representation *tensor.Tensor

	// Classification is [batch*bag, NClasses] logits, set only when
	// requested.
	Classification *tensor.Tensor
}

// QuantNetwork composes feature extraction, bag aggregation and the output
// head into a single trainable model.
type QuantNetwork struct {
	cfg NetworkConfig

	batchNorm  *training.BatchNorm
	residual   *training.Linear
	classifier *training.Linear
	head       *training.Sequential

	// regularizer is non-nil when the aggregator contributes a penalty
	// term; applyReg records whether that term joins the backward loss.
	regularizer quantmod.RegularizationProvider
	applyReg    bool

	training bool
}

// NewQuantNetwork validates the configuration and builds all sub-modules.
func NewQuantNetwork(cfg NetworkConfig) (*QuantNetwork, error) {
	if cfg.InputDim <= 0 {
		return nil, fmt.Errorf("input dimension must be positive, got %d", cfg.InputDim)
	}
	if cfg.NClasses < 2 {
		return nil, fmt.Errorf("need at least 2 classes, got %d", cfg.NClasses)
	}
	if cfg.Aggregator == nil {
		return nil, fmt.Errorf("an aggregation module is required")
	}
	if cfg.FeatureExtractor == nil {
		if cfg.FeatureDim == 0 {
			cfg.FeatureDim = cfg.InputDim
		}
		if cfg.FeatureDim != cfg.InputDim {
			return nil, fmt.Errorf("without a feature extractor, feature dim %d must equal input dim %d", cfg.FeatureDim, cfg.InputDim)
		}
	} else if cfg.FeatureDim <= 0 {
		return nil, fmt.Errorf("feature dimension must be positive when using a feature extractor, got %d", cfg.FeatureDim)
	}
	if cfg.LeakySlope == 0 {
		cfg.LeakySlope = 0.01
	}

	n := &QuantNetwork{cfg: cfg, training: true}

	if cfg.UseBatchNorm {
		bn, err := training.NewBatchNorm(cfg.FeatureDim)
		if err != nil {
			return nil, fmt.Errorf("failed to build batch norm: %v", err)
		}
		n.batchNorm = bn
	}

	aggDim := cfg.Aggregator.OutputDim(cfg.FeatureDim)

	if cfg.ResidualConnection {
		proj, err := training.NewLinear(cfg.FeatureDim, aggDim, false)
		if err != nil {
			return nil, fmt.Errorf("failed to build residual projection: %v", err)
		}
		n.residual = proj
	}

	if cfg.ClassifierHead {
		clf, err := training.NewLinear(cfg.FeatureDim, cfg.NClasses, true)
		if err != nil {
			return nil, fmt.Errorf("failed to build classifier head: %v", err)
		}
		n.classifier = clf
	}

	head, err := buildOutputHead(aggDim+cfg.MetadataDim, cfg)
	if err != nil {
		return nil, err
	}
	n.head = head

	if provider, ok := cfg.Aggregator.(quantmod.RegularizationProvider); ok {
		n.regularizer = provider
		n.applyReg = true
		if applier, ok := cfg.Aggregator.(quantmod.RegularizationApplier); ok {
			n.applyReg = applier.ApplyRegularization()
		}
	}

	return n, nil
}

// buildOutputHead stacks hidden linear layers with LeakyReLU and dropout,
// a final projection to NClasses, and the prevalence activation. The final
// projection starts as the identity when its input width already equals the
// class count.
func buildOutputHead(inDim int, cfg NetworkConfig) (*training.Sequential, error) {
	var modules []training.Module
	width := inDim
	for i, h := range cfg.HiddenSizes {
		if h <= 0 {
			return nil, fmt.Errorf("hidden layer %d has invalid width %d", i, h)
		}
		lin, err := training.NewLinear(width, h, true)
		if err != nil {
			return nil, fmt.Errorf("failed to build hidden layer %d: %v", i, err)
		}
		modules = append(modules, lin, training.NewLeakyReLU(cfg.LeakySlope))
		if cfg.DropoutRate > 0 {
			drop, err := training.NewDropout(cfg.DropoutRate)
			if err != nil {
				return nil, err
			}
			modules = append(modules, drop)
		}
		width = h
	}

	var final *training.Linear
	var err error
	if width == cfg.NClasses {
		final, err = training.NewLinearIdentity(cfg.NClasses, true)
	} else {
		final, err = training.NewLinear(width, cfg.NClasses, true)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build output projection: %v", err)
	}
	modules = append(modules, final)

	switch cfg.OutputActivation {
	case OutputSoftmax:
		modules = append(modules, training.NewSoftmax())
	case OutputL1:
		modules = append(modules, training.NewReLU(), training.NewL1Normalize())
	default:
		return nil, fmt.Errorf("unknown output activation %d", cfg.OutputActivation)
	}

	return training.NewSequential(modules...), nil
}

// extractFeatures runs the feature extractor over the flattened examples,
// in chunks when FEBatchSize is set.
func (n *QuantNetwork) extractFeatures(flat *tensor.Tensor) (*tensor.Tensor, error) {
	if n.cfg.FeatureExtractor == nil {
		return flat, nil
	}

	total := flat.Shape[0]
	chunk := n.cfg.FEBatchSize
	if chunk <= 0 || chunk >= total {
		return n.cfg.FeatureExtractor.Forward(flat)
	}
	if total%chunk != 0 {
		return nil, fmt.Errorf("feature extractor batch size %d does not divide %d examples", chunk, total)
	}

	parts := make([]*tensor.Tensor, 0, total/chunk)
	for start := 0; start < total; start += chunk {
		in, err := tensor.NarrowAutograd(flat, 0, start, chunk)
		if err != nil {
			return nil, err
		}
		out, err := n.cfg.FeatureExtractor.Forward(in)
		if err != nil {
			return nil, fmt.Errorf("feature extraction chunk at %d failed: %v", start, err)
		}
		parts = append(parts, out)
	}
	return tensor.ConcatAutograd(parts, 0)
}

// Forward runs a batch of bags [batch, bagSize, InputDim] through the
// network.
func (n *QuantNetwork) Forward(x *tensor.Tensor, opts ForwardOptions) (*ForwardResult, error) {
	if len(x.Shape) != 3 {
		return nil, fmt.Errorf("expected [batch, bag, features] input, got shape %v", x.Shape)
	}
	batch, bag, fdim := x.Shape[0], x.Shape[1], x.Shape[2]
	if fdim != n.cfg.InputDim {
		return nil, fmt.Errorf("expected %d input features, got %d", n.cfg.InputDim, fdim)
	}

	flat, err := tensor.ReshapeAutograd(x, []int{batch * bag, fdim})
	if err != nil {
		return nil, err
	}

	features, err := n.extractFeatures(flat)
	if err != nil {
		return nil, err
	}

	if n.batchNorm != nil {
		features, err = n.batchNorm.Forward(features)
		if err != nil {
			return nil, fmt.Errorf("batch norm failed: %v", err)
		}
	}

	repr, err := tensor.ReshapeAutograd(features, []int{batch, bag, n.cfg.FeatureDim})
	if err != nil {
		return nil, err
	}

	aggregated, err := n.cfg.Aggregator.Forward(repr)
	if err != nil {
		return nil, fmt.Errorf("aggregation failed: %v", err)
	}

	result := &ForwardResult{Representation: aggregated}
	if opts.ReturnRepresentation {
		return result, nil
	}

	if n.residual != nil {
		avg, err := tensor.MeanAutograd(repr, 1)
		if err != nil {
			return nil, err
		}
		proj, err := n.residual.Forward(avg)
		if err != nil {
			return nil, fmt.Errorf("residual projection failed: %v", err)
		}
		aggregated, err = tensor.AddAutograd(aggregated, proj)
		if err != nil {
			return nil, err
		}
	}

	if n.cfg.MetadataDim > 0 {
		if opts.Metadata == nil {
			return nil, fmt.Errorf("network requires [batch, %d] metadata but none was provided", n.cfg.MetadataDim)
		}
		if len(opts.Metadata.Shape) != 2 || opts.Metadata.Shape[0] != batch || opts.Metadata.Shape[1] != n.cfg.MetadataDim {
			return nil, fmt.Errorf("metadata shape %v does not match [%d, %d]", opts.Metadata.Shape, batch, n.cfg.MetadataDim)
		}
		aggregated, err = tensor.ConcatAutograd([]*tensor.Tensor{aggregated, opts.Metadata}, 1)
		if err != nil {
			return nil, err
		}
	} else if opts.Metadata != nil {
		return nil, fmt.Errorf("metadata provided but the network was built without metadata support")
	}

	prevalences, err := n.head.Forward(aggregated)
	if err != nil {
		return nil, fmt.Errorf("output head failed: %v", err)
	}
	result.Prevalences = prevalences

	if opts.ReturnClassification {
		if n.classifier == nil {
			return nil, fmt.Errorf("classification requested but the network has no classifier head")
		}
		logits, err := n.classifier.Forward(features)
		if err != nil {
			return nil, fmt.Errorf("classifier head failed: %v", err)
		}
		result.Classification = logits
	}

	return result, nil
}

// Regularization returns the aggregator's weighted penalty term, or nil when
// the aggregator contributes none.
func (n *QuantNetwork) Regularization() (*tensor.Tensor, error) {
	if n.regularizer == nil {
		return nil, nil
	}
	penalty, err := n.regularizer.RegularizationLoss()
	if err != nil {
		return nil, err
	}
	return tensor.ScaleAutograd(penalty, n.regularizer.RegularizationWeight())
}

// HasRegularization reports whether the aggregator contributes a penalty.
func (n *QuantNetwork) HasRegularization() bool { return n.regularizer != nil }

// AppliesRegularization reports whether that penalty joins the backward
// loss, as opposed to being tracked only.
func (n *QuantNetwork) AppliesRegularization() bool { return n.regularizer != nil && n.applyReg }

// HasClassifier reports whether the auxiliary classification head exists.
func (n *QuantNetwork) HasClassifier() bool { return n.classifier != nil }

// NClasses returns the number of classes the network predicts.
func (n *QuantNetwork) NClasses() int { return n.cfg.NClasses }

// InputDim returns the expected raw feature width.
func (n *QuantNetwork) InputDim() int { return n.cfg.InputDim }

// MetadataDim returns the expected per-bag metadata width, zero when unused.
func (n *QuantNetwork) MetadataDim() int { return n.cfg.MetadataDim }

func (n *QuantNetwork) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	if n.cfg.FeatureExtractor != nil {
		params = append(params, n.cfg.FeatureExtractor.Parameters()...)
	}
	if n.batchNorm != nil {
		params = append(params, n.batchNorm.Parameters()...)
	}
	params = append(params, n.cfg.Aggregator.Parameters()...)
	if n.residual != nil {
		params = append(params, n.residual.Parameters()...)
	}
	if n.classifier != nil {
		params = append(params, n.classifier.Parameters()...)
	}
	params = append(params, n.head.Parameters()...)
	return params
}

func (n *QuantNetwork) Train() {
	n.training = true
	if n.cfg.FeatureExtractor != nil {
		n.cfg.FeatureExtractor.Train()
	}
	if n.batchNorm != nil {
		n.batchNorm.Train()
	}
	n.cfg.Aggregator.Train()
	if n.residual != nil {
		n.residual.Train()
	}
	if n.classifier != nil {
		n.classifier.Train()
	}
	n.head.Train()
}

func (n *QuantNetwork) Eval() {
	n.training = false
	if n.cfg.FeatureExtractor != nil {
		n.cfg.FeatureExtractor.Eval()
	}
	if n.batchNorm != nil {
		n.batchNorm.Eval()
	}
	n.cfg.Aggregator.Eval()
	if n.residual != nil {
		n.residual.Eval()
	}
	if n.classifier != nil {
		n.classifier.Eval()
	}
	n.head.Eval()
}

func (n *QuantNetwork) IsTraining() bool { return n.training }
