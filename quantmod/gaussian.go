package quantmod

import (
	"fmt"
	"math/rand"

	"github.com/AICGijon/gmnet/tensor"
	"github.com/AICGijon/gmnet/training"
)

// GaussianLayer summarizes a bag by its soft assignment to a bank of
// learnable diagonal Gaussians. Each example gets a responsibility vector
// over the components; averaging over the bag yields a mixture-weight style
// signature of width NumComponents.
type GaussianLayer struct {
	NumComponents int
	FeatureDim    int
	Means         *tensor.Tensor // [components, features]
	LogVars       *tensor.Tensor // [components, features]
	RegWeight     float32

	// TrackOnly keeps the penalty out of the backward loss while still
	// reporting it.
	TrackOnly bool

	training bool
}

func NewGaussianLayer(numComponents, featureDim int, regWeight float32, seed int64) (*GaussianLayer, error) {
	if numComponents < 2 {
		return nil, fmt.Errorf("need at least 2 components, got %d", numComponents)
	}
	if featureDim <= 0 {
		return nil, fmt.Errorf("feature dimension must be positive, got %d", featureDim)
	}

	rng := rand.New(rand.NewSource(seed))
	means := make([]float32, numComponents*featureDim)
	for i := range means {
		means[i] = float32(rng.NormFloat64()) * 0.5
	}
	meanT, err := tensor.NewTensor([]int{numComponents, featureDim}, tensor.Float32, means)
	if err != nil {
		return nil, err
	}
	meanT.SetRequiresGrad(true)

	logVarT, err := tensor.Zeros([]int{numComponents, featureDim}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	logVarT.SetRequiresGrad(true)

	return &GaussianLayer{
		NumComponents: numComponents,
		FeatureDim:    featureDim,
		Means:         meanT,
		LogVars:       logVarT,
		RegWeight:     regWeight,
		training:      true,
	}, nil
}

func (g *GaussianLayer) OutputDim(inputDim int) int { return g.NumComponents }

func (g *GaussianLayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 3 {
		return nil, fmt.Errorf("gaussian layer expects [batch, bag, features] input, got shape %v", input.Shape)
	}
	batch, bag, fdim := input.Shape[0], input.Shape[1], input.Shape[2]
	if fdim != g.FeatureDim {
		return nil, fmt.Errorf("gaussian layer built for %d features, got %d", g.FeatureDim, fdim)
	}

	flat, err := tensor.ReshapeAutograd(input, []int{batch * bag, fdim})
	if err != nil {
		return nil, err
	}

	// Unnormalized log density per component, constants dropped:
	// -0.5 * sum_f ((x - mu)^2 / var + logvar)
	logDens := make([]*tensor.Tensor, g.NumComponents)
	for c := 0; c < g.NumComponents; c++ {
		mu, err := tensor.NarrowAutograd(g.Means, 0, c, 1)
		if err != nil {
			return nil, err
		}
		lv, err := tensor.NarrowAutograd(g.LogVars, 0, c, 1)
		if err != nil {
			return nil, err
		}
		diff, err := tensor.SubAutograd(flat, mu)
		if err != nil {
			return nil, err
		}
		sq, err := tensor.MulAutograd(diff, diff)
		if err != nil {
			return nil, err
		}
		variance, err := tensor.ExpAutograd(lv)
		if err != nil {
			return nil, err
		}
		ratio, err := tensor.DivAutograd(sq, variance)
		if err != nil {
			return nil, err
		}
		withLogVar, err := tensor.AddAutograd(ratio, lv)
		if err != nil {
			return nil, err
		}
		summed, err := tensor.SumAutograd(withLogVar, 1)
		if err != nil {
			return nil, err
		}
		scaled, err := tensor.ScaleAutograd(summed, -0.5)
		if err != nil {
			return nil, err
		}
		logDens[c], err = tensor.ReshapeAutograd(scaled, []int{batch * bag, 1})
		if err != nil {
			return nil, err
		}
	}

	stacked, err := tensor.ConcatAutograd(logDens, 1)
	if err != nil {
		return nil, err
	}
	resp, err := tensor.SoftmaxAutograd(stacked)
	if err != nil {
		return nil, err
	}
	perBag, err := tensor.ReshapeAutograd(resp, []int{batch, bag, g.NumComponents})
	if err != nil {
		return nil, err
	}
	return tensor.MeanAutograd(perBag, 1)
}

func (g *GaussianLayer) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{g.Means, g.LogVars}
}

func (g *GaussianLayer) Train()           { g.training = true }
func (g *GaussianLayer) Eval()            { g.training = false }
func (g *GaussianLayer) IsTraining() bool { return g.training }

// RegularizationLoss penalizes component variance, keeping the Gaussians
// from flattening into uninformative blobs.
func (g *GaussianLayer) RegularizationLoss() (*tensor.Tensor, error) {
	variance, err := tensor.ExpAutograd(g.LogVars)
	if err != nil {
		return nil, err
	}
	flat, err := tensor.ReshapeAutograd(variance, []int{1, g.NumComponents * g.FeatureDim})
	if err != nil {
		return nil, err
	}
	return tensor.MeanAutograd(flat, 1)
}

func (g *GaussianLayer) RegularizationWeight() float32 { return g.RegWeight }

func (g *GaussianLayer) ApplyRegularization() bool { return !g.TrackOnly }

func (g *GaussianLayer) CloneModule() (training.Module, error) {
	means, err := g.Means.Clone()
	if err != nil {
		return nil, err
	}
	logVars, err := g.LogVars.Clone()
	if err != nil {
		return nil, err
	}
	return &GaussianLayer{
		NumComponents: g.NumComponents,
		FeatureDim:    g.FeatureDim,
		Means:         means,
		LogVars:       logVars,
		RegWeight:     g.RegWeight,
		TrackOnly:     g.TrackOnly,
		training:      g.training,
	}, nil
}
