package training

import (
	"fmt"
	"math"

	"github.com/AICGijon/gmnet/tensor"
)

// batchNormOp normalizes a [batch, features] tensor per feature and applies
// the affine transform. Inputs are x, gamma, beta so gradients reach the
// affine parameters through the graph.
type batchNormOp struct {
	Eps      float32
	mean     []float32 // per-feature batch mean
	invStd   []float32 // per-feature 1/sqrt(var+eps)
	xhat     []float32 // normalized input, cached for backward
	inputs   []*tensor.Tensor
	useStats bool      // eval mode: normalize with provided running stats
	runMean  []float32
	runVar   []float32
}

func (op *batchNormOp) Forward(inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 3 {
		return nil, fmt.Errorf("batch norm expects 3 inputs, got %d", len(inputs))
	}
	op.inputs = inputs
	x, gamma, beta := inputs[0], inputs[1], inputs[2]
	if len(x.Shape) != 2 {
		return nil, fmt.Errorf("batch norm expects 2D input, got shape %v", x.Shape)
	}
	n, f := x.Shape[0], x.Shape[1]

	src, err := x.Float32Data()
	if err != nil {
		return nil, err
	}
	g, err := gamma.Float32Data()
	if err != nil {
		return nil, err
	}
	b, err := beta.Float32Data()
	if err != nil {
		return nil, err
	}

	op.mean = make([]float32, f)
	op.invStd = make([]float32, f)
	if op.useStats {
		copy(op.mean, op.runMean)
		for j := 0; j < f; j++ {
			op.invStd[j] = 1 / float32(math.Sqrt(float64(op.runVar[j]+op.Eps)))
		}
	} else {
		for j := 0; j < f; j++ {
			var sum float32
			for i := 0; i < n; i++ {
				sum += src[i*f+j]
			}
			op.mean[j] = sum / float32(n)
		}
		for j := 0; j < f; j++ {
			var sum float32
			for i := 0; i < n; i++ {
				d := src[i*f+j] - op.mean[j]
				sum += d * d
			}
			variance := sum / float32(n)
			op.invStd[j] = 1 / float32(math.Sqrt(float64(variance+op.Eps)))
		}
	}

	op.xhat = make([]float32, n*f)
	out := make([]float32, n*f)
	for i := 0; i < n; i++ {
		for j := 0; j < f; j++ {
			idx := i*f + j
			op.xhat[idx] = (src[idx] - op.mean[j]) * op.invStd[j]
			out[idx] = g[j]*op.xhat[idx] + b[j]
		}
	}

	return tensor.NewTensor([]int{n, f}, tensor.Float32, out)
}

func (op *batchNormOp) Backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	x := op.inputs[0]
	n, f := x.Shape[0], x.Shape[1]
	dy, err := gradOut.Float32Data()
	if err != nil {
		return nil, err
	}
	g, err := op.inputs[1].Float32Data()
	if err != nil {
		return nil, err
	}

	dgamma := make([]float32, f)
	dbeta := make([]float32, f)
	for i := 0; i < n; i++ {
		for j := 0; j < f; j++ {
			idx := i*f + j
			dgamma[j] += dy[idx] * op.xhat[idx]
			dbeta[j] += dy[idx]
		}
	}

	dx := make([]float32, n*f)
	if op.useStats {
		// Running statistics are constants, so the chain is elementwise.
		for i := 0; i < n; i++ {
			for j := 0; j < f; j++ {
				idx := i*f + j
				dx[idx] = dy[idx] * g[j] * op.invStd[j]
			}
		}
	} else {
		invN := 1 / float32(n)
		for j := 0; j < f; j++ {
			meanDy := dbeta[j] * invN
			meanDyXhat := dgamma[j] * invN
			for i := 0; i < n; i++ {
				idx := i*f + j
				dx[idx] = g[j] * op.invStd[j] * (dy[idx] - meanDy - op.xhat[idx]*meanDyXhat)
			}
		}
	}

	gx, err := tensor.NewTensor([]int{n, f}, tensor.Float32, dx)
	if err != nil {
		return nil, err
	}
	gg, err := tensor.NewTensor([]int{1, f}, tensor.Float32, dgamma)
	if err != nil {
		return nil, err
	}
	gb, err := tensor.NewTensor([]int{1, f}, tensor.Float32, dbeta)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{gx, gg, gb}, nil
}

func (op *batchNormOp) Inputs() []*tensor.Tensor { return op.inputs }

// BatchNorm normalizes each feature over the batch dimension, tracking
// running statistics for eval mode.
type BatchNorm struct {
	baseModule
	Features    int
	Eps         float32
	Momentum    float32
	Gamma       *tensor.Tensor // [1, features]
	Beta        *tensor.Tensor // [1, features]
	RunningMean []float32
	RunningVar  []float32
}

func NewBatchNorm(features int) (*BatchNorm, error) {
	if features <= 0 {
		return nil, fmt.Errorf("invalid batch norm feature count %d", features)
	}
	gamma, err := tensor.Ones([]int{1, features}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	gamma.SetRequiresGrad(true)
	beta, err := tensor.Zeros([]int{1, features}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	beta.SetRequiresGrad(true)

	runVar := make([]float32, features)
	for i := range runVar {
		runVar[i] = 1
	}

	return &BatchNorm{
		baseModule:  baseModule{training: true},
		Features:    features,
		Eps:         1e-5,
		Momentum:    0.1,
		Gamma:       gamma,
		Beta:        beta,
		RunningMean: make([]float32, features),
		RunningVar:  runVar,
	}, nil
}

func (bn *BatchNorm) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 || input.Shape[1] != bn.Features {
		return nil, fmt.Errorf("batch norm expects [N, %d] input, got shape %v", bn.Features, input.Shape)
	}

	op := &batchNormOp{Eps: bn.Eps}
	if !bn.training {
		op.useStats = true
		op.runMean = bn.RunningMean
		op.runVar = bn.RunningVar
	}

	out, err := op.Forward(input, bn.Gamma, bn.Beta)
	if err != nil {
		return nil, err
	}

	if bn.training {
		// Update running statistics from the batch just seen.
		n := input.Shape[0]
		src, _ := input.Float32Data()
		for j := 0; j < bn.Features; j++ {
			var sum float32
			for i := 0; i < n; i++ {
				d := src[i*bn.Features+j] - op.mean[j]
				sum += d * d
			}
			variance := sum / float32(n)
			bn.RunningMean[j] = (1-bn.Momentum)*bn.RunningMean[j] + bn.Momentum*op.mean[j]
			bn.RunningVar[j] = (1-bn.Momentum)*bn.RunningVar[j] + bn.Momentum*variance
		}
		out.SetRequiresGrad(true)
	}

	if input.RequiresGrad() || input.Creator() != nil || bn.training {
		attachCreator(out, op)
	}
	return out, nil
}

func (bn *BatchNorm) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{bn.Gamma, bn.Beta}
}

// attachCreator links an op built outside the tensor package into the graph.
func attachCreator(t *tensor.Tensor, op tensor.Operation) {
	t.SetCreator(op)
	t.SetRequiresGrad(true)
}
