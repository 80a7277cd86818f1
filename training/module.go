package training

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/AICGijon/gmnet/tensor"
)

// Module is the building block of every network: a forward pass plus access
// to trainable parameters and train/eval mode switching.
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor
	Train()
	Eval()
	IsTraining() bool
}

var (
	rngMu     sync.Mutex
	globalRNG = rand.New(rand.NewSource(42))
)

// SetRandomSeed reseeds the generator used for parameter initialization and
// dropout masks. Call before building models for reproducible runs.
func SetRandomSeed(seed int64) {
	rngMu.Lock()
	defer rngMu.Unlock()
	globalRNG = rand.New(rand.NewSource(seed))
}

func randFloat32() float32 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return globalRNG.Float32()
}

// baseModule carries the shared training-mode flag.
type baseModule struct {
	training bool
}

func (m *baseModule) Train()           { m.training = true }
func (m *baseModule) Eval()            { m.training = false }
func (m *baseModule) IsTraining() bool { return m.training }

// NoParams supplies Module boilerplate for modules without trainable
// parameters. Embed it and implement Forward.
type NoParams struct {
	baseModule
}

func (n *NoParams) Parameters() []*tensor.Tensor { return nil }

// Linear applies y = x*W + b on 2D inputs [batch, inFeatures].
type Linear struct {
	baseModule
	InFeatures  int
	OutFeatures int
	Weight      *tensor.Tensor // [inFeatures, outFeatures]
	Bias        *tensor.Tensor // [1, outFeatures]
	UseBias     bool
}

// NewLinear creates a layer with Xavier-uniform weights and zero bias.
func NewLinear(inFeatures, outFeatures int, useBias bool) (*Linear, error) {
	if inFeatures <= 0 || outFeatures <= 0 {
		return nil, fmt.Errorf("invalid linear dimensions %dx%d", inFeatures, outFeatures)
	}

	limit := float32(math.Sqrt(6.0 / float64(inFeatures+outFeatures)))
	weights := make([]float32, inFeatures*outFeatures)
	for i := range weights {
		weights[i] = (randFloat32()*2 - 1) * limit
	}
	weight, err := tensor.NewTensor([]int{inFeatures, outFeatures}, tensor.Float32, weights)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	layer := &Linear{
		baseModule:  baseModule{training: true},
		InFeatures:  inFeatures,
		OutFeatures: outFeatures,
		Weight:      weight,
		UseBias:     useBias,
	}

	if useBias {
		bias, err := tensor.Zeros([]int{1, outFeatures}, tensor.Float32)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		bias.SetRequiresGrad(true)
		layer.Bias = bias
	}

	return layer, nil
}

// NewLinearIdentity creates a square layer initialized to the identity
// matrix. Used for the last projection of an output head whose input width
// already matches the class count.
func NewLinearIdentity(features int, useBias bool) (*Linear, error) {
	layer, err := NewLinear(features, features, useBias)
	if err != nil {
		return nil, err
	}
	w, _ := layer.Weight.Float32Data()
	for i := range w {
		w[i] = 0
	}
	for i := 0; i < features; i++ {
		w[i*features+i] = 1
	}
	return layer, nil
}

func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("linear layer expects 2D input, got shape %v", input.Shape)
	}
	if input.Shape[1] != l.InFeatures {
		return nil, fmt.Errorf("linear layer expects %d input features, got %d", l.InFeatures, input.Shape[1])
	}

	out, err := tensor.MatMulAutograd(input, l.Weight)
	if err != nil {
		return nil, fmt.Errorf("linear forward failed: %v", err)
	}
	if l.UseBias {
		out, err = tensor.AddAutograd(out, l.Bias)
		if err != nil {
			return nil, fmt.Errorf("bias addition failed: %v", err)
		}
	}
	return out, nil
}

func (l *Linear) Parameters() []*tensor.Tensor {
	if l.UseBias {
		return []*tensor.Tensor{l.Weight, l.Bias}
	}
	return []*tensor.Tensor{l.Weight}
}

// ReLU activation module.
type ReLU struct {
	baseModule
}

func NewReLU() *ReLU { return &ReLU{baseModule{training: true}} }

func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLUAutograd(input)
}

func (r *ReLU) Parameters() []*tensor.Tensor { return nil }

// LeakyReLU activation module.
type LeakyReLU struct {
	baseModule
	Slope float32
}

func NewLeakyReLU(slope float32) *LeakyReLU {
	if slope == 0 {
		slope = 0.01
	}
	return &LeakyReLU{baseModule{training: true}, slope}
}

func (r *LeakyReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.LeakyReLUAutograd(input, r.Slope)
}

func (r *LeakyReLU) Parameters() []*tensor.Tensor { return nil }

// Sigmoid activation module.
type Sigmoid struct {
	baseModule
}

func NewSigmoid() *Sigmoid { return &Sigmoid{baseModule{training: true}} }

func (s *Sigmoid) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.SigmoidAutograd(input)
}

func (s *Sigmoid) Parameters() []*tensor.Tensor { return nil }

// Softmax normalizes rows into a probability distribution.
type Softmax struct {
	baseModule
}

func NewSoftmax() *Softmax { return &Softmax{baseModule{training: true}} }

func (s *Softmax) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.SoftmaxAutograd(input)
}

func (s *Softmax) Parameters() []*tensor.Tensor { return nil }

// L1Normalize divides each row by the sum of its absolute values. Combined
// with a preceding ReLU it yields a valid prevalence vector without the
// sharpening softmax applies.
type L1Normalize struct {
	baseModule
}

func NewL1Normalize() *L1Normalize { return &L1Normalize{baseModule{training: true}} }

func (n *L1Normalize) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.L1NormalizeAutograd(input)
}

func (n *L1Normalize) Parameters() []*tensor.Tensor { return nil }

// Dropout zeroes activations with probability P during training. At eval
// time it is the identity.
type Dropout struct {
	baseModule
	P float32
}

func NewDropout(p float32) (*Dropout, error) {
	if p < 0 || p >= 1 {
		return nil, fmt.Errorf("dropout probability must be in [0, 1), got %f", p)
	}
	return &Dropout{baseModule{training: true}, p}, nil
}

func (d *Dropout) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if !d.training || d.P == 0 {
		return input, nil
	}
	mask := make([]float32, input.NumElems)
	keep := 1 - d.P
	scale := 1 / keep
	for i := range mask {
		if randFloat32() < keep {
			mask[i] = scale
		}
	}
	return tensor.DropoutAutograd(input, mask)
}

func (d *Dropout) Parameters() []*tensor.Tensor { return nil }

// Sequential chains modules, feeding each output into the next.
type Sequential struct {
	baseModule
	Modules []Module
}

func NewSequential(modules ...Module) *Sequential {
	return &Sequential{baseModule{training: true}, modules}
}

func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out := input
	var err error
	for i, m := range s.Modules {
		out, err = m.Forward(out)
		if err != nil {
			return nil, fmt.Errorf("sequential module %d failed: %v", i, err)
		}
	}
	return out, nil
}

func (s *Sequential) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, m := range s.Modules {
		params = append(params, m.Parameters()...)
	}
	return params
}

func (s *Sequential) Train() {
	s.training = true
	for _, m := range s.Modules {
		m.Train()
	}
}

func (s *Sequential) Eval() {
	s.training = false
	for _, m := range s.Modules {
		m.Eval()
	}
}
