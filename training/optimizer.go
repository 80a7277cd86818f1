package training

import (
	"fmt"
	"math"

	"github.com/AICGijon/gmnet/tensor"
)

// Optimizer updates parameters from their accumulated gradients.
type Optimizer interface {
	Step() error
	ZeroGrad()
	GetLR() float32
	SetLR(lr float32)
	StateDict() *OptimizerState
	LoadStateDict(state *OptimizerState) error
}

// OptimizerState is the serializable snapshot of an optimizer, stored in
// checkpoints so training resumes with intact momentum.
type OptimizerState struct {
	Type         string                `json:"type"`
	LearningRate float32               `json:"learning_rate"`
	StepCount    int                   `json:"step_count"`
	Buffers      map[string][]float32  `json:"buffers,omitempty"`
}

// SGD implements stochastic gradient descent with optional momentum and
// weight decay.
type SGD struct {
	Params      []*tensor.Tensor
	LR          float32
	Momentum    float32
	WeightDecay float32
	velocity    [][]float32
	stepCount   int
}

func NewSGD(params []*tensor.Tensor, lr, momentum, weightDecay float32) (*SGD, error) {
	if lr <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", lr)
	}
	return &SGD{Params: params, LR: lr, Momentum: momentum, WeightDecay: weightDecay}, nil
}

func (o *SGD) Step() error {
	if o.Momentum != 0 && o.velocity == nil {
		o.velocity = make([][]float32, len(o.Params))
		for i, p := range o.Params {
			o.velocity[i] = make([]float32, p.NumElems)
		}
	}

	for i, p := range o.Params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		g, err := grad.Float32Data()
		if err != nil {
			return err
		}
		w, err := p.Float32Data()
		if err != nil {
			return err
		}
		for j := range w {
			gj := g[j]
			if o.WeightDecay != 0 {
				gj += o.WeightDecay * w[j]
			}
			if o.Momentum != 0 {
				o.velocity[i][j] = o.Momentum*o.velocity[i][j] + gj
				gj = o.velocity[i][j]
			}
			w[j] -= o.LR * gj
		}
	}
	o.stepCount++
	return nil
}

func (o *SGD) ZeroGrad() {
	for _, p := range o.Params {
		p.ZeroGrad()
	}
}

func (o *SGD) GetLR() float32   { return o.LR }
func (o *SGD) SetLR(lr float32) { o.LR = lr }

func (o *SGD) StateDict() *OptimizerState {
	state := &OptimizerState{
		Type:         "sgd",
		LearningRate: o.LR,
		StepCount:    o.stepCount,
		Buffers:      make(map[string][]float32),
	}
	for i, v := range o.velocity {
		state.Buffers[fmt.Sprintf("velocity_%d", i)] = append([]float32(nil), v...)
	}
	return state
}

func (o *SGD) LoadStateDict(state *OptimizerState) error {
	if state.Type != "sgd" {
		return fmt.Errorf("state type %q does not match optimizer type sgd", state.Type)
	}
	o.LR = state.LearningRate
	o.stepCount = state.StepCount
	if len(state.Buffers) > 0 {
		o.velocity = make([][]float32, len(o.Params))
		for i, p := range o.Params {
			buf, ok := state.Buffers[fmt.Sprintf("velocity_%d", i)]
			if !ok {
				return fmt.Errorf("missing velocity buffer for parameter %d", i)
			}
			if len(buf) != p.NumElems {
				return fmt.Errorf("velocity buffer %d has %d elements, parameter has %d", i, len(buf), p.NumElems)
			}
			o.velocity[i] = append([]float32(nil), buf...)
		}
	}
	return nil
}

// Adam implements the Adam optimizer with bias correction.
type Adam struct {
	Params      []*tensor.Tensor
	LR          float32
	Beta1       float32
	Beta2       float32
	Eps         float32
	WeightDecay float32
	decoupled   bool // AdamW-style decay applied to weights, not gradients
	m           [][]float32
	v           [][]float32
	stepCount   int
}

func NewAdam(params []*tensor.Tensor, lr float32) (*Adam, error) {
	return newAdam(params, lr, 0, false)
}

// NewAdamW applies decoupled weight decay directly to the weights at each
// step instead of folding it into the gradient.
func NewAdamW(params []*tensor.Tensor, lr, weightDecay float32) (*Adam, error) {
	return newAdam(params, lr, weightDecay, true)
}

func newAdam(params []*tensor.Tensor, lr, weightDecay float32, decoupled bool) (*Adam, error) {
	if lr <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", lr)
	}
	o := &Adam{
		Params:      params,
		LR:          lr,
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: weightDecay,
		decoupled:   decoupled,
		m:           make([][]float32, len(params)),
		v:           make([][]float32, len(params)),
	}
	for i, p := range params {
		o.m[i] = make([]float32, p.NumElems)
		o.v[i] = make([]float32, p.NumElems)
	}
	return o, nil
}

func (o *Adam) Step() error {
	o.stepCount++
	bc1 := 1 - float32(math.Pow(float64(o.Beta1), float64(o.stepCount)))
	bc2 := 1 - float32(math.Pow(float64(o.Beta2), float64(o.stepCount)))

	for i, p := range o.Params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		g, err := grad.Float32Data()
		if err != nil {
			return err
		}
		w, err := p.Float32Data()
		if err != nil {
			return err
		}
		for j := range w {
			gj := g[j]
			if o.WeightDecay != 0 && !o.decoupled {
				gj += o.WeightDecay * w[j]
			}
			o.m[i][j] = o.Beta1*o.m[i][j] + (1-o.Beta1)*gj
			o.v[i][j] = o.Beta2*o.v[i][j] + (1-o.Beta2)*gj*gj
			mHat := o.m[i][j] / bc1
			vHat := o.v[i][j] / bc2
			w[j] -= o.LR * mHat / (float32(math.Sqrt(float64(vHat))) + o.Eps)
			if o.WeightDecay != 0 && o.decoupled {
				w[j] -= o.LR * o.WeightDecay * w[j]
			}
		}
	}
	return nil
}

func (o *Adam) ZeroGrad() {
	for _, p := range o.Params {
		p.ZeroGrad()
	}
}

func (o *Adam) GetLR() float32   { return o.LR }
func (o *Adam) SetLR(lr float32) { o.LR = lr }

func (o *Adam) StateDict() *OptimizerState {
	name := "adam"
	if o.decoupled {
		name = "adamw"
	}
	state := &OptimizerState{
		Type:         name,
		LearningRate: o.LR,
		StepCount:    o.stepCount,
		Buffers:      make(map[string][]float32),
	}
	for i := range o.Params {
		state.Buffers[fmt.Sprintf("m_%d", i)] = append([]float32(nil), o.m[i]...)
		state.Buffers[fmt.Sprintf("v_%d", i)] = append([]float32(nil), o.v[i]...)
	}
	return state
}

func (o *Adam) LoadStateDict(state *OptimizerState) error {
	want := "adam"
	if o.decoupled {
		want = "adamw"
	}
	if state.Type != want {
		return fmt.Errorf("state type %q does not match optimizer type %s", state.Type, want)
	}
	o.LR = state.LearningRate
	o.stepCount = state.StepCount
	for i, p := range o.Params {
		m, ok := state.Buffers[fmt.Sprintf("m_%d", i)]
		if !ok {
			return fmt.Errorf("missing first-moment buffer for parameter %d", i)
		}
		v, ok := state.Buffers[fmt.Sprintf("v_%d", i)]
		if !ok {
			return fmt.Errorf("missing second-moment buffer for parameter %d", i)
		}
		if len(m) != p.NumElems || len(v) != p.NumElems {
			return fmt.Errorf("moment buffers for parameter %d do not match its %d elements", i, p.NumElems)
		}
		o.m[i] = append([]float32(nil), m...)
		o.v[i] = append([]float32(nil), v...)
	}
	return nil
}
